// Package qtrust opens TLS connections whose server trust is decided
// against a password-protected CA store, with an operator callback for
// self-signed authorities the store does not know yet.
//
// A Factory is built once per configuration and never modified; a
// Registry holds the current Factory and swaps it atomically when the
// configuration changes.
package qtrust

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/quic-go/quic-go"

	"github.com/kardianos/qtrust/qstore"
)

// Params names the stores a Factory is built from. At least one of
// CAStorePath and ClientStorePath is required.
type Params struct {
	CAStorePath     string
	CAStoreType     string
	CAPassword      []byte
	ClientStorePath string
	ClientStoreType string
	ClientPassword  []byte
}

// Options configure behavior beyond the stores.
type Options struct {
	// Protocol is "TLS" (default) or a single version such as "TLSv1.2".
	Protocol string
	// EnabledProtocols narrows the negotiated versions per connection.
	EnabledProtocols []string

	// SkipImport rejects unknown issuers without asking the decider.
	SkipImport bool
	// StrictUnknownIssuer rejects an unknown issuer with ErrInvalidChain,
	// without asking, when the chain would fail even with it trusted.
	StrictUnknownIssuer bool
	// DefaultPassword is tried before prompting for a store password.
	// Empty means DefaultPassword ("changeit").
	DefaultPassword []byte
	// DisableDefaultPassword never tries DefaultPassword.
	DisableDefaultPassword bool
	// SkipHostnameVerification does not match the server name against
	// the leaf certificate.
	SkipHostnameVerification bool

	Decider TrustDecider
	// DecisionTimeout bounds each decision; zero waits for the context.
	DecisionTimeout time.Duration
	Prompt          PasswordPrompt

	// ALPN protocols, required for DialQUIC.
	ALPN []string
	// Dialer is used for TCP connections. Nil uses a zero net.Dialer.
	Dialer *net.Dialer

	Logger    logr.Logger
	Metrics   *Metrics
	OnWarning func(error)
}

// Factory produces TLS connections for one immutable configuration.
type Factory struct {
	caStorePath     string
	clientStorePath string

	protocol     string
	minVersion   uint16
	maxVersion   uint16
	enabled      []uint16
	enabledNames []string

	clientCerts []tls.Certificate
	alpn        []string
	dialer      *net.Dialer

	trust *TrustManager
	log   logr.Logger
}

// NewFactory validates the parameters, opens the stores and builds a
// Factory. Store files are checked before any TLS state is created.
// The passwords in p are copied.
func NewFactory(ctx context.Context, p Params, o Options) (*Factory, error) {
	log := o.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	if p.CAStorePath == "" && p.ClientStorePath == "" {
		return nil, ErrNoStore
	}
	for _, path := range []string{p.CAStorePath, p.ClientStorePath} {
		if path == "" {
			continue
		}
		fi, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrStoreFileMissing, path)
			}
			return nil, fmt.Errorf("qtrust: stat store %s: %w", path, err)
		}
		if fi.IsDir() {
			return nil, fmt.Errorf("%w: %s is a directory", ErrStoreFileMissing, path)
		}
	}

	protocol := o.Protocol
	if protocol == "" {
		protocol = DefaultProtocol
	}
	minVersion, maxVersion, forced, err := resolveProtocol(protocol)
	if err != nil {
		return nil, err
	}
	if forced {
		log.Info("WARNING: forcing a single TLS protocol version", "protocol", protocol)
	}
	enabled, unknown := parseEnabled(o.EnabledProtocols)
	if len(unknown) > 0 {
		log.Info("ignoring unsupported enabled protocols", "names", unknown)
	}

	defaultPassword := bytes.Clone(o.DefaultPassword)
	if len(defaultPassword) == 0 {
		defaultPassword = []byte(DefaultPassword)
	}

	tm := &TrustManager{
		skipImport:   o.SkipImport,
		skipHostname: o.SkipHostnameVerification,
		strict:       o.StrictUnknownIssuer,
		decider:      o.Decider,
		timeout:      o.DecisionTimeout,
		now:          time.Now,
		log:          log.WithName("trust"),
		metrics:      o.Metrics,
		onWarning:    o.OnWarning,
	}

	if p.CAStorePath != "" {
		s, err := openStore(ctx, p.CAStorePath, p.CAStoreType, p.CAPassword, o.Prompt, RecoverOptions{
			DefaultPassword: defaultPassword,
			TryDefault:      !o.DisableDefaultPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("qtrust: open CA store: %w", err)
		}
		certs := s.TrustedCertificates()
		s.Close()
		if len(certs) == 0 {
			log.Info("CA store has no trusted certificates yet", "path", p.CAStorePath)
		}
		tm.anchors.Store(newAnchorSet(certs))
		tm.persist = &persister{
			path:            p.CAStorePath,
			storeType:       p.CAStoreType,
			password:        bytes.Clone(p.CAPassword),
			defaultPassword: bytes.Clone(defaultPassword),
			tryDefault:      !o.DisableDefaultPassword,
			prompt:          o.Prompt,
		}
	} else {
		sys, err := systemAnchorSet()
		if err != nil {
			return nil, err
		}
		tm.anchors.Store(sys)
	}
	qstore.Wipe(defaultPassword)

	f := &Factory{
		caStorePath:     p.CAStorePath,
		clientStorePath: p.ClientStorePath,
		protocol:        protocol,
		minVersion:      minVersion,
		maxVersion:      maxVersion,
		enabled:         enabled,
		enabledNames:    o.EnabledProtocols,
		alpn:            append([]string(nil), o.ALPN...),
		dialer:          o.Dialer,
		trust:           tm,
		log:             log,
	}
	if f.dialer == nil {
		f.dialer = &net.Dialer{}
	}

	switch {
	case p.ClientStorePath != "" && len(p.ClientPassword) > 0:
		s, err := qstore.Open(p.ClientStorePath, p.ClientPassword, p.ClientStoreType)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("qtrust: open client store: %w", err)
		}
		f.clientCerts = s.KeyPairs()
		s.Close()
		if len(f.clientCerts) == 0 {
			f.Close()
			return nil, fmt.Errorf("%w: %s", ErrNoClientKey, p.ClientStorePath)
		}
		log.V(1).Info("mutual TLS enabled", "path", p.ClientStorePath, "keys", len(f.clientCerts))
	case p.ClientStorePath != "":
		log.Info("client store given without a password, mutual TLS disabled", "path", p.ClientStorePath)
	}
	return f, nil
}

// openStore opens with the given password when there is one, otherwise
// or on a wrong password through the recovery loop.
func openStore(ctx context.Context, path, storeType string, password []byte, prompt PasswordPrompt, ro RecoverOptions) (*qstore.Store, error) {
	if len(password) > 0 {
		s, err := qstore.Open(path, password, storeType)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, qstore.ErrBadPassword) {
			return nil, err
		}
	}
	return RecoverStore(ctx, path, storeType, prompt, ro)
}

// Protocol returns the configured protocol name.
func (f *Factory) Protocol() string { return f.protocol }

// Versions returns the negotiable TLS version range before any
// enabled-protocol restriction.
func (f *Factory) Versions() (minVersion, maxVersion uint16) {
	return f.minVersion, f.maxVersion
}

// MutualTLS reports whether client certificates are presented.
func (f *Factory) MutualTLS() bool { return len(f.clientCerts) > 0 }

// CAStorePath returns the CA store path, empty when system roots are used.
func (f *Factory) CAStorePath() string { return f.caStorePath }

// ClientStorePath returns the client store path, empty without one.
func (f *Factory) ClientStorePath() string { return f.clientStorePath }

// TrustManager returns the verifier used by every connection.
func (f *Factory) TrustManager() *TrustManager { return f.trust }

// TLSConfig returns a configuration for libraries that dial themselves.
// Decisions made through it are not bounded by a caller context, and
// warnings reach only the OnWarning hook.
func (f *Factory) TLSConfig(serverName string) *tls.Config {
	return f.buildTLSConfig(context.Background(), serverName, nil)
}

// Dial connects to addr.
func (f *Factory) Dial(network, addr string) (*Conn, error) {
	return f.DialFrom(context.Background(), network, nil, addr)
}

// DialContext connects to addr. Cancelling ctx during a pending trust
// decision rejects the server.
func (f *Factory) DialContext(ctx context.Context, network, addr string) (*Conn, error) {
	return f.DialFrom(ctx, network, nil, addr)
}

// DialFrom connects to addr from the local address laddr.
func (f *Factory) DialFrom(ctx context.Context, network string, laddr net.Addr, addr string) (*Conn, error) {
	serverName, err := hostOf(addr)
	if err != nil {
		return nil, err
	}
	d := *f.dialer
	if laddr != nil {
		d.LocalAddr = laddr
	}
	raw, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return f.Client(ctx, raw, serverName)
}

// Client runs the TLS handshake over an established connection.
// raw is closed if the handshake fails.
func (f *Factory) Client(ctx context.Context, raw net.Conn, serverName string) (*Conn, error) {
	sink := &warnings{}
	tc := tls.Client(raw, f.buildTLSConfig(ctx, serverName, sink))
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return &Conn{Conn: tc, warnings: sink.errors()}, nil
}

// DialQUIC opens a QUIC connection to addr. QUIC needs TLS 1.3 and at
// least one ALPN protocol.
func (f *Factory) DialQUIC(ctx context.Context, addr string, qc *quic.Config) (*QUICConn, error) {
	if len(f.alpn) == 0 {
		return nil, ErrQUICRequiresALPN
	}
	if f.maxVersion < tls.VersionTLS13 {
		return nil, fmt.Errorf("%w: QUIC requires TLSv1.3, factory allows up to %s", ErrNoSuchAlgorithm, VersionName(f.maxVersion))
	}
	serverName, err := hostOf(addr)
	if err != nil {
		return nil, err
	}
	sink := &warnings{}
	cfg := f.buildTLSConfig(ctx, serverName, sink)
	cfg.MinVersion = tls.VersionTLS13
	cfg.MaxVersion = tls.VersionTLS13

	conn, err := quic.DialAddr(ctx, addr, cfg, qc)
	if err != nil {
		return nil, err
	}
	return &QUICConn{Conn: conn, warnings: sink.errors()}, nil
}

// Close wipes passwords retained for persisting accepted authorities.
// Connections already made are not affected.
func (f *Factory) Close() error {
	if f.trust.persist != nil {
		f.trust.persist.wipe()
	}
	return nil
}

func hostOf(addr string) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("qtrust: address %q: %w", addr, err)
	}
	return host, nil
}
