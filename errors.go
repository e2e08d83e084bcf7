package qtrust

import (
	"crypto/x509"
	"errors"
	"fmt"
)

// Configuration errors. Initialize never applies a configuration that
// fails with one of these.
var (
	ErrNoStore          = errors.New("qtrust: neither a CA store nor a client store was given")
	ErrStoreFileMissing = errors.New("qtrust: store file does not exist")
	ErrNoSuchAlgorithm  = errors.New("qtrust: unsupported protocol")
	ErrNotInitialized   = errors.New("qtrust: no socket factory has been initialized")
	ErrNoClientKey      = errors.New("qtrust: client store has no private key entry")
	ErrQUICRequiresALPN = errors.New("qtrust: QUIC requires at least one ALPN protocol")
)

// Trust errors. ErrNoTrustAnchor, ErrUntrustedKnownCA and ErrInvalidChain
// are never offered to the decider.
var (
	ErrNoTrustAnchor    = errors.New("qtrust: certificate chain has no self-signed CA anchor")
	ErrUntrustedKnownCA = errors.New("qtrust: certificate chain fails verification against a known CA")
	ErrInvalidChain     = errors.New("qtrust: certificate chain is structurally invalid")
	ErrImportDisabled   = errors.New("qtrust: certificate issuer is unknown and interactive import is disabled")
	ErrUserRejected     = errors.New("qtrust: certificate rejected by user")
)

// ErrRecoveryCancelled is returned by RecoverStore when the operator
// cancels the password prompt.
var ErrRecoveryCancelled = errors.New("qtrust: password entry cancelled")

// TrustError is returned from the TLS handshake when a server chain is
// rejected. It wraps the reason sentinel and, when present, the delegate's
// verification error.
type TrustError struct {
	Reason  error
	Subject string
	Cause   error
}

func (e *TrustError) Error() string {
	msg := e.Reason.Error()
	if e.Subject != "" {
		msg += ": " + e.Subject
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TrustError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Cause}
}

// IsUserRejected reports whether err comes from an operator declining a
// certificate, as opposed to a technical failure.
func IsUserRejected(err error) bool {
	return errors.Is(err, ErrUserRejected)
}

// PersistError reports that an AcceptAlways decision could not be saved.
// The handshake that triggered it still succeeds.
type PersistError struct {
	Path        string
	Certificate *x509.Certificate
	Err         error
}

func (e *PersistError) Error() string {
	subject := ""
	if e.Certificate != nil {
		subject = e.Certificate.Subject.String()
	}
	return fmt.Sprintf("qtrust: trusted %q for this connection only; saving to %s failed: %v", subject, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}
