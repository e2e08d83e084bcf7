package qtrust

import (
	"context"
	"crypto/tls"
)

// buildTLSConfig creates the client configuration for one connection.
// Platform verification is replaced by the TrustManager through
// VerifyConnection so an unknown issuer can be put to the decider; ctx
// bounds that decision and any warning lands in sink.
func (f *Factory) buildTLSConfig(ctx context.Context, serverName string, sink *warnings) *tls.Config {
	minVersion, maxVersion := f.minVersion, f.maxVersion
	if len(f.enabled) > 0 {
		lo, hi, ok := restrictVersions(minVersion, maxVersion, f.enabled)
		if ok {
			minVersion, maxVersion = lo, hi
		} else {
			f.log.Info("enabled protocols match no supported protocol, leaving protocols unchanged",
				"protocol", f.protocol, "enabled", f.enabledNames)
		}
	}

	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
		MinVersion:         minVersion,
		MaxVersion:         maxVersion,
		NextProtos:         f.alpn,
		VerifyConnection: func(cs tls.ConnectionState) error {
			out := f.trust.Verify(ctx, cs.PeerCertificates, serverName)
			if out.Warning != nil && sink != nil {
				sink.add(out.Warning)
			}
			return out.Err
		},
	}
	if len(f.clientCerts) > 0 {
		cfg.GetClientCertificate = f.clientCertificate
	}
	return cfg
}

// clientCertificate picks the first key entry the server will accept.
// An empty certificate tells the server none is available.
func (f *Factory) clientCertificate(cri *tls.CertificateRequestInfo) (*tls.Certificate, error) {
	for i := range f.clientCerts {
		if err := cri.SupportsCertificate(&f.clientCerts[i]); err == nil {
			return &f.clientCerts[i], nil
		}
	}
	f.log.Info("no client certificate matches the server request")
	return &tls.Certificate{}, nil
}
