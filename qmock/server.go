package qmock

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"

	"github.com/quic-go/quic-go"
)

// TLSServer accepts TLS connections, completes the handshake and reports
// the client certificate chain, if any, on Clients.
type TLSServer struct {
	Addr    string
	Clients chan []*x509.Certificate

	ln net.Listener
}

// NewTLSServer listens on 127.0.0.1 with cert until the test ends.
// A non-nil clientCAs requires client certificates signed by them.
func NewTLSServer(t testing.TB, cert tls.Certificate, clientCAs *x509.CertPool) *TLSServer {
	t.Helper()
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS10,
	}
	if clientCAs != nil {
		cfg.ClientCAs = clientCAs
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return NewTLSServerConfig(t, cfg)
}

// NewTLSServerConfig listens with a caller-provided configuration.
func NewTLSServerConfig(t testing.TB, cfg *tls.Config) *TLSServer {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &TLSServer{
		Addr:    ln.Addr().String(),
		Clients: make(chan []*x509.Certificate, 16),
		ln:      ln,
	}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *TLSServer) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			tc := c.(*tls.Conn)
			if err := tc.Handshake(); err != nil {
				return
			}
			select {
			case s.Clients <- tc.ConnectionState().PeerCertificates:
			default:
			}
			// Hold the connection until the client hangs up.
			buf := make([]byte, 1)
			_, _ = tc.Read(buf)
		}(c)
	}
}

// QUICServer accepts QUIC connections until the test ends.
type QUICServer struct {
	Addr string
}

// NewQUICServer listens on 127.0.0.1 over UDP with cert and alpn.
func NewQUICServer(t testing.TB, cert tls.Certificate, alpn ...string) *QUICServer {
	t.Helper()
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   alpn,
		MinVersion:   tls.VersionTLS13,
	}
	ln, err := quic.ListenAddr("127.0.0.1:0", cfg, nil)
	if err != nil {
		t.Fatalf("quic listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	go func() {
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				<-ctx.Done()
				_ = conn.CloseWithError(0, "server closed")
			}()
		}
	}()
	return &QUICServer{Addr: ln.Addr().String()}
}
