package qtrust

import (
	"crypto/tls"
	"sync"

	"github.com/quic-go/quic-go"
)

// warnings collects non-fatal problems raised during one handshake.
type warnings struct {
	mu   sync.Mutex
	list []error
}

func (w *warnings) add(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.list = append(w.list, err)
}

func (w *warnings) errors() []error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]error(nil), w.list...)
}

// Conn is an established TLS connection.
type Conn struct {
	*tls.Conn
	warnings []error
}

// Warnings returns non-fatal problems from the handshake, such as a
// *PersistError when an accepted authority could not be saved.
func (c *Conn) Warnings() []error {
	return c.warnings
}

// QUICConn is an established QUIC connection.
type QUICConn struct {
	*quic.Conn
	warnings []error
}

// Warnings returns non-fatal problems from the handshake.
func (c *QUICConn) Warnings() []error {
	return c.warnings
}
