package qtrust

import (
	"context"
	"sync"
	"sync/atomic"
)

// Registry holds the current Factory for code that cannot be handed one
// directly. Initialize calls are serialized; readers take a snapshot
// without locking and always see a complete Factory.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[Factory]
}

// Initialize builds a Factory from p and o, makes it current and returns
// it. On error the previous Factory stays current. The replaced Factory is
// left open so in-flight connections keep working; a caller holding it
// may Close it.
//
// A password prompt needed to open the CA store runs under the
// initialization lock. Trust decisions never do: they run during dials.
func (r *Registry) Initialize(ctx context.Context, p Params, o Options) (*Factory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := NewFactory(ctx, p, o)
	o.Metrics.initialization(err)
	if err != nil {
		o.Logger.Error(err, "socket factory initialization failed")
		return nil, err
	}
	r.current.Store(f)
	return f, nil
}

// Current returns the current Factory, or nil before the first
// successful Initialize.
func (r *Registry) Current() *Factory {
	return r.current.Load()
}

// DialContext dials with the current Factory.
func (r *Registry) DialContext(ctx context.Context, network, addr string) (*Conn, error) {
	f := r.current.Load()
	if f == nil {
		return nil, ErrNotInitialized
	}
	return f.DialContext(ctx, network, addr)
}

var defaultRegistry Registry

// Initialize replaces the process-wide Factory.
func Initialize(ctx context.Context, p Params, o Options) (*Factory, error) {
	return defaultRegistry.Initialize(ctx, p, o)
}

// Current returns the process-wide Factory, or nil.
func Current() *Factory {
	return defaultRegistry.Current()
}

// DialContext dials with the process-wide Factory.
func DialContext(ctx context.Context, network, addr string) (*Conn, error) {
	return defaultRegistry.DialContext(ctx, network, addr)
}
