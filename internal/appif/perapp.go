package appif

import (
	"sync"

	"github.com/rs/xid"
)

// Context is one application's registration with a dataplane core:
// its notification eventfd, its AppOut/AppIn control rings, and the
// per-core App{R,T}X ring offsets handed out at handshake time.
type Context struct {
	ID xid.ID // stable handle for introspection/control RPC lookups

	AppOutOff uint64
	AppInOff  uint64
	AppOutLen uint32
	AppInLen  uint32

	Queues []QueuePair

	NotifyFD int // eventfd the dataplane signals to wake a blocked app
	DBID     uint16
}

// NewContext constructs a Context from a completed handshake Response.
func NewContext(resp Response, notifyFD int) *Context {
	return &Context{
		ID:        xid.New(),
		AppOutOff: resp.AppOutOff,
		AppInOff:  resp.AppInOff,
		AppOutLen: resp.AppOutLen,
		AppInLen:  resp.AppInLen,
		Queues:    resp.Queues,
		NotifyFD:  notifyFD,
		DBID:      resp.FlexnicDBID,
	}
}

// Registry tracks all live application contexts for a dataplane
// instance, keyed by their stable ID so the introspection RPC
// (internal/server) can list and inspect them without reaching into
// per-core state directly.
type Registry struct {
	mu   sync.RWMutex
	apps map[xid.ID]*Context
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{apps: make(map[xid.ID]*Context)}
}

// Register adds ctx to the registry.
func (r *Registry) Register(ctx *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[ctx.ID] = ctx
}

// Unregister removes the context with the given ID.
func (r *Registry) Unregister(id xid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.apps, id)
}

// Get returns the context with the given ID, if still registered.
func (r *Registry) Get(id xid.ID) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.apps[id]
	return ctx, ok
}

// List returns a snapshot of all registered contexts.
func (r *Registry) List() []*Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Context, 0, len(r.apps))
	for _, ctx := range r.apps {
		out = append(out, ctx)
	}
	return out
}
