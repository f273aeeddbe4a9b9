package runtime

import (
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Key identifies one cached adapter: a container and the endpoint it
// was last observed on. A container that is destroyed and recreated
// gets a fresh endpoint and therefore a fresh cache entry (spec.md §4.3).
type Key struct {
	ContainerID string
	Endpoint    string
}

// Factory builds an Adapter for a given endpoint, sharing the runtime
// kind's long-lived HTTP client.
type Factory func(client *resty.Client, endpoint string) Adapter

// Pool is the process-wide keyed adapter cache described in spec.md
// §4.3/§5: entries are inserted idempotently and guarded by a mutex.
type Pool struct {
	mu       sync.Mutex
	entries  map[Key]Adapter
	clients  map[string]*resty.Client // keyed by runtime kind
	clientMu sync.Mutex
}

// NewPool constructs an empty adapter pool.
func NewPool() *Pool {
	return &Pool{
		entries: make(map[Key]Adapter),
		clients: make(map[string]*resty.Client),
	}
}

// sharedClient returns the single long-lived client for a runtime kind,
// creating it on first use. This is the concrete mechanism behind "one
// client per runtime kind, never per call" (spec.md §5).
func (p *Pool) sharedClient(kind string, defaultTimeout time.Duration) *resty.Client {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()
	if c, ok := p.clients[kind]; ok {
		return c
	}
	c := NewHTTPClient(defaultTimeout)
	p.clients[kind] = c
	return c
}

// Client exposes the shared per-kind HTTP client directly, for callers
// (e.g. the initial readiness probe) that need to build an adapter
// before a container has a stable cache key.
func (p *Pool) Client(kind string, defaultTimeout time.Duration) *resty.Client {
	return p.sharedClient(kind, defaultTimeout)
}

// Get returns the cached adapter for (containerID, endpoint), building it
// with factory/kind/defaultTimeout on first access.
func (p *Pool) Get(containerID, endpoint, kind string, defaultTimeout time.Duration, factory Factory) Adapter {
	key := Key{ContainerID: containerID, Endpoint: endpoint}

	p.mu.Lock()
	if a, ok := p.entries[key]; ok {
		p.mu.Unlock()
		return a
	}
	p.mu.Unlock()

	client := p.sharedClient(kind, defaultTimeout)
	adapter := factory(client, endpoint)

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.entries[key]; ok {
		// Lost the race to another goroutine inserting the same key.
		return existing
	}
	p.entries[key] = adapter
	return adapter
}

// Invalidate drops any cached adapter for containerID regardless of
// endpoint, called when a session transitions out of running (spec.md
// §4.9 "invalidated when the session transitions out of running").
func (p *Pool) Invalidate(containerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.entries {
		if k.ContainerID == containerID {
			delete(p.entries, k)
		}
	}
}
