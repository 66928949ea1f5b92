// internal/backend/static.go
package backend

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// staticBackend answers every request from memory. The test and
// local-development adapters differ only in the ports they hand back.
type staticBackend struct {
	kind  Kind
	ports map[string]Port

	mu      sync.Mutex
	servers map[string]CreateServerRequest
}

// NewTest returns the adapter used by unit tests: servers get a synthetic id
// and resolve on the first poll, echoing the requested ports.
func NewTest() Backend {
	return &staticBackend{kind: KindTest, servers: make(map[string]CreateServerRequest)}
}

// NewLocalDevelopment returns an adapter that never provisions anything and
// reports the configured local endpoints for every server.
func NewLocalDevelopment(ports map[string]Port) Backend {
	return &staticBackend{
		kind:    KindLocalDevelopment,
		ports:   clonePorts(ports),
		servers: make(map[string]CreateServerRequest),
	}
}

func (b *staticBackend) Kind() Kind { return b.kind }

func (b *staticBackend) CreateServer(_ context.Context, req CreateServerRequest) (string, error) {
	id := string(b.kind) + "-" + uuid.NewString()
	b.mu.Lock()
	b.servers[id] = req
	b.mu.Unlock()
	return id, nil
}

func (b *staticBackend) PollServer(_ context.Context, remoteID string) (PollResult, error) {
	b.mu.Lock()
	req, ok := b.servers[remoteID]
	b.mu.Unlock()
	if !ok {
		return PollResult{Status: StatusTerminated}, nil
	}

	ports := clonePorts(b.ports)
	if b.kind == KindTest {
		ports = bindLoopback(req.Ports)
	}
	live := &Live{RemoteID: remoteID, Region: req.Region, Ports: ports}
	if !live.Resolved() {
		return PollResult{Status: StatusPending, Live: live}, nil
	}
	return PollResult{Status: StatusResolved, Live: live}, nil
}

// bindLoopback fills in a loopback address for every unbound port.
func bindLoopback(requested map[string]Port) map[string]Port {
	out := clonePorts(requested)
	for name, p := range out {
		if p.Hostname == "" {
			p.Hostname = "127.0.0.1"
		}
		if p.Port <= 0 {
			p.Port = p.InternalPort
		}
		if p.Port <= 0 {
			p.Port = testFallbackPort
		}
		out[name] = p
	}
	return out
}

const testFallbackPort = 10000

func (b *staticBackend) DestroyServer(_ context.Context, remoteID string) error {
	b.mu.Lock()
	delete(b.servers, remoteID)
	b.mu.Unlock()
	return nil
}
