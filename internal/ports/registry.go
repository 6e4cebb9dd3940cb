// Package ports owns allocation of listen ports across deployments. The
// registry is an explicit object injected into the supervisor, so concurrent
// start calls for different deployments cannot race one another onto the
// same port.
package ports

import (
	"fmt"
	"net"
	"sync"

	"github.com/bobmatnyc/localops/internal/deployment"
)

// Probe reports whether a port is currently bindable. Tests swap it for a
// deterministic fake.
type Probe func(port int) bool

// Registry tracks which ports are reserved by which deployment id.
type Registry struct {
	mu       sync.Mutex
	reserved map[int]string // port -> deployment id
	probe    Probe
}

// NewRegistry returns a Registry using a TCP bind probe.
func NewRegistry() *Registry {
	return &Registry{reserved: make(map[int]string), probe: bindProbe}
}

// NewRegistryWithProbe returns a Registry with a custom availability probe.
func NewRegistryWithProbe(p Probe) *Registry {
	return &Registry{reserved: make(map[int]string), probe: p}
}

func bindProbe(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Allocate reserves a port for id. It tries want first, then want+1 ..
// want+maxShifts when autoShift is set. The reservation is held until
// Release, so two racing Allocate calls can never return the same port.
// Returns a PortConflictError when nothing is free.
func (r *Registry) Allocate(id string, want int, autoShift bool, maxShifts int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if want <= 0 {
		return 0, nil // no port requested; nothing to reserve
	}
	candidates := []int{want}
	if autoShift {
		for i := 1; i <= maxShifts; i++ {
			candidates = append(candidates, want+i)
		}
	}
	tried := make([]int, 0, len(candidates))
	for _, p := range candidates {
		if p > 65535 {
			break
		}
		tried = append(tried, p)
		if owner, taken := r.reserved[p]; taken && owner != id {
			continue
		}
		if !r.probe(p) {
			continue
		}
		r.reserved[p] = id
		return p, nil
	}
	return 0, &deployment.PortConflictError{Requested: want, Tried: tried}
}

// Release frees every port reserved by id.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p, owner := range r.reserved {
		if owner == id {
			delete(r.reserved, p)
		}
	}
}

// Owner returns the id holding port, if any.
func (r *Registry) Owner(port int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.reserved[port]
	return id, ok
}
