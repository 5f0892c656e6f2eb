package resolver

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"fleetrpc/endpoint"
)

// InMemory is an authoritative registry populated by explicit Register/Unregister calls.
type InMemory struct {
	mu       sync.RWMutex
	services map[string]*endpoint.ServiceEndpoint
}

func NewInMemory() *InMemory {
	return &InMemory{services: make(map[string]*endpoint.ServiceEndpoint)}
}

// NewInMemoryFromStrings builds a registry from declarative "name@ep1:ep2" strings.
// Several strings naming the same service merge their endpoints.
func NewInMemoryFromStrings(specs []string) (*InMemory, error) {
	r := NewInMemory()
	for _, s := range specs {
		se, err := endpoint.ParseServiceEndpoint(s)
		if err != nil {
			return nil, errors.Wrap(err, "cannot build in-memory resolver")
		}
		r.mu.Lock()
		if existing, ok := r.services[se.Name()]; ok {
			for _, ep := range se.Endpoints() {
				existing.Register(ep, se.Weight(ep.Address()))
			}
		} else {
			r.services[se.Name()] = se
		}
		r.mu.Unlock()
	}
	return r, nil
}

// Register stores a copy of se, replacing any previous entry of the same name.
func (r *InMemory) Register(se *endpoint.ServiceEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[se.Name()] = se.Clone()
}

// RegisterEndpoint adds one endpoint to a service, creating the service if needed.
func (r *InMemory) RegisterEndpoint(service string, ep endpoint.Endpoint, weight int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	se, ok := r.services[service]
	if !ok {
		se = endpoint.NewServiceEndpoint(service)
		r.services[service] = se
	}
	se.Register(ep, weight)
}

func (r *InMemory) Unregister(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, service)
}

// UnregisterEndpoint removes one endpoint; a service left without endpoints is dropped.
func (r *InMemory) UnregisterEndpoint(service, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	se, ok := r.services[service]
	if !ok {
		return
	}
	se.Unregister(addr)
	if se.Len() == 0 {
		delete(r.services, service)
	}
}

func (r *InMemory) Resolve(ctx context.Context, service string) (*endpoint.ServiceEndpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	se, ok := r.services[service]
	if !ok {
		return nil, notFound(service)
	}
	return se.Clone(), nil
}
