// Package holder supplies the endpoint a transporter should use right now.
//
// A Holder resolves its service lazily and keeps a current choice until it is refreshed:
// Refresh(false) moves on to another endpoint, Refresh(true) throws away everything that was
// resolved so the next Get resolves again. Holders are safe for concurrent use; each one
// owns its own copy of the resolved ServiceEndpoint.
package holder

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"fleetrpc/endpoint"
	"fleetrpc/loadbalance"
	"fleetrpc/resolver"
)

// ErrNoEndpoints is returned when the service resolved to an empty endpoint list.
var ErrNoEndpoints = errors.New("holder: service has no endpoints")

// Refreshable is implemented by anything caching an endpoint choice.
type Refreshable interface {
	Refresh(force bool)
}

type Holder interface {
	Refreshable
	Get(ctx context.Context) (endpoint.Endpoint, error)
}

// Rotating cycles through the endpoints of a service in registration order.
type Rotating struct {
	resolver resolver.Resolver
	service  string

	mu sync.Mutex
	se *endpoint.ServiceEndpoint
}

func NewRotating(r resolver.Resolver, service string) *Rotating {
	return &Rotating{resolver: r, service: service}
}

func (h *Rotating) Get(ctx context.Context) (endpoint.Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.se == nil {
		se, err := h.resolver.Resolve(ctx, h.service)
		if err != nil {
			return endpoint.Endpoint{}, err
		}
		if se.Len() == 0 {
			return endpoint.Endpoint{}, errors.Wrapf(ErrNoEndpoints, "service %q", h.service)
		}
		h.se = se.Clone()
	}
	if !h.se.Valid() {
		h.se.Rewind()
	}
	ep, _ := h.se.Current()
	return ep, nil
}

func (h *Rotating) Refresh(force bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if force {
		h.se = nil
		return
	}
	if h.se == nil {
		return
	}
	h.se.Next()
	if !h.se.Valid() {
		h.se.Rewind()
	}
}

// Balanced delegates the choice to a LoadBalance strategy built from a shuffled copy of the
// resolved endpoints, so clients sharing a configuration do not all start on the same one.
type Balanced struct {
	resolver resolver.Resolver
	service  string
	factory  loadbalance.Factory

	mu       sync.Mutex
	lb       loadbalance.LoadBalance
	selected *endpoint.Endpoint
	shuffle  func(n int, swap func(i, j int))
}

func NewBalanced(r resolver.Resolver, service string, f loadbalance.Factory) *Balanced {
	return &Balanced{resolver: r, service: service, factory: f, shuffle: rand.Shuffle}
}

func (h *Balanced) Get(ctx context.Context) (endpoint.Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.selected != nil {
		return *h.selected, nil
	}
	if h.lb == nil {
		se, err := h.resolver.Resolve(ctx, h.service)
		if err != nil {
			return endpoint.Endpoint{}, err
		}
		eps, weights := se.Endpoints(), se.Weights()
		if len(eps) == 0 {
			return endpoint.Endpoint{}, errors.Wrapf(ErrNoEndpoints, "service %q", h.service)
		}
		h.shuffle(len(eps), func(i, j int) {
			eps[i], eps[j] = eps[j], eps[i]
			weights[i], weights[j] = weights[j], weights[i]
		})
		lb, err := h.factory(eps, weights)
		if err != nil {
			return endpoint.Endpoint{}, errors.Wrapf(err, "service %q", h.service)
		}
		h.lb = lb
	}
	ep, err := h.lb.Select()
	if err != nil {
		return endpoint.Endpoint{}, errors.Wrapf(err, "service %q", h.service)
	}
	h.selected = &ep
	return ep, nil
}

func (h *Balanced) Refresh(force bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.selected = nil
	if force {
		h.lb = nil
	}
}

// Static always returns the same endpoint.
type Static struct {
	ep endpoint.Endpoint
}

func NewStatic(ep endpoint.Endpoint) *Static { return &Static{ep: ep} }

func (h *Static) Get(ctx context.Context) (endpoint.Endpoint, error) { return h.ep, nil }

func (h *Static) Refresh(force bool) {}
