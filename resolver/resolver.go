// Package resolver turns a service name into the ServiceEndpoint that serves it.
//
// Resolvers compose: an InMemory registry of statically configured services, a
// RegistryResolver backed by etcd, a Cached decorator with negative caching, and Chained to
// try several in order.
package resolver

import (
	"context"

	"github.com/pkg/errors"

	"fleetrpc/endpoint"
)

// ErrNotFound is returned when a resolver does not know the service.
var ErrNotFound = errors.New("resolver: service not found")

type Resolver interface {
	// Resolve returns the endpoints of the named service, or an error wrapping ErrNotFound.
	// Callers may mutate the returned value; resolvers hand out copies.
	Resolve(ctx context.Context, service string) (*endpoint.ServiceEndpoint, error)
}

// Func adapts a function to Resolver.
type Func func(ctx context.Context, service string) (*endpoint.ServiceEndpoint, error)

func (f Func) Resolve(ctx context.Context, service string) (*endpoint.ServiceEndpoint, error) {
	return f(ctx, service)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func notFound(service string) error {
	return errors.Wrapf(ErrNotFound, "service %q", service)
}
