package registry

import (
	"context"

	"github.com/pkg/errors"

	"fleetrpc/endpoint"
)

// ServiceInstance is one announced server.
type ServiceInstance struct {
	Endpoint string // URI form, see endpoint.Parse
	Weight   int    // Weight for load balancing
	Version  string
}

// Addr is the host:port the instance is keyed by.
func (i ServiceInstance) Addr() (string, error) {
	ep, err := endpoint.Parse(i.Endpoint)
	if err != nil {
		return "", errors.Wrap(err, "registry: bad instance endpoint")
	}
	return ep.Address(), nil
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
