package resolver

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fleetrpc/endpoint"
	"fleetrpc/registry"
)

// RegistryResolver resolves through a service registry such as etcd.
type RegistryResolver struct {
	reg registry.Registry
	log *zap.Logger
}

func NewRegistryResolver(reg registry.Registry, log *zap.Logger) *RegistryResolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &RegistryResolver{reg: reg, log: log.Named("resolver")}
}

func (r *RegistryResolver) Resolve(ctx context.Context, service string) (*endpoint.ServiceEndpoint, error) {
	instances, err := r.reg.Discover(ctx, service)
	if err != nil {
		return nil, errors.Wrapf(err, "registry lookup of %q", service)
	}
	se := endpoint.NewServiceEndpoint(service)
	for _, inst := range instances {
		ep, err := endpoint.Parse(inst.Endpoint)
		if err != nil {
			r.log.Warn("skipping instance with bad endpoint", zap.String("service", service), zap.Error(err))
			continue
		}
		weight := inst.Weight
		if weight <= 0 {
			weight = endpoint.DefaultWeight
		}
		se.Register(ep, weight)
	}
	if se.Len() == 0 {
		return nil, notFound(service)
	}
	return se, nil
}

// Refresher is implemented by endpoint holders that cache a choice derived from a
// resolution (holder.Balanced and friends).
type Refresher interface {
	Refresh(force bool)
}

// WatchInvalidate drops cache entries of the given services whenever the registry reports
// a change, so the next Resolve sees the new instance list. When refresh is not nil it is
// force-refreshed after each invalidation, so a holder stops selecting from the stale list.
// It returns when ctx is done.
func WatchInvalidate(ctx context.Context, reg registry.Registry, cache *Cache, refresh Refresher, services ...string) {
	for _, s := range services {
		go func(service string) {
			for range reg.Watch(ctx, service) {
				cache.Invalidate(service)
				if refresh != nil {
					refresh.Refresh(true)
				}
			}
		}(s)
	}
	<-ctx.Done()
}
