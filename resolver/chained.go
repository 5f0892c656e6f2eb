package resolver

import (
	"context"

	"fleetrpc/endpoint"
)

// Chained tries its delegates in order and returns the first successful resolution.
// It returns ErrNotFound only when every delegate reports not found; otherwise the first
// other error is returned.
type Chained struct {
	resolvers []Resolver
}

func NewChained(resolvers ...Resolver) *Chained {
	return &Chained{resolvers: resolvers}
}

// Append adds a delegate with the lowest priority.
func (c *Chained) Append(r Resolver) {
	c.resolvers = append(c.resolvers, r)
}

func (c *Chained) Resolve(ctx context.Context, service string) (*endpoint.ServiceEndpoint, error) {
	var firstErr error
	for _, r := range c.resolvers {
		se, err := r.Resolve(ctx, service)
		if err == nil && se == nil {
			err = notFound(service)
		}
		if err == nil {
			return se, nil
		}
		if !IsNotFound(err) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, notFound(service)
}
