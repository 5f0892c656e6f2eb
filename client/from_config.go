package client

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fleetrpc/codec"
	"fleetrpc/config"
	"fleetrpc/holder"
	"fleetrpc/loadbalance"
	"fleetrpc/middleware"
	"fleetrpc/registry"
	"fleetrpc/resolver"
	"fleetrpc/transport"
)

// FromConfig builds a client for one service:
//
//	resolver: in-memory (client.services) → cached etcd registry (if configured)
//	holder:   balanced by client.load_balance
//	sender:   pool of TCP transporters
//	pipeline: rate limit, logging, call timeout, retry with holder refresh
//
// Background work (pool keepalive, registry watches) stops when ctx is done.
func FromConfig(ctx context.Context, cfg *config.Config, service string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cc := cfg.Client
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	inmem, err := resolver.NewInMemoryFromStrings(cc.Services)
	if err != nil {
		return nil, err
	}
	chain := resolver.NewChained(inmem)
	var (
		reg   *registry.EtcdRegistry
		cache *resolver.Cache
	)
	if cfg.Registry.Enabled() {
		if reg, err = registry.NewEtcdRegistry(cfg.Registry.Endpoints, log); err != nil {
			return nil, err
		}
		closers = append(closers, reg.Close)
		cache = resolver.NewCache(cc.ResolverCacheTTL)
		chain.Append(resolver.NewCached(resolver.NewRegistryResolver(reg, log), cache))
	}

	factory, err := loadbalance.Get(cc.LoadBalance)
	if err != nil {
		cleanup()
		return nil, err
	}
	h := holder.NewBalanced(chain, service, factory)
	if reg != nil && cfg.Registry.Watch {
		go resolver.WatchInvalidate(ctx, reg, cache, h, service)
	}

	pool := transport.NewPool(cc.PoolSize, func() transport.Transporter {
		// every new connection gets its own pick
		h.Refresh(false)
		return transport.NewTCPTransporter(
			transport.WithHolder(h),
			transport.WithTimeouts(cc.ConnectTimeout, cc.ReceiveTimeout),
			transport.WithLogger(log),
		)
	}, log)
	closers = append(closers, pool.Close)
	if cc.KeepAlive > 0 {
		go pool.KeepAlive(ctx, cc.KeepAlive)
	}

	codecType, err := codec.ParseCodecType(cc.Codec)
	if err != nil {
		cleanup()
		return nil, err
	}
	c, err := New(transport.NewPooledTransporter(pool), WithCodec(codecType), WithLogger(log))
	if err != nil {
		cleanup()
		return nil, errors.Wrap(err, "client")
	}
	c.closers = closers

	if cc.RateLimit > 0 {
		burst := int(cc.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.Use(middleware.StageInit, middleware.RateLimit(cc.RateLimit, burst))
	}
	c.Use(middleware.StageEarly, middleware.Logging(log))
	if cc.CallTimeout > 0 {
		c.Use(middleware.StageEarly, middleware.Timeout(cc.CallTimeout))
	}
	if cc.MaxRetries > 0 {
		c.Use(middleware.StageLate, middleware.Retry(middleware.RetryConfig{
			MaxRetries: cc.MaxRetries,
			BaseDelay:  cc.RetryBaseDelay,
			Refresh:    h,
			Log:        log,
		}))
	}
	return c, nil
}
