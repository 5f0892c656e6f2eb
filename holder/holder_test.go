package holder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetrpc/endpoint"
	"fleetrpc/loadbalance"
	"fleetrpc/registry"
	"fleetrpc/resolver"
)

type countingResolver struct {
	mu    sync.Mutex
	n     int
	inner resolver.Resolver
}

func (c *countingResolver) Resolve(ctx context.Context, s string) (*endpoint.ServiceEndpoint, error) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return c.inner.Resolve(ctx, s)
}

func newResolver(t *testing.T) *countingResolver {
	mem, err := resolver.NewInMemoryFromStrings([]string{"svc@tcp -h a -p 1:tcp -h b -p 2:tcp -h c -p 3"})
	require.NoError(t, err)
	return &countingResolver{inner: mem}
}

func TestRotating(t *testing.T) {
	r := newResolver(t)
	h := NewRotating(r, "svc")
	ctx := context.Background()

	var got []string
	for i := 0; i < 7; i++ {
		ep, err := h.Get(ctx)
		require.NoError(t, err)
		got = append(got, ep.Host)
		ep2, _ := h.Get(ctx)
		assert.Equal(t, ep, ep2, "Get is stable until Refresh")
		h.Refresh(false)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a"}, got)
	assert.Equal(t, 1, r.n, "resolved once")

	h.Refresh(true)
	ep, err := h.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", ep.Host)
	assert.Equal(t, 2, r.n)
}

func TestRotatingUnknownService(t *testing.T) {
	h := NewRotating(newResolver(t), "nope")
	_, err := h.Get(context.Background())
	assert.True(t, resolver.IsNotFound(err))
}

func TestBalanced(t *testing.T) {
	r := newResolver(t)
	h := NewBalanced(r, "svc", loadbalance.NewRoundRobin)
	h.shuffle = func(n int, swap func(i, j int)) { swap(0, n-1) }
	ctx := context.Background()

	first, err := h.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", first.Host, "shuffled order is used")
	again, _ := h.Get(ctx)
	assert.Equal(t, first, again)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		h.Refresh(false)
		ep, err := h.Get(ctx)
		require.NoError(t, err)
		seen[ep.Host] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, 1, r.n)

	h.Refresh(true)
	_, err = h.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, r.n, "force refresh re-resolves")
}

func TestBalancedEchoScenario(t *testing.T) {
	mem := resolver.NewInMemory()
	a := endpoint.MustParse("tcp://10.0.0.1:7000")
	b := endpoint.MustParse("tcp://10.0.0.2:7000")
	mem.RegisterEndpoint("echo", a, 100)
	mem.RegisterEndpoint("echo", b, 1)
	h := NewBalanced(mem, "echo", loadbalance.NewRoundRobin)

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		ep, err := h.Get(context.Background())
		require.NoError(t, err)
		counts[ep.Address()]++
		h.Refresh(false)
	}
	assert.GreaterOrEqual(t, counts[a.Address()], 1)
	assert.GreaterOrEqual(t, counts[b.Address()], 1)
	assert.Greater(t, counts[a.Address()], counts[b.Address()])
}

func TestBalancedEmptyService(t *testing.T) {
	mem := resolver.NewInMemory()
	mem.Register(endpoint.NewServiceEndpoint("empty"))
	h := NewBalanced(mem, "empty", loadbalance.NewRoundRobin)
	_, err := h.Get(context.Background())
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestStatic(t *testing.T) {
	ep := endpoint.MustParse("tcp://x:1")
	h := NewStatic(ep)
	h.Refresh(true)
	got, err := h.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ep, got)
}

type watchedRegistry struct {
	mu        sync.Mutex
	instances []registry.ServiceInstance
	events    chan []registry.ServiceInstance
}

func (r *watchedRegistry) Register(ctx context.Context, s string, i registry.ServiceInstance, ttl int64) error {
	return nil
}
func (r *watchedRegistry) Deregister(ctx context.Context, s, addr string) error { return nil }
func (r *watchedRegistry) Discover(ctx context.Context, s string) ([]registry.ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registry.ServiceInstance(nil), r.instances...), nil
}
func (r *watchedRegistry) Watch(ctx context.Context, s string) <-chan []registry.ServiceInstance {
	return r.events
}

func (r *watchedRegistry) set(uri string) []registry.ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = []registry.ServiceInstance{{Endpoint: uri, Weight: 1}}
	return r.instances
}

func TestBalancedFollowsRegistryWatch(t *testing.T) {
	reg := &watchedRegistry{events: make(chan []registry.ServiceInstance)}
	reg.set("tcp://old:1")
	cache := resolver.NewCache(0)
	h := NewBalanced(resolver.NewCached(resolver.NewRegistryResolver(reg, nil), cache), "echo", loadbalance.NewRoundRobin)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go resolver.WatchInvalidate(ctx, reg, cache, h, "echo")

	ep, err := h.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old:1", ep.Address())

	reg.events <- reg.set("tcp://new:2")
	require.Eventually(t, func() bool {
		h.Refresh(false)
		ep, err := h.Get(ctx)
		return err == nil && ep.Address() == "new:2"
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		h.Refresh(false)
		ep, err := h.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "new:2", ep.Address(), "deregistered endpoint is no longer selected")
	}
}
