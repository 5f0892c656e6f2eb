package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func etcdEndpoints(t *testing.T) []string {
	v := os.Getenv("FLEETRPC_ETCD_ENDPOINTS")
	if v == "" {
		t.Skip("FLEETRPC_ETCD_ENDPOINTS not set")
	}
	return strings.Split(v, ",")
}

func TestRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), nil)
	require.NoError(t, err)
	defer reg.Close()
	ctx := context.Background()

	// Register two instances
	inst1 := ServiceInstance{Endpoint: "tcp://127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Endpoint: "tcp://127.0.0.1:8002", Weight: 5, Version: "1.0"}
	require.NoError(t, reg.Register(ctx, "Arith", inst1, 10))
	require.NoError(t, reg.Register(ctx, "Arith", inst2, 10))

	instances, err := reg.Discover(ctx, "Arith")
	require.NoError(t, err)
	require.Len(t, instances, 2)

	// Deregister one
	require.NoError(t, reg.Deregister(ctx, "Arith", "127.0.0.1:8001"))
	time.Sleep(100 * time.Millisecond)

	instances, err = reg.Discover(ctx, "Arith")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, inst2.Endpoint, instances[0].Endpoint)

	// Cleanup
	require.NoError(t, reg.Deregister(ctx, "Arith", "127.0.0.1:8002"))
}

func TestWatch(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), nil)
	require.NoError(t, err)
	defer reg.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "Watched")
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, reg.Register(ctx, "Watched", ServiceInstance{Endpoint: "tcp://127.0.0.1:9001", Weight: 1}, 10))

	select {
	case instances := <-updates:
		require.Len(t, instances, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("no watch update")
	}
	require.NoError(t, reg.Deregister(ctx, "Watched", "127.0.0.1:9001"))
}
