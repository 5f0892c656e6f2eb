package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetrpc/endpoint"
)

func testEndpoints(n int) []endpoint.Endpoint {
	eps := make([]endpoint.Endpoint, n)
	for i := range eps {
		eps[i] = endpoint.Endpoint{Protocol: "tcp", Host: "127.0.0.1", Port: 8001 + i}
	}
	return eps
}

func sameWeights(n, w int) []int {
	ws := make([]int, n)
	for i := range ws {
		ws[i] = w
	}
	return ws
}

func TestRoundRobinFairness(t *testing.T) {
	for n := 1; n <= 7; n++ {
		eps := testEndpoints(n)
		b, err := NewRoundRobin(eps, sameWeights(n, 10))
		require.NoError(t, err)

		// every window of n consecutive selects covers all endpoints
		var picks []string
		for i := 0; i < 5*n; i++ {
			ep, err := b.Select()
			require.NoError(t, err)
			picks = append(picks, ep.Address())
		}
		for start := 0; start+n <= len(picks); start++ {
			seen := map[string]bool{}
			for _, p := range picks[start : start+n] {
				seen[p] = true
			}
			assert.Len(t, seen, n, "window %d of %v", start, picks)
		}
	}
}

func TestRoundRobinWeightedCycle(t *testing.T) {
	eps := testEndpoints(3)
	weights := []int{3, 1, 2}
	b, err := NewRoundRobin(eps, weights)
	require.NoError(t, err)

	// one cycle is sum(weights)/gcd = 6 selections
	counts := map[string]int{}
	for i := 0; i < 6; i++ {
		ep, err := b.Select()
		require.NoError(t, err)
		counts[ep.Address()]++
	}
	assert.Equal(t, 3, counts[eps[0].Address()])
	assert.Equal(t, 1, counts[eps[1].Address()])
	assert.Equal(t, 2, counts[eps[2].Address()])
}

func TestRoundRobinNeverOutsideSet(t *testing.T) {
	eps := testEndpoints(4)
	b, err := NewRoundRobin(eps, []int{0, 5, 1, 9})
	require.NoError(t, err)
	valid := map[string]bool{}
	for _, ep := range eps {
		valid[ep.Address()] = true
	}
	for i := 0; i < 500; i++ {
		ep, err := b.Select()
		require.NoError(t, err)
		assert.True(t, valid[ep.Address()])
		assert.NotEqual(t, eps[0].Address(), ep.Address(), "weight 0 is never selected")
	}
}

func TestRoundRobinHeavySkew(t *testing.T) {
	eps := testEndpoints(2)
	b, err := NewRoundRobin(eps, []int{100, 1})
	require.NoError(t, err)
	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		ep, err := b.Select()
		require.NoError(t, err)
		counts[ep.Address()]++
	}
	assert.Greater(t, counts[eps[0].Address()], counts[eps[1].Address()])
	assert.GreaterOrEqual(t, counts[eps[1].Address()], 1, "light endpoint is not starved")
}

func TestEmptyAndMismatched(t *testing.T) {
	for _, name := range Names() {
		f, err := Get(name)
		require.NoError(t, err)
		_, err = f(nil, nil)
		assert.ErrorIs(t, err, ErrNoEndpoints, name)
		_, err = f(testEndpoints(2), []int{1})
		assert.Error(t, err, name)
	}
	_, err := Get("nope")
	assert.Error(t, err)
}

func TestWeightedRandom(t *testing.T) {
	eps := testEndpoints(3)
	b, err := NewWeightedRandom(eps, []int{10, 5, 10})
	require.NoError(t, err)

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		ep, err := b.Select()
		require.NoError(t, err)
		counts[ep.Address()]++
	}

	// Weight ratio is 10:5:10, so :8001 and :8003 should be ~2x of :8002
	ratio := float64(counts[eps[0].Address()]) / float64(counts[eps[1].Address()])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio :8001/:8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestConsistentHash(t *testing.T) {
	eps := testEndpoints(3)
	lb, err := NewConsistentHash(eps, sameWeights(3, endpoint.DefaultWeight), "user-123")
	require.NoError(t, err)
	b := lb.(*ConsistentHash)

	// Same key should always map to the same instance
	ep1, _ := b.Select()
	ep2, _ := b.SelectKey("user-123")
	assert.Equal(t, ep1, ep2)

	// Different keys should (likely) map to different instances
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		ep, _ := b.SelectKey(fmt.Sprintf("key-%d", i))
		seen[ep.Address()] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}
}
