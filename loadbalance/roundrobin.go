package loadbalance

import (
	"sync"

	"fleetrpc/endpoint"
)

// RoundRobin cycles deterministically through its endpoints. Weights decide how often an
// endpoint repeats within one pass (interleaved weighted round robin): with weights 3 and 1
// a pass is A A B A ... Each endpoint with a positive weight is selected at least once per
// cycle of sum(weights)/gcd(weights) selections. With equal weights this degenerates to
// plain round robin, so every endpoint appears within len(endpoints) consecutive selects.
//
// Endpoints with weight 0 are never selected unless every weight is 0, in which case all
// endpoints are treated as weight 1.
type RoundRobin struct {
	mu        sync.Mutex
	endpoints []endpoint.Endpoint
	weights   []int
	gcd       int
	max       int
	index     int // last selected index
	current   int // current weight threshold
}

func NewRoundRobin(eps []endpoint.Endpoint, weights []int) (LoadBalance, error) {
	if err := checkInput(eps, weights); err != nil {
		return nil, err
	}
	b := &RoundRobin{
		endpoints: append([]endpoint.Endpoint(nil), eps...),
		weights:   append([]int(nil), weights...),
		index:     -1,
	}
	for _, w := range b.weights {
		if w > b.max {
			b.max = w
		}
		b.gcd = gcd(b.gcd, w)
	}
	if b.max == 0 {
		for i := range b.weights {
			b.weights[i] = 1
		}
		b.max, b.gcd = 1, 1
	}
	return b, nil
}

// Select is goroutine-safe.
func (b *RoundRobin) Select() (endpoint.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.endpoints)
	for {
		b.index = (b.index + 1) % n
		if b.index == 0 {
			b.current -= b.gcd
			if b.current <= 0 {
				b.current = b.max
			}
		}
		if b.weights[b.index] >= b.current {
			return b.endpoints[b.index], nil
		}
	}
}

func (b *RoundRobin) Name() string {
	return NameRoundRobin
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
