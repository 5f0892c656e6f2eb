// Package loadbalance provides selection strategies over a weighted endpoint set.
//
// A LoadBalance is built from a list of endpoints plus a parallel list of weights and is
// then asked to Select one endpoint per call. Strategies:
//   - RoundRobin:      interleaved weighted round robin, deterministic
//   - WeightedRandom:  heterogeneous instances, random proportional to weight
//   - ConsistentHash:  client affinity, one key always lands on the same instance
package loadbalance

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"fleetrpc/endpoint"
)

// ErrNoEndpoints is returned when a strategy is built from an empty set.
// It is a configuration error and callers must not retry on it.
var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// LoadBalance selects one endpoint out of the set it was built with.
type LoadBalance interface {
	Select() (endpoint.Endpoint, error)
	Name() string
}

// Factory builds a strategy from endpoints and parallel weights.
type Factory func(eps []endpoint.Endpoint, weights []int) (LoadBalance, error)

const (
	NameRoundRobin     = "round_robin"
	NameWeightedRandom = "weighted_random"
	NameConsistentHash = "consistent_hash"
)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		NameRoundRobin:     NewRoundRobin,
		NameWeightedRandom: NewWeightedRandom,
		NameConsistentHash: func(eps []endpoint.Endpoint, weights []int) (LoadBalance, error) {
			return NewConsistentHash(eps, weights, DefaultAffinityKey())
		},
	}
)

// Register makes a strategy available under name for Get.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Get returns the factory registered under name.
func Get(name string) (Factory, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	if !ok {
		return nil, errors.Errorf("loadbalance: unknown strategy %q", name)
	}
	return f, nil
}

// Names lists the registered strategies.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func checkInput(eps []endpoint.Endpoint, weights []int) error {
	if len(eps) == 0 {
		return ErrNoEndpoints
	}
	if len(weights) != len(eps) {
		return errors.Errorf("loadbalance: %d endpoints but %d weights", len(eps), len(weights))
	}
	for i, w := range weights {
		if w < 0 {
			return errors.Errorf("loadbalance: negative weight %d for %s", w, eps[i].Address())
		}
	}
	return nil
}
