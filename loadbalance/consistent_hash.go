package loadbalance

import (
	"fmt"
	"hash/crc32"
	"os"
	"sort"

	"fleetrpc/endpoint"
)

// ConsistentHash maps a key to an endpoint using a hash ring.
// The same key always maps to the same endpoint (until the ring changes), which gives one
// client a stable backend. Select uses the affinity key given at construction; SelectKey
// routes an arbitrary key.
//
// Virtual nodes: each endpoint is mapped to replicas*weight/DefaultWeight virtual nodes (at
// least one), so weight still skews the share of the ring an endpoint owns.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHash struct {
	replicas int
	key      string
	ring     []uint32                     // Sorted hash values on the ring
	nodes    map[uint32]endpoint.Endpoint // Hash value → endpoint
}

const defaultReplicas = 100

// DefaultAffinityKey is the host name, so every process on one host shares a backend.
func DefaultAffinityKey() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

func NewConsistentHash(eps []endpoint.Endpoint, weights []int, key string) (LoadBalance, error) {
	if err := checkInput(eps, weights); err != nil {
		return nil, err
	}
	b := &ConsistentHash{
		replicas: defaultReplicas,
		key:      key,
		nodes:    make(map[uint32]endpoint.Endpoint),
	}
	for i, ep := range eps {
		b.add(ep, weights[i])
	}
	// Keep the ring sorted for binary search in SelectKey()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
	return b, nil
}

func (b *ConsistentHash) add(ep endpoint.Endpoint, weight int) {
	n := b.replicas * weight / endpoint.DefaultWeight
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Address(), i)))
		if _, dup := b.nodes[hash]; dup {
			continue
		}
		b.ring = append(b.ring, hash)
		b.nodes[hash] = ep
	}
}

func (b *ConsistentHash) Select() (endpoint.Endpoint, error) {
	return b.SelectKey(b.key)
}

// SelectKey finds the endpoint responsible for key: the first ring node >= hash(key),
// wrapping to the first node.
func (b *ConsistentHash) SelectKey(key string) (endpoint.Endpoint, error) {
	if len(b.ring) == 0 {
		return endpoint.Endpoint{}, ErrNoEndpoints
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHash) Name() string {
	return NameConsistentHash
}
