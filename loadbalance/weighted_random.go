package loadbalance

import (
	"math/rand"

	"fleetrpc/endpoint"
)

// WeightedRandom picks an endpoint at random with probability proportional to its weight.
type WeightedRandom struct {
	endpoints []endpoint.Endpoint
	weights   []int
	total     int
}

func NewWeightedRandom(eps []endpoint.Endpoint, weights []int) (LoadBalance, error) {
	if err := checkInput(eps, weights); err != nil {
		return nil, err
	}
	b := &WeightedRandom{
		endpoints: append([]endpoint.Endpoint(nil), eps...),
		weights:   append([]int(nil), weights...),
	}
	// 计算总权重
	for _, w := range b.weights {
		b.total += w
	}
	return b, nil
}

func (b *WeightedRandom) Select() (endpoint.Endpoint, error) {
	if b.total == 0 {
		return b.endpoints[rand.Intn(len(b.endpoints))], nil
	}
	// 生成一个随机数，范围是0到总权重
	r := rand.Intn(b.total)
	for i, w := range b.weights {
		r -= w
		if r < 0 {
			return b.endpoints[i], nil
		}
	}
	return b.endpoints[len(b.endpoints)-1], nil
}

func (b *WeightedRandom) Name() string {
	return NameWeightedRandom
}
