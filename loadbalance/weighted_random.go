package loadbalance

import (
	"math/rand/v2"

	"duplex-rpc/discovery"
)

type WeightedRandomBalancer struct{}

// Pick chooses an instance with probability proportional to its weight. Instances with a
// weight of zero or less count as weight 1 so a misconfigured host is never unreachable.
func (b *WeightedRandomBalancer) Pick(instances []discovery.PeerInstance) (*discovery.PeerInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	// 计算总权重
	total := 0
	for _, v := range instances {
		total += weightOf(v)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(total)
	for i := range instances {
		r -= weightOf(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weightOf(inst discovery.PeerInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
