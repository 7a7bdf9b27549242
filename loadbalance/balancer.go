// Package loadbalance picks the broker a client connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity brokers
//   - WeightedRandom:  brokers of different capacity
//   - ConsistentHash:  the same user always lands on the same broker
package loadbalance

import (
	"github.com/pkg/errors"

	"shv-client/registry"
)

// Balancer selects one instance for a new session. key identifies the session (the
// login user); strategies that do not need affinity ignore it.
// Implementations must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name: roundrobin, weighted or hash.
func New(name string) (Balancer, error) {
	switch name {
	case "", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted":
		return &WeightedRandomBalancer{}, nil
	case "hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, errors.Errorf("loadbalance: unknown strategy %q", name)
	}
}

func noInstances() error {
	return errors.WithStack(registry.ErrNoInstances)
}
