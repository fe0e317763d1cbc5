// Package loadbalance picks one server out of the instances registered for
// an interface.
//
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  instances with different capacity
//   - ConsistentHash:  same key, same server (keyed requests only)
package loadbalance

import (
	"errors"

	"github.com/xtreemfs/xtreemfs-sub001/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is consulted before each call. Pick must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// KeyedBalancer picks by a request key instead of by turn.
type KeyedBalancer interface {
	PickKey(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)
	Name() string
}
