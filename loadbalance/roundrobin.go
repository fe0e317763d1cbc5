package loadbalance

import (
	"sync/atomic"

	"github.com/xtreemfs/xtreemfs-sub001/registry"
)

// RoundRobinBalancer hands out the instances of an interface in turn, in the
// order the registry lists them. One counter is shared by every interface
// resolved through the balancer, so the starting point of one interface's
// rotation moves when another interface is resolved in between; each
// interface still cycles through all of its instances.
//
// Best for: stateless procedures served by identical instances, such as the
// echo interface. Use ConsistentHashBalancer for requests that carry an
// affinity key.
type RoundRobinBalancer struct {
	next atomic.Uint64
}

// Pick returns the instance after the one returned last. It is safe for
// concurrent use; the zero value starts at the first instance.
func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	n := uint64(len(instances))
	if n == 0 {
		return nil, ErrNoInstances
	}
	turn := b.next.Add(1) - 1
	return &instances[turn%n], nil
}

func (b *RoundRobinBalancer) Name() string { return "RoundRobin" }
