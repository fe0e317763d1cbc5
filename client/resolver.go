package client

import (
	"context"
	"fmt"

	"github.com/xtreemfs/xtreemfs-sub001/event"
	"github.com/xtreemfs/xtreemfs-sub001/loadbalance"
	"github.com/xtreemfs/xtreemfs-sub001/registry"
)

// Keyed is implemented by requests that should reach the same server for
// the same key, such as a path.
type Keyed interface {
	AffinityKey() string
}

// Resolver finds the server for a request by its interface number.
type Resolver struct {
	Registry registry.Registry
	Balancer loadbalance.Balancer
	// Keyed, if set, picks for requests implementing Keyed.
	Keyed loadbalance.KeyedBalancer
}

// NewResolver returns a Resolver over reg. A nil bal means round robin.
func NewResolver(reg registry.Registry, bal loadbalance.Balancer) *Resolver {
	if bal == nil {
		bal = new(loadbalance.RoundRobinBalancer)
	}
	return &Resolver{Registry: reg, Balancer: bal}
}

func (r *Resolver) Resolve(ctx context.Context, req event.Request) (string, error) {
	name := registry.ServiceName(req.InterfaceNumber())
	instances, err := r.Registry.Discover(ctx, name)
	if err != nil {
		return "", fmt.Errorf("client: discover %s: %w", name, err)
	}
	var inst *registry.ServiceInstance
	if k, ok := req.(Keyed); ok && r.Keyed != nil {
		inst, err = r.Keyed.PickKey(instances, k.AffinityKey())
	} else {
		inst, err = r.Balancer.Pick(instances)
	}
	if err != nil {
		return "", fmt.Errorf("client: %s: %w", name, err)
	}
	return inst.Addr, nil
}
