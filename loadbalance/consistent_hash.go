package loadbalance

import (
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/xtreemfs/xtreemfs-sub001/registry"
)

// ConsistentHashBalancer maps keys onto a hash ring of instances, each
// placed as replicas virtual nodes so load spreads evenly. The same key
// reaches the same instance until the instance set changes.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	ring  []uint32                             // sorted virtual node hashes
	nodes map[uint32]*registry.ServiceInstance // virtual node → instance
	set   string                               // addresses the ring was built from
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per
// instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

func hash(s string) uint32 { return uint32(xxhash.Sum64String(s)) }

// Add places an instance on the ring.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	slices.Sort(b.ring)
}

func (b *ConsistentHashBalancer) add(instance *registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		h := hash(instance.Addr + "#" + strconv.Itoa(i))
		b.ring = append(b.ring, h)
		b.nodes[h] = instance
	}
}

// Pick finds the instance owning key: the first virtual node clockwise
// from the key's hash.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pick(key)
}

func (b *ConsistentHashBalancer) pick(key string) (*registry.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	h := hash(key)
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= h })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// PickKey rebuilds the ring when instances differ from the last call, then
// picks by key.
func (b *ConsistentHashBalancer) PickKey(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	set := strings.Join(addrs, ",")

	b.mu.Lock()
	defer b.mu.Unlock()
	if set != b.set {
		b.ring = b.ring[:0]
		clear(b.nodes)
		for i := range instances {
			inst := instances[i]
			b.add(&inst)
		}
		slices.Sort(b.ring)
		b.set = set
	}
	return b.pick(key)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
