package registry

import (
	"context"
	"encoding/json"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/xtreemfs/"

// EtcdRegistry implements Registry on etcd v3:
//
//	Key:   /xtreemfs/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL leases: if the server dies, the lease expires and
// the entry disappears with it.
type EtcdRegistry struct {
	client *clientv3.Client

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease kept alive by this process
}

func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, leases: make(map[string]clientv3.LeaseID)}, nil
}

func key(serviceName, addr string) string {
	return keyPrefix + serviceName + "/" + addr
}

// Register grants a lease, puts the instance under it and keeps the lease
// alive in the background.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	k := key(serviceName, instance.Addr)
	_, err = r.client.Put(ctx, k, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	// The keepalive must outlive ctx; it stops when the lease is revoked.
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	r.leases[k] = lease.ID
	r.mu.Unlock()
	return nil
}

// Deregister removes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	k := key(serviceName, addr)
	r.mu.Lock()
	id, ok := r.leases[k]
	delete(r.leases, k)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, k); err != nil {
		return err
	}
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Watch re-reads the full instance list after every change under the
// service prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := keyPrefix + serviceName + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	prefix := keyPrefix + serviceName + "/"

	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
