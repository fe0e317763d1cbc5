package client

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtreemfs/xtreemfs-sub001/internal/testsvc"
	"github.com/xtreemfs/xtreemfs-sub001/loadbalance"
	"github.com/xtreemfs/xtreemfs-sub001/registry"
)

// Client → etcd → balancer → pool → record marking → server stage →
// middleware → procedure, across two servers.
func TestIntegrationWithEtcd(t *testing.T) {
	endpoints := os.Getenv("XTREEMFS_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("XTREEMFS_ETCD_ENDPOINTS not set")
	}
	reg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","))
	require.NoError(t, err)
	defer reg.Close()

	addr1 := startServer(t, &testsvc.Service{}, reg)
	addr2 := startServer(t, &testsvc.Service{}, reg)

	name := registry.ServiceName(testsvc.InterfaceNumber)
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		instances, err := reg.Discover(ctx, name)
		return err == nil && len(instances) >= 2
	}, 5*time.Second, 50*time.Millisecond)

	c := newClient(t, Options{Resolver: NewResolver(reg, &loadbalance.RoundRobinBalancer{})})

	for i := 1; i <= 10; i++ {
		payload := []byte(strings.Repeat("x", i))
		resp, err := c.CallService(context.Background(), testsvc.NewEchoRequest(payload, 2*time.Second))
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, payload, resp.(*testsvc.EchoResponse).Payload)
	}

	used := 0
	for _, addr := range []string{addr1, addr2} {
		if c.pools.Pool(addr).Open() > 0 {
			used++
		}
	}
	assert.Equal(t, 2, used)
}
