// Package registry records which servers serve which interface.
package registry

import (
	"context"
	"fmt"
)

type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register publishes instance under serviceName for ttl seconds,
	// renewed until Deregister.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

// ServiceName is the registry name of an RPC interface.
func ServiceName(interfaceNumber uint32) string {
	return fmt.Sprintf("interface-%d", interfaceNumber)
}
