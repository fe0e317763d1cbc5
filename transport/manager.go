package transport

import (
	"sync"
	"time"
)

// Manager keeps one Pool per destination address.
type Manager struct {
	mu    sync.Mutex
	pools map[string]*Pool
	opts  PoolOptions
}

func NewManager(opts PoolOptions) *Manager {
	return &Manager{pools: make(map[string]*Pool), opts: opts}
}

// Pool returns the pool for addr, creating it on first use.
func (m *Manager) Pool(addr string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[addr]
	if !ok {
		p = NewPool(addr, m.opts)
		m.pools[addr] = p
	}
	return p
}

func (m *Manager) snapshot() []*Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	return pools
}

// CloseIdle runs Pool.CloseIdle on every pool.
func (m *Manager) CloseIdle(olderThan time.Duration) int {
	n := 0
	for _, p := range m.snapshot() {
		n += p.CloseIdle(olderThan)
	}
	return n
}

func (m *Manager) Close() error {
	for _, p := range m.snapshot() {
		_ = p.Close()
	}
	return nil
}
