package stage

import (
	"sync"
	"sync/atomic"

	"github.com/xtreemfs/xtreemfs-sub001/event"
	"github.com/xtreemfs/xtreemfs-sub001/logging"
)

// Mux spreads events over several targets in round-robin order. A target
// that refuses an event is skipped for that event.
type Mux struct {
	mu      sync.RWMutex
	targets []event.Target
	next    atomic.Uint64
}

func NewMux(targets ...event.Target) *Mux {
	return &Mux{targets: targets}
}

func (m *Mux) Add(t event.Target) {
	m.mu.Lock()
	m.targets = append(m.targets, t)
	m.mu.Unlock()
}

func (m *Mux) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.targets)
}

func (m *Mux) Send(ev event.Event) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.targets)
	if n == 0 {
		return false
	}
	start := m.next.Add(1) - 1
	for i := 0; i < n; i++ {
		if m.targets[(start+uint64(i))%uint64(n)].Send(ev) {
			return true
		}
	}
	return false
}

// Direct is a target that runs its handler on the sender's goroutine,
// with the same failure containment as a stage worker.
type Direct struct {
	Handler Handler
	Log     *logging.Logger
}

func (d Direct) Send(ev event.Event) bool {
	Contain(d.Handler, ev, d.Log)
	return true
}
