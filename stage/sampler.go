package stage

import (
	"slices"
	"sync"
	"time"
)

const samplerSize = 1024

// Sampler keeps the last 1024 durations for latency statistics.
type Sampler struct {
	mu      sync.Mutex
	samples [samplerSize]time.Duration
	n       int
	next    int
	total   uint64
}

func (s *Sampler) Sample(d time.Duration) {
	s.mu.Lock()
	s.samples[s.next] = d
	s.next = (s.next + 1) % samplerSize
	if s.n < samplerSize {
		s.n++
	}
	s.total++
	s.mu.Unlock()
}

// Stats summarizes the retained samples.
type Stats struct {
	Count  uint64
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	Median time.Duration
	P95    time.Duration
	P99    time.Duration
}

func (s *Sampler) Stats() Stats {
	s.mu.Lock()
	sorted := slices.Clone(s.samples[:s.n])
	total := s.total
	s.mu.Unlock()

	st := Stats{Count: total}
	if len(sorted) == 0 {
		return st
	}
	slices.Sort(sorted)
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	st.Min = sorted[0]
	st.Max = sorted[len(sorted)-1]
	st.Mean = sum / time.Duration(len(sorted))
	st.Median = percentile(sorted, 50)
	st.P95 = percentile(sorted, 95)
	st.P99 = percentile(sorted, 99)
	return st
}

// Percentile returns the p-th percentile (0-100) of the retained samples.
func (s *Sampler) Percentile(p float64) time.Duration {
	s.mu.Lock()
	sorted := slices.Clone(s.samples[:s.n])
	s.mu.Unlock()
	if len(sorted) == 0 {
		return 0
	}
	slices.Sort(sorted)
	return percentile(sorted, p)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	i := int(float64(len(sorted)-1) * p / 100)
	return sorted[i]
}
