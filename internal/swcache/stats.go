package swcache

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// statsCollector aggregates what the handler served since startup: response
// sizes of cache-served and network-served bodies, and a count per outcome.
type statsCollector struct {
	responses atomic.Uint64
	bytes     atomic.Uint64
	minBytes  atomic.Uint64
	maxBytes  atomic.Uint64

	mu       sync.Mutex
	outcomes map[string]uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{outcomes: make(map[string]uint64)}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(outcome string, respBytes int) {
	s.mu.Lock()
	s.outcomes[outcome]++
	s.mu.Unlock()

	switch outcome {
	case OutcomeHit, OutcomeMiss, OutcomeNetwork, OutcomeOfflineCache, OutcomeOfflineShell:
	default:
		return
	}
	// streamed bodies have no known size
	if respBytes < 0 {
		return
	}
	n := uint64(respBytes)
	s.responses.Add(1)
	s.bytes.Add(n)
	for cur := s.minBytes.Load(); n < cur; cur = s.minBytes.Load() {
		if s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for cur := s.maxBytes.Load(); n > cur; cur = s.maxBytes.Load() {
		if s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Responses uint64            `json:"responses"`
	MinBytes  uint64            `json:"minBytes"`
	AvgBytes  uint64            `json:"avgBytes"`
	MaxBytes  uint64            `json:"maxBytes"`
	Outcomes  map[string]uint64 `json:"outcomes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{Outcomes: make(map[string]uint64)}
	s.mu.Lock()
	for k, v := range s.outcomes {
		out.Outcomes[k] = v
	}
	s.mu.Unlock()

	count := s.responses.Load()
	if count == 0 {
		return out
	}
	out.Responses = count
	out.MinBytes = s.minBytes.Load()
	out.MaxBytes = s.maxBytes.Load()
	out.AvgBytes = s.bytes.Load() / count
	return out
}

func (ss statsSnapshot) outcomeNames() []string {
	names := make([]string, 0, len(ss.Outcomes))
	for k := range ss.Outcomes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
