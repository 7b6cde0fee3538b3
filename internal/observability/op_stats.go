// Package observability provides sampled operation latency tracking for
// performance monitoring of cache and storage operations.
package observability

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// DefaultSampleProbability is the fraction of operations that get timed.
// Timing every operation on a hot cache path costs more than it tells.
const DefaultSampleProbability = 0.01

// OpStats tracks latency distributions for named operations, recording only
// a sampled subset.
type OpStats struct {
	mu          sync.RWMutex
	ops         map[string]*OpRecord
	rng         *rand.Rand
	probability float64
}

// OpRecord holds accumulated statistics for one operation name.
type OpRecord struct {
	Name     string
	Samples  int64
	Total    time.Duration
	Min      time.Duration
	Max      time.Duration
	LastSeen time.Time
}

// Mean returns the average latency over recorded samples.
func (r *OpRecord) Mean() time.Duration {
	if r.Samples == 0 {
		return 0
	}
	return r.Total / time.Duration(r.Samples)
}

// NewOpStats creates a tracker sampling at the given probability.
// probability: fraction of ShouldSample calls returning true (e.g. 0.01).
func NewOpStats(probability float64) *OpStats {
	return &OpStats{
		ops:         make(map[string]*OpRecord),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		probability: probability,
	}
}

// ShouldSample reports whether the caller should time this operation.
// This method is O(1) and thread-safe.
func (s *OpStats) ShouldSample() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.probability
}

// Record adds one timed sample for the named operation.
// This method is O(1) and thread-safe.
func (s *OpStats) Record(name string, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.ops[name]
	if !exists {
		record = &OpRecord{Name: name, Min: elapsed, Max: elapsed}
		s.ops[name] = record
	}

	record.Samples++
	record.Total += elapsed
	if elapsed < record.Min {
		record.Min = elapsed
	}
	if elapsed > record.Max {
		record.Max = elapsed
	}
	record.LastSeen = time.Now()
}

// Snapshot returns a copy of the record for the named operation, or a zero
// record if it was never sampled.
func (s *OpStats) Snapshot(name string) OpRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if record, ok := s.ops[name]; ok {
		return *record
	}
	return OpRecord{Name: name}
}

// TopOps returns the top N operations by sample count.
// Returns copies sorted by count (descending).
func (s *OpStats) TopOps(n int) []OpRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.ops) == 0 {
		return []OpRecord{}
	}

	records := make([]OpRecord, 0, len(s.ops))
	for _, r := range s.ops {
		records = append(records, *r)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Samples > records[j].Samples
	})

	if n > len(records) {
		n = len(records)
	}
	return records[:n]
}

// Prune removes records not seen within window.
// This should be called periodically (e.g., every 5 minutes).
func (s *OpStats) Prune(window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-window)
	for name, record := range s.ops {
		if record.LastSeen.Before(threshold) {
			delete(s.ops, name)
		}
	}
}
