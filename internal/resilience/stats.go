package resilience

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Stats counts successes and errors per operation for the admin surface.
// It is a pure counter: nothing reads it to make control-flow decisions.
type Stats struct {
	mu             sync.Mutex
	errors         map[string]*errorEntry
	totalErrors    int64
	totalSuccesses int64
	now            func() time.Time
}

type errorEntry struct {
	operation     string
	kind          Kind
	count         int64
	lastOccurred  time.Time
	sampleMessage string
}

// NewStats builds an empty collector.
func NewStats() *Stats {
	return &Stats{errors: make(map[string]*errorEntry), now: time.Now}
}

// RecordError counts one failure of op, bucketed by error kind.
func (s *Stats) RecordError(op string, err error) {
	kind := KindOf(err)
	key := op + ":" + string(kind)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.errors[key]
	if !ok {
		msg := ""
		if err != nil {
			msg = err.Error()
			if len(msg) > 200 {
				msg = msg[:200]
			}
		}
		e = &errorEntry{operation: op, kind: kind, sampleMessage: msg}
		s.errors[key] = e
	}
	e.count++
	e.lastOccurred = s.now()
	s.totalErrors++
}

// RecordSuccess counts one success of op.
func (s *Stats) RecordSuccess(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalSuccesses++
}

// Reset clears all counters. Operator action only.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = make(map[string]*errorEntry)
	s.totalErrors = 0
	s.totalSuccesses = 0
}

// ErrorBreakdown is one (operation, kind) bucket.
type ErrorBreakdown struct {
	Operation     string `json:"operation"`
	Kind          string `json:"kind"`
	Count         int64  `json:"count"`
	LastOccurred  string `json:"last_occurred"`
	SampleMessage string `json:"sample_message,omitempty"`
}

// Snapshot is the aggregated view served by the admin surface.
type Snapshot struct {
	TotalErrors    int64            `json:"total_errors"`
	TotalSuccesses int64            `json:"total_successes"`
	SuccessRate    string           `json:"success_rate"`
	Breakdown      []ErrorBreakdown `json:"error_breakdown"`
}

// Snapshot returns the current totals and per-bucket breakdown.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		TotalErrors:    s.totalErrors,
		TotalSuccesses: s.totalSuccesses,
		Breakdown:      make([]ErrorBreakdown, 0, len(s.errors)),
	}
	total := s.totalErrors + s.totalSuccesses
	rate := 0.0
	if total > 0 {
		rate = float64(s.totalSuccesses) / float64(total)
	}
	snap.SuccessRate = fmt.Sprintf("%.2f%%", rate*100)

	for _, e := range s.errors {
		snap.Breakdown = append(snap.Breakdown, ErrorBreakdown{
			Operation:     e.operation,
			Kind:          string(e.kind),
			Count:         e.count,
			LastOccurred:  e.lastOccurred.UTC().Format(time.RFC3339),
			SampleMessage: e.sampleMessage,
		})
	}
	sort.Slice(snap.Breakdown, func(i, j int) bool {
		if snap.Breakdown[i].Operation != snap.Breakdown[j].Operation {
			return snap.Breakdown[i].Operation < snap.Breakdown[j].Operation
		}
		return snap.Breakdown[i].Kind < snap.Breakdown[j].Kind
	})
	return snap
}
