// Package opmon measures how long the hot operations of a session take.
package opmon

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/xiaonanln/netsync/engine/nslog"
)

var (
	operationPool = sync.Pool{
		New: func() interface{} {
			return &Operation{}
		},
	}

	defaultMonitor = NewMonitor()
)

// Stat is the summary of one operation name
type Stat struct {
	Name  string
	Count uint64
	Total time.Duration
	Max   time.Duration
}

// Avg is the average duration of the operation
func (st Stat) Avg() time.Duration {
	if st.Count == 0 {
		return 0
	}
	return st.Total / time.Duration(st.Count)
}

// Monitor accumulates operation durations until the next Reset.
// It is safe for concurrent use.
type Monitor struct {
	mu    sync.Mutex
	stats map[string]*Stat
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{stats: map[string]*Stat{}}
}

// Start begins an operation recorded into this monitor by Finish
func (m *Monitor) Start(name string) *Operation {
	op := operationPool.Get().(*Operation)
	op.monitor = m
	op.name = name
	op.startTime = time.Now()
	return op
}

func (m *Monitor) record(name string, d time.Duration) {
	m.mu.Lock()
	st := m.stats[name]
	if st == nil {
		st = &Stat{Name: name}
		m.stats[name] = st
	}
	st.Count++
	st.Total += d
	if d > st.Max {
		st.Max = d
	}
	m.mu.Unlock()
}

// Count returns how many times the operation finished since the last reset
func (m *Monitor) Count(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.stats[name]; st != nil {
		return st.Count
	}
	return 0
}

// Snapshot returns the stats sorted by name, clearing them when reset is true
func (m *Monitor) Snapshot(reset bool) []Stat {
	m.mu.Lock()
	stats := make([]Stat, 0, len(m.stats))
	for _, st := range m.stats {
		stats = append(stats, *st)
	}
	if reset {
		m.stats = map[string]*Stat{}
	}
	m.mu.Unlock()

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Name < stats[j].Name
	})
	return stats
}

// Dump writes one line per operation to w and resets the monitor
func (m *Monitor) Dump(w io.Writer) {
	stats := m.Snapshot(true)
	fmt.Fprintf(w, "---- opmon %d operations ----\n", len(stats))
	for _, st := range stats {
		fmt.Fprintf(w, "%-28s x%-9d avg %-12s max %s\n", st.Name, st.Count, st.Avg(), st.Max)
	}
}

// Operation is a running measurement
type Operation struct {
	monitor   *Monitor
	name      string
	startTime time.Time
}

// StartOperation begins an operation of the process wide monitor
func StartOperation(name string) *Operation {
	return defaultMonitor.Start(name)
}

// Finish records the duration of the operation, warning when it reaches warnThreshold.
// The operation must not be used afterwards.
func (op *Operation) Finish(warnThreshold time.Duration) {
	took := time.Since(op.startTime)
	op.monitor.record(op.name, took)
	if warnThreshold > 0 && took >= warnThreshold {
		nslog.Warnf("opmon: %s took %s >= %s", op.name, took, warnThreshold)
	}
	op.monitor = nil
	operationPool.Put(op)
}

// Dump writes and resets the process wide monitor
func Dump(w io.Writer) {
	defaultMonitor.Dump(w)
}

// Count returns the finished count of the operation in the process wide monitor
func Count(name string) uint64 {
	return defaultMonitor.Count(name)
}
