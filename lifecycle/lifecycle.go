// Package lifecycle keeps per-entry-point invocation statistics.
package lifecycle

import (
	"sort"
	"sync"
	"time"

	"github.com/guseggert/nailgun/nail"
)

// Stats describes the invocations of one entry point.
type Stats struct {
	Name     string        `json:"name"`
	Started  uint64        `json:"started"`
	Finished uint64        `json:"finished"`
	Running  int64         `json:"running"`
	RunTime  time.Duration `json:"runTimeNanos"`
}

// Observer is notified on every recorded transition. It is called outside the tracker's lock.
type Observer interface {
	Started(name string)
	Finished(name string, elapsed time.Duration)
}

type record struct {
	entry *nail.Entry
	stats Stats
}

// Tracker counts starts and finishes per entry point. Records are created on first use and never removed.
type Tracker struct {
	mu       sync.Mutex
	records  map[*nail.Entry]*record
	observer Observer
}

func New() *Tracker {
	return &Tracker{records: make(map[*nail.Entry]*record)}
}

// SetObserver installs o to be notified of transitions. It must be called before the tracker is shared.
func (t *Tracker) SetObserver(o Observer) { t.observer = o }

func (t *Tracker) recordFor(e *nail.Entry) *record {
	r, ok := t.records[e]
	if !ok {
		r = &record{entry: e, stats: Stats{Name: e.Name()}}
		t.records[e] = r
	}
	return r
}

// RecordStart notes that an invocation of e has begun.
func (t *Tracker) RecordStart(e *nail.Entry) {
	t.mu.Lock()
	r := t.recordFor(e)
	r.stats.Started++
	r.stats.Running++
	t.mu.Unlock()
	if t.observer != nil {
		t.observer.Started(e.Name())
	}
}

// RecordFinish notes that an invocation of e has ended, whatever its outcome.
func (t *Tracker) RecordFinish(e *nail.Entry, elapsed time.Duration) {
	t.mu.Lock()
	r := t.recordFor(e)
	r.stats.Finished++
	r.stats.Running--
	r.stats.RunTime += elapsed
	t.mu.Unlock()
	if t.observer != nil {
		t.observer.Finished(e.Name(), elapsed)
	}
}

// EnsureTracked creates an empty record for e if none exists.
func (t *Tracker) EnsureTracked(e *nail.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordFor(e)
}

// Lookup returns the stats for e.
func (t *Tracker) Lookup(e *nail.Entry) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[e]
	if !ok {
		return Stats{}, false
	}
	return r.stats, true
}

// Snapshot returns a copy of every record, ordered by name.
func (t *Tracker) Snapshot() []Stats {
	t.mu.Lock()
	out := make([]Stats, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r.stats)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Entries returns every tracked entry point, ordered by name.
func (t *Tracker) Entries() []*nail.Entry {
	t.mu.Lock()
	out := make([]*nail.Entry, 0, len(t.records))
	for e := range t.records {
		out = append(out, e)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
