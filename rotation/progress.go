package rotation

import (
	"sync"
	"time"

	"github.com/hazyhaar/carousel/capture"
)

// Progress is a point-in-time view of the current rotation.
type Progress struct {
	InProgress     bool      `json:"inProgress"`
	Completed      int       `json:"completed"`
	Successful     int       `json:"successful"`
	Failed         int       `json:"failed"`
	Total          int       `json:"total"`
	Current        string    `json:"current,omitempty"`
	PassStartedAt  time.Time `json:"passStartedAt,omitzero"`
	LastFinishedAt time.Time `json:"lastFinishedAt,omitzero"`
}

// Percentage of the pass completed, rounded down. Zero when Total is zero.
func (p Progress) Percentage() int {
	if p.Total <= 0 {
		return 0
	}
	pct := p.Completed * 100 / p.Total
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Reader is the read-only view handed to the HTTP layer.
type Reader interface {
	Snapshot() Progress
}

// Tracker holds the capture counters. All methods are safe for concurrent
// use; concurrent batches report through RecordSuccess and RecordFailure.
type Tracker struct {
	mu sync.Mutex
	p  Progress
}

// NewTracker creates a tracker for total targets, idle.
func NewTracker(total int) *Tracker {
	return &Tracker{p: Progress{Total: total}}
}

// BeginPass resets the counters and marks a pass in progress.
func (t *Tracker) BeginPass(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p = Progress{
		InProgress:     true,
		Total:          total,
		PassStartedAt:  time.Now(),
		LastFinishedAt: t.p.LastFinishedAt,
	}
}

// SetInProgress flips the loading flag without touching counters.
func (t *Tracker) SetInProgress(v bool) {
	t.mu.Lock()
	t.p.InProgress = v
	if !v {
		t.p.Current = ""
	}
	t.mu.Unlock()
}

// SetCurrent records the target being captured.
func (t *Tracker) SetCurrent(id string) {
	t.mu.Lock()
	t.p.Current = id
	t.mu.Unlock()
}

// Complete ends the pass.
func (t *Tracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.InProgress = false
	t.p.Current = ""
	t.p.LastFinishedAt = time.Now()
}

func (t *Tracker) RecordSuccess(capture.Result) {
	t.mu.Lock()
	t.p.Completed++
	t.p.Successful++
	t.mu.Unlock()
}

func (t *Tracker) RecordFailure(capture.Result) {
	t.mu.Lock()
	t.p.Completed++
	t.p.Failed++
	t.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p
}
