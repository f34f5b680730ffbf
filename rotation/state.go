package rotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hazyhaar/carousel/capture"
)

// ErrStateIO marks a checkpoint read or write failure. It never stops a
// capture: reads fall back to a fresh start, writes are logged.
var ErrStateIO = errors.New("rotation: checkpoint io")

// State is the persisted rotation checkpoint. LastIndex records the last
// attempted position, successful or not; -1 means nothing attempted yet.
type State struct {
	LastIndex   int    `json:"lastIndex"`
	Timestamp   int64  `json:"timestamp"` // unix ms
	PID         int    `json:"pid"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Empty is the state of a server that never captured anything.
var Empty = State{LastIndex: -1}

// Time returns the checkpoint timestamp, zero when unset.
func (s State) Time() time.Time {
	if s.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.Timestamp)
}

// Age is the time elapsed since the checkpoint was written. Zero when unset.
func (s State) Age(now time.Time) time.Duration {
	if s.Timestamp == 0 {
		return 0
	}
	return now.Sub(s.Time())
}

// StateStore reads and writes the checkpoint file and caches the last value.
type StateStore struct {
	path string
	mu   sync.Mutex
	last State
}

// NewStateStore creates a store for path. Nothing is read until Load.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path, last: Empty}
}

// Path returns the checkpoint file location.
func (s *StateStore) Path() string { return s.path }

// Load reads the checkpoint. A missing file yields Empty without error;
// an unreadable or corrupt file yields Empty and an ErrStateIO error.
func (s *StateStore) Load() (State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.set(Empty)
		return Empty, nil
	}
	if err != nil {
		s.set(Empty)
		return Empty, fmt.Errorf("%w: read %s: %w", ErrStateIO, s.path, err)
	}

	st := State{LastIndex: -1}
	if err := json.Unmarshal(data, &st); err != nil {
		s.set(Empty)
		return Empty, fmt.Errorf("%w: decode %s: %w", ErrStateIO, s.path, err)
	}
	if st.LastIndex < -1 {
		st.LastIndex = -1
	}
	s.set(st)
	return st, nil
}

// Save records index as the last attempted position. The cached state is
// updated even when the write fails.
func (s *StateStore) Save(index int, fingerprint string) error {
	st := State{
		LastIndex:   index,
		Timestamp:   time.Now().UnixMilli(),
		PID:         os.Getpid(),
		Fingerprint: fingerprint,
	}
	s.set(st)

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrStateIO, err)
	}
	if err := capture.WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("%w: %w", ErrStateIO, err)
	}
	return nil
}

// Last returns the most recently loaded or saved state.
func (s *StateStore) Last() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *StateStore) set(st State) {
	s.mu.Lock()
	s.last = st
	s.mu.Unlock()
}

// ResumeIndex is where a restarted scheduler picks up. resumed is false
// when there is no usable checkpoint and a full pass from 0 is due.
func ResumeIndex(st State, n int) (start int, resumed bool) {
	if st.LastIndex >= 0 && n > 0 {
		return (st.LastIndex + 1) % n, true
	}
	return 0, false
}

// Visit is the k-th index of a rotation starting at start.
func Visit(start, k, n int) int {
	if n <= 0 {
		return 0
	}
	return (start + k) % n
}

// SubInterval spreads total over the slots of one rotation, one slot per
// batch of targets.
func SubInterval(total time.Duration, n, batch int) time.Duration {
	if n <= 0 {
		return total
	}
	if batch < 1 {
		batch = 1
	}
	slots := (n + batch - 1) / batch
	return total / time.Duration(slots)
}
