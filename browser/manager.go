// Package browser owns the headless Chrome process used for captures:
// launch on demand, reuse across captures, recycle by age, close on
// shutdown. Two drivers are provided, rod (default) and chromedp.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/carousel/capture"
)

// Session is a live browser. Close terminates it.
type Session interface {
	capture.Browser
	Close() error
}

// Driver launches sessions.
type Driver interface {
	Launch(ctx context.Context, p Profile) (Session, error)
}

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("browser: manager is closed")

// Config configures the Manager.
type Config struct {
	Driver  Driver
	Profile Profile

	// RecycleAfter is the maximum lifetime of a session. Acquire relaunches
	// once it is exceeded. Zero disables age-based recycling.
	RecycleAfter time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Profile == "" {
		c.Profile = Constrained
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats is a snapshot of manager activity.
type Stats struct {
	Live          bool          `json:"live"`
	Launches      int           `json:"launches"`
	LaunchErrors  int           `json:"launchErrors"`
	Releases      int           `json:"releases"`
	CloseFailures int           `json:"closeFailures"`
	Uptime        time.Duration `json:"uptime"`
	Profile       Profile       `json:"profile"`
}

// Manager hands out a shared session. Launch and close are exclusive;
// pages may be opened concurrently on an acquired session.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	session Session
	startAt time.Time
	closed  bool
	stats   Stats
}

// NewManager creates a Manager. No browser is started until Acquire.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Acquire returns the live session, launching one if needed. Launch
// failures wrap capture.ErrLaunch.
func (m *Manager) Acquire(ctx context.Context) (capture.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.session != nil {
		if m.cfg.RecycleAfter <= 0 || time.Since(m.startAt) < m.cfg.RecycleAfter {
			return m.session, nil
		}
		m.cfg.Logger.Info("browser: recycle interval reached", "uptime", time.Since(m.startAt))
		m.releaseLocked()
	}

	start := time.Now()
	s, err := m.cfg.Driver.Launch(ctx, m.cfg.Profile)
	if err != nil {
		m.stats.LaunchErrors++
		return nil, fmt.Errorf("%w: %w", capture.ErrLaunch, err)
	}
	m.session = s
	m.startAt = time.Now()
	m.stats.Launches++
	m.cfg.Logger.Info("browser: session launched",
		"profile", m.cfg.Profile, "took", time.Since(start), "launches", m.stats.Launches)
	return s, nil
}

// Release closes the current session if any. Close errors are logged.
// If ctx ends before the browser exits, Release returns and the close
// finishes in the background.
func (m *Manager) Release(ctx context.Context) {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()
	if s == nil {
		return
	}
	m.closeSession(ctx, s)
}

// Close releases the session and refuses further Acquire calls. It returns
// ctx.Err() if the browser did not exit in time.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	s := m.session
	m.session = nil
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	if !m.closeSession(ctx, s) {
		return ctx.Err()
	}
	return nil
}

// Stats returns a snapshot of launch and release counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats
	st.Live = m.session != nil
	st.Profile = m.cfg.Profile
	if st.Live {
		st.Uptime = time.Since(m.startAt)
	}
	return st
}

func (m *Manager) releaseLocked() {
	s := m.session
	m.session = nil
	m.stats.Releases++
	if err := s.Close(); err != nil {
		m.stats.CloseFailures++
		m.cfg.Logger.Warn("browser: close session", "error", err)
	}
}

// closeSession closes s, waiting at most until ctx ends. Reports whether
// the close completed.
func (m *Manager) closeSession(ctx context.Context, s Session) bool {
	done := make(chan error, 1)
	go func() { done <- s.Close() }()

	select {
	case err := <-done:
		m.mu.Lock()
		m.stats.Releases++
		if err != nil {
			m.stats.CloseFailures++
		}
		m.mu.Unlock()
		if err != nil {
			m.cfg.Logger.Warn("browser: close session", "error", err)
		} else {
			m.cfg.Logger.Debug("browser: session closed")
		}
		return true
	case <-ctx.Done():
		m.mu.Lock()
		m.stats.CloseFailures++
		m.mu.Unlock()
		m.cfg.Logger.Warn("browser: close timed out, leaving it to finish in background", "error", ctx.Err())
		return false
	}
}
