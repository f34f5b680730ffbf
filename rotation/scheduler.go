// Package rotation decides which targets are captured when. It owns the
// checkpoint and the progress counters; capture itself is delegated.
//
// Two cadences are supported. ModeRotate spreads one full rotation over the
// configured interval, capturing one batch per sub-interval. ModeFull
// captures every target back to back, then sleeps until the next interval.
// Both resume after a restart at the position following the checkpoint.
package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sourcegraph/conc/pool"

	"github.com/hazyhaar/carousel/browser"
	"github.com/hazyhaar/carousel/capture"
	"github.com/hazyhaar/carousel/observability"
	"github.com/hazyhaar/carousel/target"
)

// Mode selects the cadence.
type Mode string

const (
	ModeRotate Mode = "rotate"
	ModeFull   Mode = "full"
)

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRotate:
		return ModeRotate, nil
	case ModeFull:
		return ModeFull, nil
	}
	return "", fmt.Errorf("rotation: unknown mode %q", s)
}

// releaseTimeout bounds a session close between batches.
const releaseTimeout = 30 * time.Second

// Capturer captures one target on a browser.
type Capturer interface {
	Capture(ctx context.Context, b capture.Browser, t target.Target) capture.Result
}

// Sessions hands out browser sessions.
type Sessions interface {
	Acquire(ctx context.Context) (capture.Browser, error)
	Release(ctx context.Context)
}

// Config controls cadence and concurrency.
type Config struct {
	Mode          Mode
	Interval      time.Duration // one full rotation
	BatchSize     int
	SessionPolicy browser.SessionPolicy
	PassPause     time.Duration // between batches of a full pass
	CrashDir      string
}

func (c *Config) defaults() {
	if c.Mode == "" {
		c.Mode = ModeRotate
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Minute
	}
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	if c.SessionPolicy == "" {
		c.SessionPolicy = browser.PerCapture
	}
}

// Scheduler runs rotations over a fixed target list.
type Scheduler struct {
	cfg         Config
	targets     []target.Target
	fingerprint string
	capturer    Capturer
	sessions    Sessions
	state       *StateStore
	tracker     *Tracker
	logger      *slog.Logger

	runMu sync.Mutex // one pass or slot at a time

	mu        sync.Mutex
	cursor    int
	attempted int
	cron      gocron.Scheduler
	job       gocron.Job
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Scheduler. Call Start to begin capturing.
func New(cfg Config, targets []target.Target, c Capturer, sessions Sessions, state *StateStore, tracker *Tracker, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionPolicy == browser.PerCapture && cfg.BatchSize > 1 {
		// Concurrent captures share one session; closing it per capture
		// would pull it from under the rest of the batch.
		logger.Warn("rotation: per-capture sessions need batch size 1, using per-batch",
			"batch_size", cfg.BatchSize)
		cfg.SessionPolicy = browser.PerBatch
	}
	return &Scheduler{
		cfg:         cfg,
		targets:     targets,
		fingerprint: target.Fingerprint(targets),
		capturer:    c,
		sessions:    sessions,
		state:       state,
		tracker:     tracker,
		logger:      logger,
		attempted:   -1,
	}
}

// Targets returns the rotation list.
func (s *Scheduler) Targets() []target.Target { return s.targets }

// Cursor is the index the next slot starts at.
func (s *Scheduler) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// SlotInterval is the delay between scheduled runs.
func (s *Scheduler) SlotInterval() time.Duration {
	if s.cfg.Mode == ModeFull {
		return s.cfg.Interval
	}
	return SubInterval(s.cfg.Interval, len(s.targets), s.cfg.BatchSize)
}

// NextRun is the time of the next scheduled run, zero when none is planned.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	job := s.job
	s.mu.Unlock()
	if job == nil {
		return time.Time{}
	}
	next, err := job.NextRun()
	if err != nil {
		return time.Time{}
	}
	return next
}

// Start reads the checkpoint and begins capturing in the background. With
// no checkpoint a full pass from index 0 runs first; otherwise the first
// scheduled run fires immediately at the resume position.
func (s *Scheduler) Start(ctx context.Context) error {
	n := len(s.targets)
	if n == 0 {
		s.logger.Warn("rotation: no targets configured, nothing to schedule")
		return nil
	}

	st, err := s.state.Load()
	if err != nil {
		s.logger.Warn("rotation: checkpoint unreadable, starting from index 0", "error", err)
	}
	if st.LastIndex >= 0 && st.Fingerprint != "" && st.Fingerprint != s.fingerprint {
		s.logger.Warn("rotation: target list changed since checkpoint, resuming by position",
			"checkpoint_fingerprint", st.Fingerprint, "fingerprint", s.fingerprint)
	}
	start, resumed := ResumeIndex(st, n)

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("rotation: new scheduler: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cursor = start
	s.cron = cron
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("rotation: starting",
		"targets", n, "mode", s.cfg.Mode, "interval", s.cfg.Interval,
		"slot_interval", s.SlotInterval(), "batch_size", s.cfg.BatchSize,
		"session_policy", s.cfg.SessionPolicy, "resume_index", start, "resumed", resumed)

	s.wg.Add(1)
	go observability.Guard(s.logger, s.cfg.CrashDir, "rotation.start", func() {
		defer s.wg.Done()
		if !resumed {
			if err := s.RunPass(runCtx, 0); err != nil {
				s.logger.Warn("rotation: initial pass aborted", "error", err)
			}
		}
		if runCtx.Err() != nil {
			return
		}
		if err := s.schedule(runCtx, resumed); err != nil {
			s.logger.Error("rotation: schedule failed", "error", err)
		}
	})
	return nil
}

func (s *Scheduler) schedule(ctx context.Context, immediate bool) error {
	opts := []gocron.JobOption{
		gocron.WithName("carousel-" + string(s.cfg.Mode)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if immediate {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	task := gocron.NewTask(func() {
		observability.Guard(s.logger, s.cfg.CrashDir, "rotation.job", func() {
			var err error
			if s.cfg.Mode == ModeFull {
				err = s.RunPass(ctx, s.Cursor())
			} else {
				err = s.RunSlot(ctx)
			}
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("rotation: run aborted, retrying next interval", "error", err)
			}
		})
	})

	interval := s.SlotInterval()
	s.mu.Lock()
	defer s.mu.Unlock()
	// Stop cancels under s.mu, so a cancelled ctx here means the cron
	// scheduler is being shut down and must not be started again.
	if ctx.Err() != nil {
		return nil
	}
	job, err := s.cron.NewJob(gocron.DurationJob(interval), task, opts...)
	if err != nil {
		return fmt.Errorf("rotation: new job: %w", err)
	}
	s.job = job
	s.cron.Start()
	return nil
}

// Stop cancels capturing, waits for the running pass or slot (bounded by
// ctx) and writes the last attempted index once more.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, cron := s.cancel, s.cron
	if cancel != nil {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if cron != nil {
			if err := cron.Shutdown(); err != nil {
				s.logger.Warn("rotation: scheduler shutdown", "error", err)
			}
		}
		s.wg.Wait()
		s.runMu.Lock()
		s.runMu.Unlock()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("rotation: stop timed out waiting for running capture", "error", err)
	}

	s.mu.Lock()
	last := s.attempted
	s.mu.Unlock()
	if last >= 0 {
		if serr := s.state.Save(last, s.fingerprint); serr != nil {
			s.logger.Warn("rotation: final checkpoint write failed", "error", serr)
		} else {
			s.logger.Info("rotation: checkpoint flushed", "last_index", last)
		}
	}
	return err
}

// RunPass captures every target once in visit order from start. Counters
// are reset first.
func (s *Scheduler) RunPass(ctx context.Context, start int) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	n := len(s.targets)
	if n == 0 {
		return nil
	}
	indices := make([]int, n)
	for k := range indices {
		indices[k] = Visit(start, k, n)
	}

	began := time.Now()
	s.tracker.BeginPass(n)
	s.logger.Info("rotation: pass started", "start", start, "targets", n)
	err := s.execute(ctx, indices)
	s.tracker.Complete()

	p := s.tracker.Snapshot()
	s.logger.Info("rotation: pass finished",
		"successful", p.Successful, "failed", p.Failed, "took", time.Since(began), "error", err)
	return err
}

// RunSlot captures the next batch from the cursor. A slot never wraps past
// the last target, so a rotation takes exactly ceil(n/batch) slots and the
// counters are reset when a slot starts at index 0.
func (s *Scheduler) RunSlot(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	n := len(s.targets)
	if n == 0 {
		return nil
	}
	start := s.Cursor()
	size := min(s.cfg.BatchSize, n-start)
	indices := make([]int, size)
	for k := range indices {
		indices[k] = Visit(start, k, n)
	}

	if start == 0 {
		s.tracker.BeginPass(n)
	} else {
		s.tracker.SetInProgress(true)
	}
	s.logger.Debug("rotation: slot", "start", start, "size", size)
	err := s.execute(ctx, indices)

	if err == nil && s.Cursor() == 0 {
		s.tracker.Complete()
	} else {
		s.tracker.SetInProgress(false)
	}
	return err
}

// execute runs indices in batches, applying the session policy. A launch
// failure aborts the rest without advancing the cursor.
func (s *Scheduler) execute(ctx context.Context, indices []int) error {
	var b capture.Browser
	if s.cfg.SessionPolicy == browser.PerPass {
		var err error
		if b, err = s.sessions.Acquire(ctx); err != nil {
			s.logger.Error("rotation: browser launch failed", "error", err)
			return err
		}
		defer s.release(ctx)
	}

	size := s.cfg.BatchSize
	for off := 0; off < len(indices); off += size {
		if off > 0 {
			if err := pause(ctx, s.cfg.PassPause); err != nil {
				return err
			}
		}
		batch := indices[off:min(off+size, len(indices))]
		if err := s.runBatch(ctx, b, batch); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) runBatch(ctx context.Context, b capture.Browser, batch []int) error {
	if s.cfg.SessionPolicy == browser.PerBatch {
		var err error
		if b, err = s.sessions.Acquire(ctx); err != nil {
			s.logger.Error("rotation: browser launch failed", "error", err)
			return err
		}
		defer s.release(ctx)
	}

	if len(batch) == 1 {
		if err := s.captureOne(ctx, b, batch[0]); err != nil {
			return err
		}
		s.commit(batch[0])
		return nil
	}

	c := newCommitter(batch, s.commit)
	p := pool.New().WithMaxGoroutines(len(batch))
	for _, idx := range batch {
		p.Go(func() {
			// captureOne only fails on launch, which per-capture sessions
			// cannot reach here.
			_ = s.captureOne(ctx, b, idx)
			c.done(idx)
		})
	}
	p.Wait()
	return nil
}

func (s *Scheduler) captureOne(ctx context.Context, b capture.Browser, idx int) error {
	t := s.targets[idx]
	s.tracker.SetCurrent(t.ID)

	if s.cfg.SessionPolicy == browser.PerCapture {
		var err error
		if b, err = s.sessions.Acquire(ctx); err != nil {
			s.logger.Error("rotation: browser launch failed", "target", t.ID, "error", err)
			return err
		}
		defer s.release(ctx)
	}

	s.capturer.Capture(ctx, b, t)
	return nil
}

// commit records idx as attempted and advances the cursor past it.
func (s *Scheduler) commit(idx int) {
	s.mu.Lock()
	s.attempted = idx
	s.cursor = (idx + 1) % len(s.targets)
	s.mu.Unlock()

	if err := s.state.Save(idx, s.fingerprint); err != nil {
		s.logger.Warn("rotation: checkpoint write failed", "index", idx, "error", err)
	}
}

func (s *Scheduler) release(ctx context.Context) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	s.sessions.Release(rctx)
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// committer persists indices in visit order while captures of one batch
// finish in any order.
type committer struct {
	mu       sync.Mutex
	order    []int
	finished map[int]bool
	next     int
	commit   func(int)
}

func newCommitter(order []int, commit func(int)) *committer {
	return &committer{order: order, finished: make(map[int]bool, len(order)), commit: commit}
}

func (c *committer) done(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished[idx] = true
	for c.next < len(c.order) && c.finished[c.order[c.next]] {
		c.commit(c.order[c.next])
		c.next++
	}
}
