package rotation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/hazyhaar/carousel/browser"
	"github.com/hazyhaar/carousel/capture"
	"github.com/hazyhaar/carousel/target"
)

func targets(n int) []target.Target {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://d%d.example", i+1)
	}
	return target.Parse(strings.Join(urls, target.Delimiter))
}

type harness struct {
	sched    *Scheduler
	cap      *fakeCapturer
	sessions *fakeSessions
	state    *StateStore
	tracker  *Tracker
}

func newHarness(t *testing.T, n int, cfg Config) *harness {
	t.Helper()
	ts := targets(n)
	tracker := NewTracker(len(ts))
	h := &harness{
		cap:      newFakeCapturer(tracker),
		sessions: &fakeSessions{},
		state:    NewStateStore(filepath.Join(t.TempDir(), ".capture_state.json")),
		tracker:  tracker,
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	cfg.CrashDir = t.TempDir()
	h.sched = New(cfg, ts, h.cap, h.sessions, h.state, tracker, nil)
	return h
}

func waitCalls(t *testing.T, c *fakeCapturer, n int) []string {
	t.Helper()
	var got []string
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case id := <-c.calls:
			got = append(got, id)
		case <-deadline:
			t.Fatalf("timed out after %d of %d captures: %v", len(got), n, got)
		}
	}
	return got
}

func TestRunPass_VisitOrderAndCheckpoint(t *testing.T) {
	h := newHarness(t, 4, Config{SessionPolicy: browser.PerCapture})
	if err := h.sched.RunPass(context.Background(), 2); err != nil {
		t.Fatalf("pass: %v", err)
	}
	want := []string{"dashboard3", "dashboard4", "dashboard1", "dashboard2"}
	if got := h.cap.visited(); !reflect.DeepEqual(got, want) {
		t.Fatalf("order: got %v, want %v", got, want)
	}

	st, err := NewStateStore(h.state.Path()).Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.LastIndex != 1 {
		t.Fatalf("checkpoint: got %d, want 1", st.LastIndex)
	}
	if h.sched.Cursor() != 2 {
		t.Fatalf("cursor: got %d, want 2", h.sched.Cursor())
	}

	p := h.tracker.Snapshot()
	if p.InProgress || p.Completed != 4 || p.Successful != 4 || p.Total != 4 || p.Percentage() != 100 {
		t.Fatalf("progress: %+v", p)
	}
	if a, r := h.sessions.counts(); a != 4 || r != 4 {
		t.Fatalf("per-capture sessions: acquires=%d releases=%d", a, r)
	}
}

func TestRunPass_FailuresAreAttempted(t *testing.T) {
	h := newHarness(t, 3, Config{SessionPolicy: browser.PerPass})
	h.cap.fail["dashboard3"] = true
	if err := h.sched.RunPass(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	p := h.tracker.Snapshot()
	if p.Successful != 2 || p.Failed != 1 || p.Completed != 3 {
		t.Fatalf("progress: %+v", p)
	}
	if h.state.Last().LastIndex != 2 {
		t.Fatalf("a failed capture still advances the checkpoint: %+v", h.state.Last())
	}
	if a, r := h.sessions.counts(); a != 1 || r != 1 {
		t.Fatalf("per-pass sessions: acquires=%d releases=%d", a, r)
	}
}

func TestRunSlot_Rotates(t *testing.T) {
	h := newHarness(t, 3, Config{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := h.sched.RunSlot(ctx); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"dashboard1", "dashboard2", "dashboard3", "dashboard1"}
	if got := h.cap.visited(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	// The fourth slot started a new rotation, so counters were reset.
	p := h.tracker.Snapshot()
	if p.Completed != 1 || p.InProgress {
		t.Fatalf("progress after wrap: %+v", p)
	}
	if h.sched.Cursor() != 1 {
		t.Fatalf("cursor: %d", h.sched.Cursor())
	}
}

func TestRunSlot_CompletesRotation(t *testing.T) {
	h := newHarness(t, 2, Config{})
	ctx := context.Background()
	h.sched.RunSlot(ctx)
	if p := h.tracker.Snapshot(); !p.LastFinishedAt.IsZero() || p.Completed != 1 {
		t.Fatalf("mid-rotation: %+v", p)
	}
	h.sched.RunSlot(ctx)
	if p := h.tracker.Snapshot(); p.LastFinishedAt.IsZero() || p.Completed != 2 {
		t.Fatalf("rotation end: %+v", p)
	}
}

func TestRunSlot_BatchStopsAtEndOfList(t *testing.T) {
	h := newHarness(t, 5, Config{BatchSize: 2, SessionPolicy: browser.PerBatch})
	ctx := context.Background()

	// 5 targets in batches of 2: slots of 2, 2 and 1, then a new rotation.
	wantCursor := []int{2, 4, 0, 2, 4, 0}
	wantCompleted := []int{2, 4, 5, 2, 4, 5}
	for i := range wantCursor {
		if err := h.sched.RunSlot(ctx); err != nil {
			t.Fatal(err)
		}
		p := h.tracker.Snapshot()
		if p.Completed > p.Total {
			t.Fatalf("slot %d: completed %d exceeds total %d", i+1, p.Completed, p.Total)
		}
		if got := h.sched.Cursor(); got != wantCursor[i] {
			t.Fatalf("slot %d: cursor %d, want %d", i+1, got, wantCursor[i])
		}
		if p.Completed != wantCompleted[i] {
			t.Fatalf("slot %d: completed %d, want %d", i+1, p.Completed, wantCompleted[i])
		}
		if wantCursor[i] == 0 && (p.InProgress || p.LastFinishedAt.IsZero() || p.Percentage() != 100) {
			t.Fatalf("slot %d: rotation not completed: %+v", i+1, p)
		}
	}
	if got := len(h.cap.visited()); got != 10 {
		t.Fatalf("captures: %d, want 10", got)
	}
	if want := 20 * time.Minute; SubInterval(time.Hour, 5, 2) != want {
		t.Fatalf("sub-interval: %v, want %v", SubInterval(time.Hour, 5, 2), want)
	}
}

func TestRunSlot_LaunchFailureDoesNotAdvance(t *testing.T) {
	h := newHarness(t, 3, Config{})
	h.sessions.err = fmt.Errorf("%w: no chrome", capture.ErrLaunch)

	err := h.sched.RunSlot(context.Background())
	if !errors.Is(err, capture.ErrLaunch) {
		t.Fatalf("want ErrLaunch, got %v", err)
	}
	if h.sched.Cursor() != 0 {
		t.Fatalf("cursor moved to %d", h.sched.Cursor())
	}
	if h.state.Last() != Empty {
		t.Fatalf("checkpoint touched: %+v", h.state.Last())
	}
	p := h.tracker.Snapshot()
	if p.Completed != 0 || p.Failed != 0 || p.InProgress {
		t.Fatalf("counters touched: %+v", p)
	}
	if len(h.cap.visited()) != 0 {
		t.Fatal("capture ran without a browser")
	}
}

func TestRunPass_ConcurrentBatches(t *testing.T) {
	h := newHarness(t, 7, Config{BatchSize: 3, SessionPolicy: browser.PerBatch})
	// Later targets in a batch finish first.
	h.cap.delay = func(id string) time.Duration {
		switch id {
		case "dashboard1", "dashboard4", "dashboard7":
			return 30 * time.Millisecond
		case "dashboard2", "dashboard5":
			return 15 * time.Millisecond
		}
		return 0
	}
	if err := h.sched.RunPass(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if got := len(h.cap.visited()); got != 7 {
		t.Fatalf("captured %d targets, want 7", got)
	}
	if h.state.Last().LastIndex != 6 {
		t.Fatalf("checkpoint: %+v", h.state.Last())
	}
	if p := h.tracker.Snapshot(); p.Successful != 7 {
		t.Fatalf("progress: %+v", p)
	}
	if a, r := h.sessions.counts(); a != 3 || r != 3 {
		t.Fatalf("per-batch sessions: acquires=%d releases=%d", a, r)
	}
}

func TestNew_PerCaptureWithBatchFallsBackToPerBatch(t *testing.T) {
	h := newHarness(t, 4, Config{BatchSize: 2, SessionPolicy: browser.PerCapture})
	if h.sched.cfg.SessionPolicy != browser.PerBatch {
		t.Fatalf("policy: %q", h.sched.cfg.SessionPolicy)
	}
}

func TestCommitter_InOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	c := newCommitter([]int{5, 6, 0}, func(i int) {
		mu.Lock()
		got = append(got, i)
		mu.Unlock()
	})

	c.done(0)
	c.done(6)
	if len(got) != 0 {
		t.Fatalf("committed ahead of index 5: %v", got)
	}
	c.done(5)
	if !reflect.DeepEqual(got, []int{5, 6, 0}) {
		t.Fatalf("got %v", got)
	}
}

func TestStart_NoCheckpointRunsFullPass(t *testing.T) {
	h := newHarness(t, 3, Config{})
	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := waitCalls(t, h.cap, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sched.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"dashboard1", "dashboard2", "dashboard3"}) {
		t.Fatalf("got %v", got)
	}
	if h.state.Last().LastIndex != 2 {
		t.Fatalf("checkpoint: %+v", h.state.Last())
	}
}

func TestSchedule_AfterStopDoesNotRestart(t *testing.T) {
	h := newHarness(t, 3, Config{})
	cron, err := gocron.NewScheduler()
	if err != nil {
		t.Fatal(err)
	}
	cron.Start()

	ctx, cancel := context.WithCancel(context.Background())
	h.sched.mu.Lock()
	h.sched.cron = cron
	h.sched.cancel = cancel
	h.sched.mu.Unlock()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := h.sched.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// The start goroutine reaching schedule after Stop must not add a job.
	if err := h.sched.schedule(ctx, true); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.sched.mu.Lock()
	job := h.sched.job
	h.sched.mu.Unlock()
	if job != nil {
		t.Fatalf("job added after stop: %s", job.Name())
	}
	if !h.sched.NextRun().IsZero() {
		t.Fatal("next run planned after stop")
	}
	time.Sleep(50 * time.Millisecond)
	if got := h.cap.visited(); len(got) != 0 {
		t.Fatalf("captured after stop: %v", got)
	}
}

func TestStart_ResumesAfterCheckpoint(t *testing.T) {
	h := newHarness(t, 3, Config{})
	if err := h.state.Save(1, target.Fingerprint(h.sched.Targets())); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := waitCalls(t, h.cap, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.sched.Stop(ctx)

	if got[0] != "dashboard3" {
		t.Fatalf("first capture after restart: got %s, want dashboard3", got[0])
	}
	st, _ := NewStateStore(h.state.Path()).Load()
	if st.LastIndex != 2 {
		t.Fatalf("checkpoint after stop: %+v", st)
	}
}

func TestStart_FingerprintMismatchStillResumesByPosition(t *testing.T) {
	h := newHarness(t, 3, Config{})
	h.state.Save(0, "someotherlist")
	h.sched.Start(context.Background())
	got := waitCalls(t, h.cap, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.sched.Stop(ctx)
	if got[0] != "dashboard2" {
		t.Fatalf("got %s, want dashboard2", got[0])
	}
}

func TestStart_ZeroTargets(t *testing.T) {
	h := newHarness(t, 0, Config{})
	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p := h.tracker.Snapshot(); p.Total != 0 || p.InProgress {
		t.Fatalf("progress: %+v", p)
	}
	if a, _ := h.sessions.counts(); a != 0 {
		t.Fatal("no browser should be launched without targets")
	}
}

func TestTracker_ConcurrentRecords(t *testing.T) {
	tr := NewTracker(200)
	tr.BeginPass(200)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 0 {
				tr.RecordFailure(capture.Result{})
			} else {
				tr.RecordSuccess(capture.Result{})
			}
		}(i)
	}
	wg.Wait()
	p := tr.Snapshot()
	if p.Completed != 200 || p.Failed != 50 || p.Successful != 150 {
		t.Fatalf("got %+v", p)
	}
	if p.Percentage() != 100 {
		t.Fatalf("percentage: %d", p.Percentage())
	}
}

func TestTracker_InitialState(t *testing.T) {
	p := NewTracker(5).Snapshot()
	if p.InProgress || p.Completed != 0 || p.Total != 5 || p.Percentage() != 0 {
		t.Fatalf("got %+v", p)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeRotate {
		t.Fatal(m, err)
	}
	if m, err := ParseMode("FULL"); err != nil || m != ModeFull {
		t.Fatal(m, err)
	}
	if _, err := ParseMode("random"); err == nil {
		t.Fatal("want error")
	}
}
