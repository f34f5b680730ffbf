package history

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/carousel/capture"
	"github.com/hazyhaar/carousel/dbopen"
	"github.com/hazyhaar/carousel/target"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(dbopen.OpenMemory(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func result(id string, ok bool, started time.Time) capture.Result {
	r := capture.Result{
		Target:    target.Target{ID: id, URL: "https://grafana.local/" + id},
		Success:   ok,
		Attempts:  1,
		StartedAt: started,
		Duration:  2 * time.Second,
		Stage:     capture.StageClosed,
	}
	if ok {
		r.Bytes = 4096
	} else {
		r.Attempts = 2
		r.Stage = capture.StageFailed
		r.Err = errors.New("navigation timeout")
	}
	return r
}

func TestRecordAndRecent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	id, err := s.Record(ctx, result("dashboard1", true, base))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "run_") {
		t.Fatalf("id: %s", id)
	}
	s.Record(ctx, result("dashboard2", false, base.Add(time.Minute)))
	s.Record(ctx, result("dashboard1", false, base.Add(2*time.Minute)))

	all, err := s.Recent(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("runs: %d", len(all))
	}
	if all[0].TargetID != "dashboard1" || all[0].Success {
		t.Fatalf("newest first: %+v", all[0])
	}
	if all[0].Error != "navigation timeout" || all[0].Stage != "failed" {
		t.Fatalf("failure detail: %+v", all[0])
	}

	one, err := s.Recent(ctx, "dashboard1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || one[0].StartedAt.UnixMilli() != base.Add(2*time.Minute).UnixMilli() {
		t.Fatalf("filtered: %+v", one)
	}
	if got := one[0].FinishedAt.Sub(one[0].StartedAt); got != 2*time.Second {
		t.Fatalf("duration: %v", got)
	}
}

func TestRecent_EmptyIsNotNil(t *testing.T) {
	s := newStore(t)
	runs, err := s.Recent(context.Background(), "nope", 10)
	if err != nil {
		t.Fatal(err)
	}
	if runs == nil || len(runs) != 0 {
		t.Fatalf("runs: %#v", runs)
	}
}

func TestStats(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	s.Record(ctx, result("dashboard1", true, base))
	s.Record(ctx, result("dashboard1", false, base.Add(time.Minute)))
	s.Record(ctx, result("dashboard2", false, base))

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats: %+v", stats)
	}
	d1 := stats[0]
	if d1.TargetID != "dashboard1" || d1.Runs != 2 || d1.Successes != 1 || d1.Failures != 1 {
		t.Fatalf("dashboard1: %+v", d1)
	}
	if d1.LastSuccess.UnixMilli() != base.Add(2*time.Second).UnixMilli() {
		t.Fatalf("last success: %v", d1.LastSuccess)
	}
	if !stats[1].LastSuccess.IsZero() {
		t.Fatalf("dashboard2 never succeeded: %+v", stats[1])
	}
}

func TestPrune(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now()
	s.Record(ctx, result("dashboard1", true, now.Add(-10*24*time.Hour)))
	s.Record(ctx, result("dashboard1", true, now))

	n, err := s.Prune(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned: %d", n)
	}
	runs, _ := s.Recent(ctx, "", 0)
	if len(runs) != 1 {
		t.Fatalf("left: %d", len(runs))
	}
}

func TestStartPruner_RunsImmediately(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Record(ctx, result("dashboard1", true, time.Now().Add(-48*time.Hour)))

	if err := s.StartPruner(ctx, time.Hour); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		runs, err := s.Recent(ctx, "", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("old run not pruned")
}

func TestRecorder(t *testing.T) {
	s := newStore(t)
	var rec capture.Recorder = s
	rec.RecordSuccess(result("dashboard1", true, time.Now()))
	rec.RecordFailure(result("dashboard2", false, time.Now()))
	runs, _ := s.Recent(context.Background(), "", 0)
	if len(runs) != 2 {
		t.Fatalf("runs: %d", len(runs))
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "history.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Record(context.Background(), result("dashboard1", true, time.Now())); err != nil {
		t.Fatal(err)
	}
}
