// Package capture renders one target in a browser page and writes the
// cropped screenshot to disk. It knows nothing about scheduling: callers
// decide which target to capture and when, and own the rotation checkpoint.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/carousel/target"
)

// Stage is the position of one attempt in the capture state machine.
type Stage int

const (
	StageIdle Stage = iota
	StagePageOpened
	StageNavigated
	StageSettled
	StageScreenshotted
	StageClosed
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StagePageOpened:
		return "page_opened"
	case StageNavigated:
		return "navigated"
	case StageSettled:
		return "settled"
	case StageScreenshotted:
		return "screenshotted"
	case StageClosed:
		return "closed"
	case StageFailed:
		return "failed"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Options controls one capture.
type Options struct {
	Viewport          Viewport
	WaitUntil         WaitUntil
	PageTimeout       time.Duration
	SettleDelay       time.Duration
	LoadingSelector   string
	LoadingExtension  time.Duration
	ScreenshotTimeout time.Duration
	MaxAttempts       int
	Backoff           time.Duration
	Auth              Auth
}

// DefaultOptions returns the production capture settings.
func DefaultOptions() Options {
	return Options{
		Viewport:          Viewport{Width: 3200, Height: 1800, Scale: 1},
		WaitUntil:         WaitNetworkIdle,
		PageTimeout:       90 * time.Second,
		SettleDelay:       90 * time.Second,
		LoadingSelector:   DefaultLoadingSelector,
		LoadingExtension:  30 * time.Second,
		ScreenshotTimeout: 45 * time.Second,
		MaxAttempts:       2,
		Backoff:           5 * time.Second,
	}
}

// DefaultLoadingSelector matches the spinners of the common dashboard tools.
const DefaultLoadingSelector = `[class*="loading"], [class*="Loading"], .dt-loading`

// Result is the outcome of Capture after all attempts.
type Result struct {
	Target    target.Target
	Success   bool
	Attempts  int
	Bytes     int
	Path      string
	Stage     Stage
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// Recorder receives exactly one call per Capture.
type Recorder interface {
	RecordSuccess(r Result)
	RecordFailure(r Result)
}

type multiRecorder []Recorder

func (m multiRecorder) RecordSuccess(r Result) {
	for _, rec := range m {
		rec.RecordSuccess(r)
	}
}

func (m multiRecorder) RecordFailure(r Result) {
	for _, rec := range m {
		rec.RecordFailure(r)
	}
}

// MultiRecorder fans results out to every non-nil recorder in order.
func MultiRecorder(recs ...Recorder) Recorder {
	var m multiRecorder
	for _, r := range recs {
		if r != nil {
			m = append(m, r)
		}
	}
	return m
}

// Executor runs captures against a Browser.
type Executor struct {
	dir    string
	opts   Options
	rec    Recorder
	logger *slog.Logger
}

// New creates an Executor writing images under dir.
func New(dir string, opts Options, rec Recorder, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = MultiRecorder()
	}
	if opts.WaitUntil == "" {
		opts.WaitUntil = WaitNetworkIdle
	}
	return &Executor{dir: dir, opts: opts, rec: rec, logger: logger}
}

// Dir returns the image output directory.
func (e *Executor) Dir() string { return e.dir }

// Capture renders t in a new page of b and writes its image. Failed attempts
// are retried with a fixed backoff; the prior image is left untouched when
// every attempt fails.
func (e *Executor) Capture(ctx context.Context, b Browser, t target.Target) Result {
	res := Result{
		Target:    t,
		Path:      ImagePath(e.dir, t.ID),
		StartedAt: time.Now(),
	}
	log := e.logger.With("target", t.ID)

	err := WithRetry(ctx, e.opts.MaxAttempts, e.opts.Backoff, func(attempt int) error {
		res.Attempts = attempt
		n, stage, err := e.attempt(ctx, b, t, res.Path)
		res.Stage = stage
		if err != nil {
			log.Warn("capture: attempt failed",
				"attempt", attempt, "max_attempts", e.opts.MaxAttempts,
				"stage", stage, "error", err)
			return err
		}
		res.Bytes = n
		return nil
	})
	res.Duration = time.Since(res.StartedAt)

	if err != nil {
		res.Err = err
		log.Error("capture: failed", "attempts", res.Attempts, "duration", res.Duration, "error", err)
		e.rec.RecordFailure(res)
		return res
	}
	res.Success = true
	log.Info("capture: saved", "path", res.Path, "bytes", res.Bytes,
		"attempts", res.Attempts, "duration", res.Duration)
	e.rec.RecordSuccess(res)
	return res
}

// attempt runs one pass of the state machine. The page is always closed.
func (e *Executor) attempt(ctx context.Context, b Browser, t target.Target, path string) (n int, stage Stage, err error) {
	stage = StageIdle
	fail := func(class, cause error) (int, Stage, error) {
		at := stage
		stage = StageFailed
		return 0, stage, &StageError{Stage: at, Err: classify(class, cause)}
	}

	page, err := b.NewPage(ctx, PageOptions{
		Viewport: e.opts.Viewport,
		Headers:  e.opts.Auth.Headers,
		Cookies:  e.opts.Auth.Cookies,
	})
	if err != nil {
		return fail(ErrPageOpen, err)
	}
	stage = StagePageOpened
	defer func() {
		if cerr := page.Close(); cerr != nil {
			e.logger.Debug("capture: page close", "target", t.ID, "error", cerr)
		}
		if err == nil {
			stage = StageClosed
		}
	}()

	if err := e.navigate(ctx, page, t.URL); err != nil {
		return fail(ErrNavigation, err)
	}
	stage = StageNavigated

	if err := sleep(ctx, e.opts.SettleDelay); err != nil {
		return fail(nil, err)
	}
	if e.opts.LoadingSelector != "" && e.opts.LoadingExtension > 0 {
		count, perr := page.EvaluateCount(ctx, e.opts.LoadingSelector)
		if perr != nil {
			e.logger.Debug("capture: loading check", "target", t.ID, "error", perr)
		} else if count > 0 {
			e.logger.Info("capture: loading indicators present, extending wait",
				"target", t.ID, "count", count, "extension", e.opts.LoadingExtension)
			if err := sleep(ctx, e.opts.LoadingExtension); err != nil {
				return fail(nil, err)
			}
		}
	}
	stage = StageSettled

	data, err := e.screenshot(ctx, page)
	if err != nil {
		return fail(ErrScreenshot, err)
	}
	if err := WriteFileAtomic(path, data); err != nil {
		return fail(ErrScreenshot, err)
	}
	stage = StageScreenshotted
	return len(data), stage, nil
}

func (e *Executor) navigate(ctx context.Context, page Page, url string) error {
	navCtx := ctx
	if e.opts.PageTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, e.opts.PageTimeout)
		defer cancel()
	}
	err := page.Goto(navCtx, url, e.opts.WaitUntil)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(navCtx.Err(), context.DeadlineExceeded)) {
		return classify(ErrNavigationTimeout, err)
	}
	return classify(ErrNavigation, err)
}

func (e *Executor) screenshot(ctx context.Context, page Page) ([]byte, error) {
	shotCtx := ctx
	if e.opts.ScreenshotTimeout > 0 {
		var cancel context.CancelFunc
		shotCtx, cancel = context.WithTimeout(ctx, e.opts.ScreenshotTimeout)
		defer cancel()
	}
	data, err := page.Screenshot(shotCtx, CropRegion(e.opts.Viewport))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	return data, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
