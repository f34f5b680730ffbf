package rotation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hazyhaar/carousel/capture"
	"github.com/hazyhaar/carousel/target"
)

type nopBrowser struct{}

func (nopBrowser) NewPage(context.Context, capture.PageOptions) (capture.Page, error) {
	return nil, errors.New("nop browser")
}

type fakeSessions struct {
	mu       sync.Mutex
	acquires int
	releases int
	err      error
}

func (f *fakeSessions) Acquire(context.Context) (capture.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.err != nil {
		return nil, f.err
	}
	return nopBrowser{}, nil
}

func (f *fakeSessions) Release(context.Context) {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
}

func (f *fakeSessions) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires, f.releases
}

// fakeCapturer records the visit order and reports to rec.
type fakeCapturer struct {
	mu    sync.Mutex
	order []string
	calls chan string
	delay func(id string) time.Duration
	fail  map[string]bool
	rec   capture.Recorder
}

func newFakeCapturer(rec capture.Recorder) *fakeCapturer {
	return &fakeCapturer{calls: make(chan string, 256), rec: rec, fail: map[string]bool{}}
}

func (f *fakeCapturer) Capture(ctx context.Context, b capture.Browser, t target.Target) capture.Result {
	if f.delay != nil {
		time.Sleep(f.delay(t.ID))
	}
	f.mu.Lock()
	f.order = append(f.order, t.ID)
	failed := f.fail[t.ID]
	f.mu.Unlock()

	res := capture.Result{Target: t, Success: !failed, Attempts: 1}
	if f.rec != nil {
		if failed {
			res.Err = capture.ErrNavigation
			f.rec.RecordFailure(res)
		} else {
			f.rec.RecordSuccess(res)
		}
	}
	select {
	case f.calls <- t.ID:
	default:
	}
	return res
}

func (f *fakeCapturer) visited() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}
