package capture

import (
	"context"
	"sync"
)

// fakePage scripts one page. Zero values mean success.
type fakePage struct {
	gotoErr  error
	count    int
	countErr error
	shot     []byte
	shotErr  error

	mu         sync.Mutex
	countCalls int
	clip       Region
	closed     bool
	gotoURL    string
}

func (p *fakePage) Goto(ctx context.Context, url string, _ WaitUntil) error {
	p.mu.Lock()
	p.gotoURL = url
	p.mu.Unlock()
	return p.gotoErr
}

func (p *fakePage) EvaluateCount(ctx context.Context, selector string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.countCalls++
	return p.count, p.countErr
}

func (p *fakePage) Screenshot(ctx context.Context, clip Region) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clip = clip
	if p.shotErr != nil {
		return nil, p.shotErr
	}
	if p.shot == nil {
		return []byte("\x89PNG fake"), nil
	}
	return p.shot, nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// fakeBrowser hands out pages built by next, one per NewPage call.
type fakeBrowser struct {
	next    func(n int) (*fakePage, error)
	mu      sync.Mutex
	pages   []*fakePage
	options []PageOptions
}

func (b *fakeBrowser) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.options = append(b.options, opts)
	p, err := b.next(len(b.options))
	if err != nil {
		return nil, err
	}
	b.pages = append(b.pages, p)
	return p, nil
}

func (b *fakeBrowser) allClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.pages {
		p.mu.Lock()
		c := p.closed
		p.mu.Unlock()
		if !c {
			return false
		}
	}
	return true
}

type countRecorder struct {
	mu        sync.Mutex
	successes int
	failures  int
	last      Result
}

func (r *countRecorder) RecordSuccess(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes++
	r.last = res
}

func (r *countRecorder) RecordFailure(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	r.last = res
}
