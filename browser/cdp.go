package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/hazyhaar/carousel/capture"
)

// ChromedpDriver launches Chrome through chromedp. It is the fallback for
// hosts where the rod launcher cannot manage the process.
type ChromedpDriver struct {
	Bin       string
	RemoteURL string
	Logger    *slog.Logger
}

// Launch allocates a browser and starts it with an empty run.
func (d *ChromedpDriver) Launch(ctx context.Context, p Profile) (Session, error) {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	base := context.WithoutCancel(ctx)

	var (
		allocCtx    context.Context
		cancelAlloc context.CancelFunc
	)
	if d.RemoteURL != "" {
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(base, d.RemoteURL)
	} else {
		opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		for _, f := range p.Flags() {
			if f.Value == "" {
				opts = append(opts, chromedp.Flag(f.Name, true))
			} else {
				opts = append(opts, chromedp.Flag(f.Name, f.Value))
			}
		}
		if d.Bin != "" {
			opts = append(opts, chromedp.ExecPath(d.Bin))
		}
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(base, opts...)
	}

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	if err := runUntil(ctx, browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("browser: chromedp start: %w", err)
	}
	log.Info("browser: chromedp session started", "profile", p, "remote", d.RemoteURL != "")

	return &cdpSession{ctx: browserCtx, cancel: cancelBrowser, cancelAlloc: cancelAlloc}, nil
}

type cdpSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	cancelAlloc context.CancelFunc
}

func (s *cdpSession) NewPage(ctx context.Context, opts capture.PageOptions) (capture.Page, error) {
	tabCtx, cancel := chromedp.NewContext(s.ctx)
	p := &cdpPage{ctx: tabCtx, cancel: cancel, cookies: opts.Cookies}

	// The first Run on a tab binds the target to the context it is given,
	// so it must be the tab context itself and not a deadline-scoped child.
	if err := runUntil(ctx, tabCtx); err != nil {
		p.Close()
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	v := opts.Viewport
	actions := chromedp.Tasks{
		network.Enable(),
		page.SetLifecycleEventsEnabled(true),
		chromedp.EmulateViewport(int64(v.Width), int64(v.Height), chromedp.EmulateScale(v.Scale)),
	}
	if len(opts.Headers) > 0 {
		h := make(network.Headers, len(opts.Headers))
		for k, val := range opts.Headers {
			h[k] = val
		}
		actions = append(actions, network.SetExtraHTTPHeaders(h))
	}

	runCtx, done := p.scope(ctx)
	defer done()
	if err := chromedp.Run(runCtx, actions); err != nil {
		p.Close()
		return nil, fmt.Errorf("browser: open tab: %w", err)
	}
	return p, nil
}

// runUntil performs the empty first Run on target, giving up when ctx ends.
func runUntil(ctx, target context.Context) error {
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(target) }()
	select {
	case err := <-started:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *cdpSession) Close() error {
	err := chromedp.Cancel(s.ctx)
	s.cancel()
	s.cancelAlloc()
	return err
}

type cdpPage struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cookies []capture.Cookie
}

// scope derives a context from the tab that also ends with ctx.
func (p *cdpPage) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(p.ctx)
	if dl, ok := ctx.Deadline(); ok {
		var cancelDL context.CancelFunc
		runCtx, cancelDL = context.WithDeadline(runCtx, dl)
		prev := cancel
		cancel = func() { cancelDL(); prev() }
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() { stop(); cancel() }
}

// Goto navigates and waits for the main frame's lifecycle event matching
// until. Events from the previous document are ignored by tracking the
// loader of the first "init" event after navigation starts.
func (p *cdpPage) Goto(ctx context.Context, rawURL string, until capture.WaitUntil) error {
	runCtx, done := p.scope(ctx)
	defer done()

	want := string(lifecycleEvent(until))
	var (
		mu     sync.Mutex
		loader cdp.LoaderID
		fired  bool
	)
	notify := make(chan struct{}, 1)
	chromedp.ListenTarget(runCtx, func(ev interface{}) {
		e, ok := ev.(*page.EventLifecycleEvent)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch {
		case e.Name == "init" && loader == "":
			loader = e.LoaderID
		case e.Name == want && loader != "" && e.LoaderID == loader:
			fired = true
			select {
			case notify <- struct{}{}:
			default:
			}
		}
	})

	var actions chromedp.Tasks
	if len(p.cookies) > 0 {
		params := make([]*network.CookieParam, 0, len(p.cookies))
		for _, c := range p.cookies {
			params = append(params, &network.CookieParam{
				Name:   c.Name,
				Value:  c.Value,
				Domain: cookieDomain(c.Domain, rawURL),
				Path:   c.Path,
			})
		}
		actions = append(actions, network.SetCookies(params))
	}
	actions = append(actions, chromedp.Navigate(rawURL))
	if err := chromedp.Run(runCtx, actions); err != nil {
		return err
	}

	for {
		mu.Lock()
		ok := fired
		mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-notify:
		case <-runCtx.Done():
			return runCtx.Err()
		}
	}
}

func (p *cdpPage) EvaluateCount(ctx context.Context, selector string) (int, error) {
	runCtx, done := p.scope(ctx)
	defer done()
	lit, err := json.Marshal(selector)
	if err != nil {
		return 0, err
	}
	var n int
	if err := chromedp.Run(runCtx, chromedp.Evaluate("document.querySelectorAll("+string(lit)+").length", &n)); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *cdpPage) Screenshot(ctx context.Context, clip capture.Region) ([]byte, error) {
	runCtx, done := p.scope(ctx)
	defer done()
	var buf []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(&page.Viewport{
				X:      float64(clip.X),
				Y:      float64(clip.Y),
				Width:  float64(clip.Width),
				Height: float64(clip.Height),
				Scale:  clip.Scale,
			}).Do(ctx)
		return err
	}))
	return buf, err
}

func (p *cdpPage) Close() error {
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	return err
}
