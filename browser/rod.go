package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/carousel/capture"
)

// RodDriver launches Chrome through go-rod.
type RodDriver struct {
	// Bin overrides the Chrome binary. Empty lets the launcher find or
	// download one.
	Bin string

	// RemoteURL connects to an external Chrome instead of launching one.
	// Accepts a ws:// DevTools URL or an http://host:port endpoint.
	RemoteURL string

	// Stealth opens pages through go-rod/stealth.
	Stealth bool

	Logger *slog.Logger
}

func (d *RodDriver) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Launch starts (or connects to) Chrome with the flags of p.
func (d *RodDriver) Launch(ctx context.Context, p Profile) (Session, error) {
	log := d.logger()

	var (
		wsURL string
		lnch  *launcher.Launcher
	)
	if d.RemoteURL != "" {
		u := d.RemoteURL
		if !strings.HasPrefix(u, "ws") {
			resolved, err := launcher.ResolveURL(u)
			if err != nil {
				return nil, fmt.Errorf("browser: resolve %s: %w", u, err)
			}
			u = resolved
		}
		wsURL = u
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Context(ctx).Headless(true)
		if d.Bin != "" {
			l = l.Bin(d.Bin)
		}
		for _, f := range p.Flags() {
			if f.Name == "no-sandbox" {
				l = l.NoSandbox(true)
				continue
			}
			if f.Value == "" {
				l = l.Set(flags.Flag(f.Name))
			} else {
				l = l.Set(flags.Flag(f.Name), f.Value)
			}
		}
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		lnch = l
		log.Info("browser: launched local chrome", "profile", p, "stealth", d.Stealth)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if lnch != nil {
			lnch.Cleanup()
		}
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browser: ignore cert errors failed", "error", err)
	}
	return &rodSession{browser: b, lnch: lnch, stealth: d.Stealth}, nil
}

type rodSession struct {
	browser *rod.Browser
	lnch    *launcher.Launcher
	stealth bool
}

func (s *rodSession) NewPage(ctx context.Context, opts capture.PageOptions) (capture.Page, error) {
	var (
		page *rod.Page
		err  error
	)
	if s.stealth {
		page, err = stealth.Page(s.browser)
	} else {
		page, err = s.browser.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	v := opts.Viewport
	if err := page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             v.Width,
		Height:            v.Height,
		DeviceScaleFactor: v.Scale,
	}); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: set viewport: %w", err)
	}

	if len(opts.Headers) > 0 {
		dict := make([]string, 0, 2*len(opts.Headers))
		for k, val := range opts.Headers {
			dict = append(dict, k, val)
		}
		if _, err := page.Context(ctx).SetExtraHeaders(dict); err != nil {
			page.Close()
			return nil, fmt.Errorf("browser: set headers: %w", err)
		}
	}

	return &rodPage{page: page, cookies: opts.Cookies}, nil
}

func (s *rodSession) Close() error {
	err := s.browser.Close()
	if s.lnch != nil {
		s.lnch.Cleanup()
	}
	return err
}

type rodPage struct {
	page    *rod.Page
	cookies []capture.Cookie
}

// Goto sets pending cookies, navigates and blocks until the lifecycle event
// matching until fires or ctx ends.
func (p *rodPage) Goto(ctx context.Context, rawURL string, until capture.WaitUntil) error {
	page := p.page.Context(ctx)

	if len(p.cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(p.cookies))
		for _, c := range p.cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name:   c.Name,
				Value:  c.Value,
				Domain: cookieDomain(c.Domain, rawURL),
				Path:   c.Path,
			})
		}
		if err := page.SetCookies(params); err != nil {
			return fmt.Errorf("set cookies: %w", err)
		}
	}

	wait := page.WaitNavigation(lifecycleEvent(until))
	if err := page.Navigate(rawURL); err != nil {
		return err
	}
	wait()
	return ctx.Err()
}

func (p *rodPage) EvaluateCount(ctx context.Context, selector string) (int, error) {
	res, err := p.page.Context(ctx).Eval(`(sel) => document.querySelectorAll(sel).length`, selector)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

func (p *rodPage) Screenshot(ctx context.Context, clip capture.Region) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
		Clip: &proto.PageViewport{
			X:      float64(clip.X),
			Y:      float64(clip.Y),
			Width:  float64(clip.Width),
			Height: float64(clip.Height),
			Scale:  clip.Scale,
		},
	})
}

func (p *rodPage) Close() error {
	return p.page.Close()
}

func lifecycleEvent(until capture.WaitUntil) proto.PageLifecycleEventName {
	switch until {
	case capture.WaitLoad:
		return proto.PageLifecycleEventNameLoad
	case capture.WaitDOMContentLoaded:
		return proto.PageLifecycleEventNameDOMContentLoaded
	default:
		return proto.PageLifecycleEventNameNetworkAlmostIdle
	}
}

// cookieDomain falls back to the target host when no domain is configured.
func cookieDomain(domain, rawURL string) string {
	if domain != "" {
		return domain
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
