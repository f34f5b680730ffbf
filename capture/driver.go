package capture

import (
	"context"
	"fmt"
	"strings"
)

// Browser opens pages. Implementations must allow concurrent NewPage calls.
type Browser interface {
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
}

// Page is a single tab. Close must be safe to call after any failure.
type Page interface {
	Goto(ctx context.Context, url string, until WaitUntil) error
	EvaluateCount(ctx context.Context, selector string) (int, error)
	Screenshot(ctx context.Context, clip Region) ([]byte, error)
	Close() error
}

// PageOptions are applied when the page is created, before navigation.
type PageOptions struct {
	Viewport Viewport
	Headers  map[string]string
	Cookies  []Cookie
}

// Viewport is the emulated device size.
type Viewport struct {
	Width  int
	Height int
	Scale  float64
}

// Region is a clip rectangle in CSS pixels.
type Region struct {
	X, Y          int
	Width, Height int
	Scale         float64
}

// CropRegion returns the top-left two thirds of v in each dimension.
func CropRegion(v Viewport) Region {
	scale := v.Scale
	if scale <= 0 {
		scale = 1
	}
	return Region{
		Width:  v.Width * 2 / 3,
		Height: v.Height * 2 / 3,
		Scale:  scale,
	}
}

// Cookie is a session cookie injected before navigation.
type Cookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
}

// Auth carries the credentials sent with every page.
type Auth struct {
	Headers map[string]string
	Cookies []Cookie
}

// WaitUntil is the navigation completion condition.
type WaitUntil string

const (
	WaitNetworkIdle      WaitUntil = "networkidle"
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
)

// ParseWaitUntil maps a configuration string to a WaitUntil.
func ParseWaitUntil(s string) (WaitUntil, error) {
	switch WaitUntil(strings.ToLower(strings.TrimSpace(s))) {
	case "", WaitNetworkIdle, "networkidle2", "networkidle0":
		return WaitNetworkIdle, nil
	case WaitLoad:
		return WaitLoad, nil
	case WaitDOMContentLoaded:
		return WaitDOMContentLoaded, nil
	}
	return "", fmt.Errorf("capture: unknown wait condition %q", s)
}

// ParseHeaders parses "Name:Value,Name2:Value2". Entries without a colon
// are skipped.
func ParseHeaders(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		out[name] = strings.TrimSpace(value)
	}
	return out
}

// ParseCookies parses "name=value,name2=value2" and applies domain and path
// to every cookie.
func ParseCookies(raw, domain, path string) []Cookie {
	if path == "" {
		path = "/"
	}
	var out []Cookie
	for _, part := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		out = append(out, Cookie{
			Name:   name,
			Value:  strings.TrimSpace(value),
			Domain: domain,
			Path:   path,
		})
	}
	return out
}
