package browser

import (
	"fmt"
	"strings"
)

// Profile is a named set of Chrome launch flags tuned for a memory budget.
type Profile string

const (
	// Constrained keeps a single renderer and a small V8 heap. Suited to
	// containers with 1 GB or less.
	Constrained Profile = "constrained"
	Default     Profile = "default"
	HighMemory  Profile = "high-memory"
)

// ParseProfile maps a configuration string to a Profile.
func ParseProfile(s string) (Profile, error) {
	switch Profile(strings.ToLower(strings.TrimSpace(s))) {
	case "", Constrained:
		return Constrained, nil
	case Default:
		return Default, nil
	case HighMemory, "highmemory", "high_memory":
		return HighMemory, nil
	}
	return "", fmt.Errorf("browser: unknown profile %q", s)
}

// Flag is one Chrome command-line switch. Empty Value means a bare switch.
type Flag struct {
	Name  string
	Value string
}

// Flags returns the launch switches for p, without leading dashes.
// Headless mode is added by the drivers.
func (p Profile) Flags() []Flag {
	switch p {
	case HighMemory:
		return []Flag{
			{Name: "no-sandbox"},
			{Name: "js-flags", Value: "--max-old-space-size=2048"},
		}
	case Default:
		return []Flag{
			{Name: "no-sandbox"},
			{Name: "disable-dev-shm-usage"},
			{Name: "disable-gpu"},
		}
	default:
		return []Flag{
			{Name: "no-sandbox"},
			{Name: "disable-dev-shm-usage"},
			{Name: "disable-gpu"},
			{Name: "disable-extensions"},
			{Name: "renderer-process-limit", Value: "1"},
			{Name: "js-flags", Value: "--max-old-space-size=400"},
		}
	}
}

// SessionPolicy controls how long one browser session lives.
type SessionPolicy string

const (
	// PerPass keeps one session for a whole pass or slot.
	PerPass SessionPolicy = "pass"
	// PerBatch relaunches around every concurrent batch.
	PerBatch SessionPolicy = "batch"
	// PerCapture relaunches for every target. Slowest, lowest peak memory.
	PerCapture SessionPolicy = "capture"
)

// ParseSessionPolicy maps a configuration string to a SessionPolicy.
func ParseSessionPolicy(s string) (SessionPolicy, error) {
	switch SessionPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PerCapture:
		return PerCapture, nil
	case PerBatch:
		return PerBatch, nil
	case PerPass:
		return PerPass, nil
	}
	return "", fmt.Errorf("browser: unknown session policy %q", s)
}
