package api

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hazyhaar/carousel/browser"
	"github.com/hazyhaar/carousel/capture"
	"github.com/hazyhaar/carousel/history"
	"github.com/hazyhaar/carousel/observability"
	"github.com/hazyhaar/carousel/rotation"
)

// Item is one entry of the listing.
type Item struct {
	ID           string    `json:"id"`
	Img          string    `json:"img"`
	Title        string    `json:"title"`
	Available    bool      `json:"available"`
	LastModified time.Time `json:"lastModified"`
	Size         int64     `json:"size"`
}

// StateView is a checkpoint with its age.
type StateView struct {
	rotation.State
	Age        int64 `json:"age"` // seconds
	AgeMinutes int64 `json:"ageMinutes"`
}

// ListServer is the server block of the listing.
type ListServer struct {
	observability.ProcessInfo
	LastState StateView `json:"lastState"`
}

// Listing is the /api/list response.
type Listing struct {
	Items       []Item     `json:"items"`
	GeneratedAt time.Time  `json:"generatedAt"`
	Loading     bool       `json:"loading"`
	Progress    int        `json:"progress"`
	Total       int        `json:"total"`
	Available   int        `json:"available"`
	Server      ListServer `json:"server"`
}

// StatusReport is the /api/status response.
type StatusReport struct {
	Timestamp        int64                     `json:"timestamp"` // unix ms
	Datetime         time.Time                 `json:"datetime"`
	Loading          bool                      `json:"loading"`
	Progress         int                       `json:"progress"`
	Total            int                       `json:"total"`
	Successful       int                       `json:"successful"`
	Failed           int                       `json:"failed"`
	Percentage       int                       `json:"percentage"`
	Current          string                    `json:"current,omitempty"`
	Server           observability.ProcessInfo `json:"server"`
	LastCaptureState rotation.State            `json:"lastCaptureState"`
	AgeSeconds       int64                     `json:"ageSeconds"`
}

// FileReport describes one image file in the diagnostics.
type FileReport struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	Path      string     `json:"path"`
	Exists    bool       `json:"exists"`
	Size      int64      `json:"size"`
	SizeHuman string     `json:"sizeHuman,omitempty"`
	Modified  *time.Time `json:"modified"`
	Age       *float64   `json:"age"` // seconds
	AgeHuman  string     `json:"ageHuman,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// CaptureReport is the capture block of the diagnostics.
type CaptureReport struct {
	rotation.Progress
	LastState   StateView `json:"lastState"`
	NextCapture time.Time `json:"nextCapture,omitzero"`
}

// DiagnosticsReport is the /api/diagnostics response.
type DiagnosticsReport struct {
	Timestamp int64                     `json:"timestamp"`
	Datetime  time.Time                 `json:"datetime"`
	Process   observability.ProcessInfo `json:"process"`
	GoVersion string                    `json:"goVersion"`
	StateFile string                    `json:"stateFile,omitempty"`
	Capture   CaptureReport             `json:"capture"`
	Browser   *browser.Stats            `json:"browser,omitempty"`
	Files     []FileReport              `json:"files"`
	History   []history.TargetStats     `json:"history,omitempty"`
}

// ListTargets reports every target with its image availability, read from
// the filesystem on each call. A stat failure marks only that entry
// unavailable.
func (s *Server) ListTargets(_ context.Context) Listing {
	now := time.Now()
	p := s.deps.Progress.Snapshot()
	items := make([]Item, 0, len(s.deps.Targets))
	available := 0
	for _, t := range s.deps.Targets {
		item := Item{ID: t.ID, Title: t.ID, LastModified: time.UnixMilli(0).UTC()}
		fi, err := os.Stat(capture.ImagePath(s.deps.ShotsDir, t.ID))
		switch {
		case err == nil && fi.Mode().IsRegular():
			item.Available = true
			item.LastModified = fi.ModTime().UTC()
			item.Size = fi.Size()
			available++
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			s.log.Warn("api: stat image", "target", t.ID, "error", err)
		}
		item.Img = fmt.Sprintf("/shots/%s.png?t=%d", t.ID, item.LastModified.UnixMilli())
		items = append(items, item)
	}

	return Listing{
		Items:       items,
		GeneratedAt: now.UTC(),
		Loading:     p.InProgress,
		Progress:    p.Completed,
		Total:       s.total(p),
		Available:   available,
		Server: ListServer{
			ProcessInfo: s.deps.Process.Info(),
			LastState:   s.stateView(now),
		},
	}
}

// Status reports the capture counters and the last checkpoint.
func (s *Server) Status() StatusReport {
	now := time.Now()
	p := s.deps.Progress.Snapshot()
	p.Total = s.total(p)
	st := s.deps.State.Last()
	return StatusReport{
		Timestamp:        now.UnixMilli(),
		Datetime:         now.UTC(),
		Loading:          p.InProgress,
		Progress:         p.Completed,
		Total:            p.Total,
		Successful:       p.Successful,
		Failed:           p.Failed,
		Percentage:       p.Percentage(),
		Current:          p.Current,
		Server:           s.deps.Process.Info(),
		LastCaptureState: st,
		AgeSeconds:       int64(st.Age(now).Seconds()),
	}
}

// Diagnostics reports per-file details, process metadata and history
// totals.
func (s *Server) Diagnostics(ctx context.Context) DiagnosticsReport {
	now := time.Now()
	p := s.deps.Progress.Snapshot()
	p.Total = s.total(p)

	files := make([]FileReport, 0, len(s.deps.Targets))
	for _, t := range s.deps.Targets {
		path := capture.ImagePath(s.deps.ShotsDir, t.ID)
		fr := FileReport{ID: t.ID, URL: t.URL, Path: path}
		fi, err := os.Stat(path)
		switch {
		case err == nil:
			mod := fi.ModTime()
			age := now.Sub(mod).Seconds()
			fr.Exists = true
			fr.Size = fi.Size()
			fr.SizeHuman = humanize.Bytes(uint64(fi.Size()))
			fr.Modified = &mod
			fr.Age = &age
			fr.AgeHuman = humanize.RelTime(mod, now, "ago", "from now")
		case !errors.Is(err, fs.ErrNotExist):
			fr.Error = err.Error()
		}
		files = append(files, fr)
	}

	report := DiagnosticsReport{
		Timestamp: now.UnixMilli(),
		Datetime:  now.UTC(),
		Process:   s.deps.Process.Info(),
		GoVersion: runtime.Version(),
		Capture:   CaptureReport{Progress: p, LastState: s.stateView(now)},
		Files:     files,
	}
	if st, ok := s.deps.State.(interface{ Path() string }); ok {
		report.StateFile = st.Path()
	}
	if s.deps.Sessions != nil {
		bs := s.deps.Sessions.Stats()
		report.Browser = &bs
	}
	if s.deps.Schedule != nil {
		report.Capture.NextCapture = s.deps.Schedule.NextRun()
	}
	if s.deps.History != nil {
		stats, err := s.deps.History.Stats(ctx)
		if err != nil {
			s.log.Warn("api: history stats", "error", err)
		}
		report.History = stats
	}
	return report
}

func (s *Server) total(p rotation.Progress) int {
	if p.Total > 0 {
		return p.Total
	}
	return len(s.deps.Targets)
}

func (s *Server) stateView(now time.Time) StateView {
	st := s.deps.State.Last()
	age := st.Age(now)
	return StateView{
		State:      st,
		Age:        int64(age.Round(time.Second).Seconds()),
		AgeMinutes: int64(age.Round(time.Minute).Minutes()),
	}
}
