// Package api serves the carousel: captured images, the target listing the
// front-end polls, progress and diagnostics. Handlers only read state; they
// never trigger a capture.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/carousel/browser"
	"github.com/hazyhaar/carousel/history"
	"github.com/hazyhaar/carousel/observability"
	"github.com/hazyhaar/carousel/placeholder"
	"github.com/hazyhaar/carousel/rotation"
	"github.com/hazyhaar/carousel/shield"
	"github.com/hazyhaar/carousel/target"
)

// StateReader exposes the last rotation checkpoint.
type StateReader interface {
	Last() rotation.State
}

// HistoryReader is the part of the history store the API reads.
type HistoryReader interface {
	Recent(ctx context.Context, targetID string, limit int) ([]history.Run, error)
	Stats(ctx context.Context) ([]history.TargetStats, error)
}

// SessionStats reports browser session counters.
type SessionStats interface {
	Stats() browser.Stats
}

// NextRunner reports when the next capture run is due.
type NextRunner interface {
	NextRun() time.Time
}

// Deps are the collaborators of a Server. Only Targets and ShotsDir are
// required.
type Deps struct {
	Targets   []target.Target
	ShotsDir  string
	StaticDir string

	Progress rotation.Reader
	State    StateReader
	History  HistoryReader // nil when history is disabled

	Placeholders *placeholder.Cache
	Process      *observability.Process
	Sessions     SessionStats // nil hides the browser block
	Schedule     NextRunner   // nil hides nextCapture

	// DiagnosticsHash is a bcrypt hash. When set, /api/diagnostics and /mcp
	// require HTTP Basic auth with a matching password.
	DiagnosticsHash []byte
	MCP             bool
	CrashDir        string
	Logger          *slog.Logger
}

// Server holds the read-side view of a running carousel.
type Server struct {
	deps Deps
	log  *slog.Logger
	mcp  *mcp.Server
}

// New creates a Server. Missing optional collaborators get inert defaults.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Progress == nil {
		d.Progress = rotation.NewTracker(len(d.Targets))
	}
	if d.State == nil {
		d.State = rotation.NewStateStore("")
	}
	if d.Placeholders == nil {
		d.Placeholders = placeholder.NewCache(placeholder.DefaultWidth, placeholder.DefaultHeight)
	}
	if d.Process == nil {
		d.Process = observability.NewProcess()
	}
	s := &Server{
		deps: d,
		log:  d.Logger,
	}
	if d.MCP {
		s.mcp = mcp.NewServer(&mcp.Implementation{Name: "carousel", Version: "1.0.0"}, nil)
		s.RegisterMCP(s.mcp)
	}
	return s
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(s.log, s.deps.CrashDir) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(shield.NoStore)
		r.Get("/api/list", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, s.ListTargets(r.Context()))
		})
		r.Get("/api/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.Status())
		})
		r.Get("/api/history", s.handleHistory)

		r.Group(func(r chi.Router) {
			r.Use(basicAuth(s.deps.DiagnosticsHash))
			r.Get("/api/diagnostics", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, s.Diagnostics(r.Context()))
			})
			if s.mcp != nil {
				h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
				r.Handle("/mcp", h)
			}
		})
	})

	r.Get("/shots/{file}", s.handleShot)

	if fi, err := os.Stat(s.deps.StaticDir); err == nil && fi.IsDir() {
		r.Handle("/*", http.FileServer(http.Dir(s.deps.StaticDir)))
	}
	return r
}

// MCPServer returns the MCP server, nil when disabled.
func (s *Server) MCPServer() *mcp.Server { return s.mcp }

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	targetID := r.URL.Query().Get("target")
	limit := queryInt(r, "limit", 50)
	runs, err := s.History(r.Context(), targetID, limit)
	if err != nil {
		shield.GetLogger(r.Context()).Error("api: history", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "enabled": s.deps.History != nil})
}

// History returns recent capture runs; empty when history is disabled.
func (s *Server) History(ctx context.Context, targetID string, limit int) ([]history.Run, error) {
	if s.deps.History == nil {
		return []history.Run{}, nil
	}
	return s.deps.History.Recent(ctx, targetID, limit)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
