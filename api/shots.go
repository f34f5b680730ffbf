package api

import (
	"bytes"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/carousel/horosafe"
	"github.com/hazyhaar/carousel/shield"
	"github.com/hazyhaar/carousel/target"
)

// handleShot serves <id>.png from the shots directory. A known target
// without an image yet gets the placeholder, marked uncacheable so the
// real capture shows up as soon as it exists.
func (s *Server) handleShot(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	path, err := horosafe.FileIn(s.deps.ShotsDir, file)
	if err != nil || !strings.HasSuffix(file, ".png") {
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		fi, err := f.Stat()
		if err == nil && fi.Mode().IsRegular() {
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Cache-Control", "no-cache")
			http.ServeContent(w, r, file, fi.ModTime(), f)
			return
		}
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		shield.GetLogger(r.Context()).Warn("api: open image", "file", file, "error", err)
	}

	id := strings.TrimSuffix(file, ".png")
	if target.Index(s.deps.Targets, id) < 0 {
		http.NotFound(w, r)
		return
	}
	img, err := s.deps.Placeholders.Get(id)
	if err != nil {
		shield.GetLogger(r.Context()).Error("api: placeholder", "target", id, "error", err)
		http.Error(w, "placeholder unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, max-age=0")
	w.Header().Set("X-Placeholder", "true")
	http.ServeContent(w, r, file, time.Time{}, bytes.NewReader(img))
}
