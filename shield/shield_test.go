package shield

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/carousel/kit"
)

func chain(h http.Handler, mws []func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func TestDefaultStack_HeadersAndTrace(t *testing.T) {
	var traceID string
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = kit.GetTraceID(r.Context())
		if GetLogger(r.Context()) == nil {
			t.Error("no request logger")
		}
		w.Write([]byte("ok"))
	}), DefaultStack(nil, t.TempDir()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/list", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if traceID == "" || rec.Header().Get("X-Trace-ID") != traceID {
		t.Fatalf("trace id: ctx=%q header=%q", traceID, rec.Header().Get("X-Trace-ID"))
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
	if !strings.Contains(rec.Header().Get("Content-Security-Policy"), "img-src 'self' data: blob:") {
		t.Fatalf("csp: %s", rec.Header().Get("Content-Security-Policy"))
	}
}

func TestHeadToGet(t *testing.T) {
	var method string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodHead, "/shots/dashboard1.png", nil))
	if method != http.MethodGet {
		t.Fatalf("method: %s", method)
	}
}

func TestRecover_WritesCrashRecord(t *testing.T) {
	dir := t.TempDir()
	h := Recover(nil, dir)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	if len(matches) != 1 {
		t.Fatalf("crash records: %v", matches)
	}
	data, _ := os.ReadFile(matches[0])
	if !strings.Contains(string(data), "boom") || !strings.Contains(string(data), "/api/status") {
		t.Fatalf("record: %s", data)
	}
}

func TestMaxBody(t *testing.T) {
	h := MaxBody(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, "too large", http.StatusRequestEntityTooLarge)
		}
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("0123456789")))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestDefaultStack_CapsMCPBody(t *testing.T) {
	var readErr error
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.Copy(io.Discard, r.Body)
	}), DefaultStack(nil, t.TempDir()))

	body := strings.NewReader(strings.Repeat("x", MaxRequestBody))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/mcp", body))
	if readErr != nil {
		t.Fatalf("body at the cap rejected: %v", readErr)
	}

	body = strings.NewReader(strings.Repeat("x", MaxRequestBody+1))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/mcp", body))
	var mbe *http.MaxBytesError
	if !errors.As(readErr, &mbe) || mbe.Limit != MaxRequestBody {
		t.Fatalf("want MaxBytesError at %d, got %v", MaxRequestBody, readErr)
	}
}

func TestNoStore(t *testing.T) {
	rec := httptest.NewRecorder()
	NoStore(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.HasPrefix(rec.Header().Get("Cache-Control"), "no-store") {
		t.Fatalf("cache-control: %q", rec.Header().Get("Cache-Control"))
	}
}
