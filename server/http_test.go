package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, originHandler http.Handler, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()

	originSrv := httptest.NewServer(originHandler)
	t.Cleanup(originSrv.Close)

	cfg := Config{
		Secret:     "s3cret",
		OriginURL:  originSrv.URL,
		CacheTTL:   time.Minute,
		RateLimit:  1000,
		RateWindow: time.Second,
		DeflectURL: "https://example.com/deflected",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	return srv, originSrv
}

func textOrigin(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(body))
	})
}

func doRequest(srv *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerRequiresSecret(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestFetchMissThenHit(t *testing.T) {
	var originCalls int64
	srv, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&originCalls, 1)
		w.Header().Set("Content-Type", "text/markdown")
		_, _ = w.Write([]byte("# readme"))
	}), nil)

	rec := doRequest(srv, "GET", "/raw/owner/repo/main/readme.md?token=s3cret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	require.Equal(t, "text/markdown", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Header().Get("ETag"))
	require.Equal(t, "# readme", rec.Body.String())

	rec = doRequest(srv, "GET", "/raw/owner/repo/main/readme.md?token=s3cret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	require.Equal(t, "# readme", rec.Body.String())

	require.EqualValues(t, 1, atomic.LoadInt64(&originCalls))
}

func TestFetchBearerToken(t *testing.T) {
	srv, _ := newTestServer(t, textOrigin("hello"), nil)

	rec := doRequest(srv, "GET", "/raw/owner/repo/main/hello.txt", map[string]string{
		"Authorization": "Bearer s3cret",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello", rec.Body.String())
}

func TestDeflectionIsUniform(t *testing.T) {
	srv, _ := newTestServer(t, textOrigin("hello"), nil)

	// Different failure causes, one indistinguishable outcome.
	targets := []string{
		"/raw/owner/repo/main/readme.md",             // missing token
		"/raw/owner/repo/main/readme.md?token=wrong", // bad token
		"/raw/owner/repo?token=s3cret",               // malformed key
	}

	var bodies []string
	for _, target := range targets {
		rec := doRequest(srv, "GET", target, nil)
		require.Equal(t, http.StatusFound, rec.Code, "target %s", target)
		require.Equal(t, "https://example.com/deflected", rec.Header().Get("Location"))
		bodies = append(bodies, rec.Body.String())
	}

	for _, body := range bodies[1:] {
		require.Equal(t, bodies[0], body)
	}
}

func TestDeflectionOnOriginFailure(t *testing.T) {
	srv, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}), nil)

	rec := doRequest(srv, "GET", "/raw/owner/repo/main/missing.md?token=s3cret", nil)
	require.Equal(t, http.StatusFound, rec.Code)
}

func TestDeflectionOnUnsupportedType(t *testing.T) {
	srv, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "font/woff2")
		_, _ = w.Write([]byte("woff"))
	}), nil)

	rec := doRequest(srv, "GET", "/raw/owner/repo/main/font.woff2?token=s3cret", nil)
	require.Equal(t, http.StatusFound, rec.Code)
}

func TestRateLimitDeflects(t *testing.T) {
	srv, _ := newTestServer(t, textOrigin("hello"), func(cfg *Config) {
		cfg.RateLimit = 10
		cfg.RateWindow = time.Hour
	})

	for i := 0; i < 10; i++ {
		rec := doRequest(srv, "GET", "/raw/owner/repo/main/hello.txt?token=s3cret", nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d within quota", i+1)
	}

	rec := doRequest(srv, "GET", "/raw/owner/repo/main/hello.txt?token=s3cret", nil)
	require.Equal(t, http.StatusFound, rec.Code)
}

func TestHeadRequest(t *testing.T) {
	srv, _ := newTestServer(t, textOrigin("hello"), nil)

	rec := doRequest(srv, "HEAD", "/raw/owner/repo/main/hello.txt?token=s3cret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.String())
	require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, textOrigin("hello"), nil)

	rec := doRequest(srv, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStats(t *testing.T) {
	srv, _ := newTestServer(t, textOrigin("hello"), nil)

	rec := doRequest(srv, "GET", "/raw/owner/repo/main/hello.txt?token=s3cret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(srv, "GET", "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"cache"`)
	require.Contains(t, string(body), `"limiter"`)
}

func TestShutdown(t *testing.T) {
	srv, _ := newTestServer(t, textOrigin("hello"), nil)

	// Shutdown before Start must not hang on the sweeper.
	srv.sweeper.Start(t.Context())
	require.NoError(t, srv.Shutdown(t.Context()))
}
