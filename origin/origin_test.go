package origin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/rawproxy"
)

func mustKey(t *testing.T, s string) rawproxy.ObjectKey {
	t.Helper()
	key, err := rawproxy.ValidateKey(s, 0)
	require.NoError(t, err)
	return key
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/owner/repo/main/readme.md", r.URL.Path)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("# readme"))
	}))
	defer srv.Close()

	f := New(WithBaseURL(srv.URL))

	obj, err := f.Fetch(context.Background(), mustKey(t, "owner/repo/main/readme.md"))
	require.NoError(t, err)
	require.Equal(t, []byte("# readme"), obj.Payload)
	require.Equal(t, "text/plain; charset=utf-8", obj.ContentType)
}

func TestFetchForwardsCredential(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(WithBaseURL(srv.URL), WithCredential("s3cret"))

	_, err := f.Fetch(context.Background(), mustKey(t, "o/r/b/p"))
	require.NoError(t, err)
	require.Equal(t, "Bearer s3cret", gotAuth)
}

func TestFetchNoCredentialHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(WithBaseURL(srv.URL))

	_, err := f.Fetch(context.Background(), mustKey(t, "o/r/b/p"))
	require.NoError(t, err)
	require.Empty(t, gotAuth)
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := New(WithBaseURL(srv.URL))

	_, err := f.Fetch(context.Background(), mustKey(t, "o/r/b/missing.txt"))
	require.Error(t, err)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, ErrKindHTTP, fetchErr.Kind)
	require.Equal(t, http.StatusNotFound, fetchErr.Status)
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	f := New(WithBaseURL(srv.URL), WithTimeout(50*time.Millisecond))

	_, err := f.Fetch(context.Background(), mustKey(t, "o/r/b/slow.txt"))
	require.Error(t, err)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, ErrKindTimeout, fetchErr.Kind)
}

func TestFetchOversizedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	f := New(WithBaseURL(srv.URL))
	f.maxPayload = 16

	_, err := f.Fetch(context.Background(), mustKey(t, "o/r/b/big.bin"))
	require.Error(t, err)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, ErrKindHTTP, fetchErr.Kind)
	require.Contains(t, err.Error(), "exceeds")

	// Exactly at the cap is still accepted.
	f.maxPayload = 64
	obj, err := f.Fetch(context.Background(), mustKey(t, "o/r/b/big.bin"))
	require.NoError(t, err)
	require.Len(t, obj.Payload, 64)
}

func TestFetchNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // closed before the fetch, so the dial fails

	f := New(WithBaseURL(srv.URL))

	_, err := f.Fetch(context.Background(), mustKey(t, "o/r/b/p"))
	require.Error(t, err)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, ErrKindNetwork, fetchErr.Kind)
}

func TestFetchErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &FetchError{Kind: ErrKindNetwork, Err: inner}
	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "network")
}
