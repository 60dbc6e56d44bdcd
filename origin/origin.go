// Package origin fetches raw objects from the upstream file host.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wolfeidau/rawproxy"
	"github.com/wolfeidau/rawproxy/telemetry"
)

// DefaultBaseURL is the upstream raw content host.
const DefaultBaseURL = "https://raw.githubusercontent.com"

// DefaultTimeout bounds a single fetch. After it elapses the fetch fails
// with ErrKindTimeout.
const DefaultTimeout = 10 * time.Second

// maxPayloadSize caps how much of an origin response is read into memory.
const maxPayloadSize = 64 << 20 // 64 MiB

// ErrorKind classifies a fetch failure.
type ErrorKind string

const (
	ErrKindTimeout ErrorKind = "timeout"
	ErrKindNetwork ErrorKind = "network"
	ErrKindHTTP    ErrorKind = "http"
)

// FetchError is a typed failure from the origin.
type FetchError struct {
	Kind   ErrorKind
	Status int // HTTP status for ErrKindHTTP, zero otherwise
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("origin fetch failed (%s, status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("origin fetch failed (%s): %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Object is a fetched remote object.
type Object struct {
	Payload     []byte
	ContentType string
}

// Fetcher retrieves raw objects from the upstream host over HTTPS.
// It performs no retries; retry policy belongs to the caller.
type Fetcher struct {
	baseURL    string
	credential string
	timeout    time.Duration
	maxPayload int64
	client     *http.Client
	logger     *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithBaseURL sets the upstream base URL.
func WithBaseURL(url string) Option {
	return func(f *Fetcher) {
		f.baseURL = url
	}
}

// WithCredential sets a bearer credential forwarded to the origin.
func WithCredential(credential string) Option {
	return func(f *Fetcher) {
		f.credential = credential
	}
}

// WithTimeout sets the per-fetch timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) {
		f.timeout = timeout
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithLogger sets the logger for the fetcher.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// New creates a new origin fetcher. The default client has no Client.Timeout;
// the per-fetch context deadline is the cancellation mechanism.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		baseURL:    DefaultBaseURL,
		timeout:    DefaultTimeout,
		maxPayload: maxPayloadSize,
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves the object for a validated key. Failures are always a
// *FetchError; the caller decides what, if anything, to surface.
func (f *Fetcher) Fetch(ctx context.Context, key rawproxy.ObjectKey) (*Object, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s", f.baseURL, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{Kind: ErrKindNetwork, Err: fmt.Errorf("creating request: %w", err)}
	}
	if f.credential != "" {
		req.Header.Set("Authorization", "Bearer "+f.credential)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &FetchError{Kind: ErrKindTimeout, Err: err}
		}
		return nil, &FetchError{Kind: ErrKindNetwork, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little of the body for diagnostics, never for the caller.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		f.logger.Debug("origin returned non-2xx",
			"key", key.String(),
			"status", resp.StatusCode,
			"body", string(snippet),
		)
		return nil, &FetchError{
			Kind:   ErrKindHTTP,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("origin returned %d", resp.StatusCode),
		}
	}

	// Read one byte past the cap so an oversized payload fails instead of
	// being silently truncated.
	payload, err := io.ReadAll(io.LimitReader(resp.Body, f.maxPayload+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &FetchError{Kind: ErrKindTimeout, Err: err}
		}
		return nil, &FetchError{Kind: ErrKindNetwork, Err: fmt.Errorf("reading body: %w", err)}
	}
	if int64(len(payload)) > f.maxPayload {
		return nil, &FetchError{
			Kind: ErrKindHTTP,
			Err:  fmt.Errorf("payload exceeds %d bytes", f.maxPayload),
		}
	}

	f.logger.Debug("fetched object",
		"key", key.String(),
		"size", len(payload),
		"content_type", resp.Header.Get("Content-Type"),
		"duration", time.Since(start),
	)

	return &Object{
		Payload:     payload,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
