// Package rawproxy provides the shared primitives for the raw content proxy:
// object key validation and payload digests.
package rawproxy

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxKeyLength is the maximum accepted object key length.
const DefaultMaxKeyLength = 1000

// MinKeySegments is the minimum number of slash-separated segments in an
// object key: owner/repo/branch plus at least one path segment.
const MinKeySegments = 4

// ErrInvalidKey is returned (wrapped) by ValidateKey for any rejected input.
var ErrInvalidKey = errors.New("invalid object key")

// ObjectKey is a validated identifier for a remote object, of the form
// owner/repo/branch/path... with at least four non-empty segments.
// A zero ObjectKey is invalid; construct via ValidateKey.
type ObjectKey string

// String returns the key as a plain string.
func (k ObjectKey) String() string { return string(k) }

// Sanitize normalizes a raw key string: trims surrounding whitespace,
// collapses runs of slashes into one, and strips a single leading and
// trailing slash. It never rejects; validation is ValidateKey's job.
// Sanitize is idempotent.
func Sanitize(raw string) string {
	s := strings.TrimSpace(raw)
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	s = strings.TrimPrefix(s, "/")
	s = strings.TrimSuffix(s, "/")
	return s
}

// ValidateKey validates a sanitized key string and returns it as an ObjectKey.
// It enforces the owner/repo/branch/path shape, the length limit, and
// traversal safety. Callers should run Sanitize first; ValidateKey itself
// rejects anything Sanitize would have rewritten.
func ValidateKey(s string, maxLength int) (ObjectKey, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxKeyLength
	}
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(s) > maxLength {
		return "", fmt.Errorf("%w: length %d exceeds %d", ErrInvalidKey, len(s), maxLength)
	}
	if strings.HasPrefix(s, "/") || strings.HasSuffix(s, "/") {
		return "", fmt.Errorf("%w: leading or trailing slash", ErrInvalidKey)
	}
	if strings.Contains(s, "//") {
		return "", fmt.Errorf("%w: empty segment", ErrInvalidKey)
	}
	if strings.Contains(s, "..") {
		return "", fmt.Errorf("%w: path traversal", ErrInvalidKey)
	}

	segments := strings.Split(s, "/")
	if len(segments) < MinKeySegments {
		return "", fmt.Errorf("%w: want at least %d segments, got %d", ErrInvalidKey, MinKeySegments, len(segments))
	}
	for _, seg := range segments {
		if seg == "" {
			return "", fmt.Errorf("%w: empty segment", ErrInvalidKey)
		}
	}

	return ObjectKey(s), nil
}
