package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcceptsContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"", true},
		{"text/plain", true},
		{"text/plain; charset=utf-8", true},
		{"text/html", true},
		{"TEXT/PLAIN", true},
		{"image/png", true},
		{"application/json", true},
		{"application/octet-stream", true},
		{"audio/mpeg", true},
		{"video/mp4", true},
		{"font/woff2", false},
		{"model/gltf+json", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			require.Equal(t, tt.want, AcceptsContentType(tt.contentType))
		})
	}
}
