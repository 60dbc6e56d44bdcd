package pipeline

import "strings"

// allowedContentTypes are the broad categories the proxy will serve and
// cache. Matching is a coarse substring check, not a full MIME parse.
var allowedContentTypes = []string{
	"text",
	"image",
	"application",
	"audio",
	"video",
}

// AcceptsContentType reports whether an origin-declared content type may be
// served. An empty content type is accepted; otherwise the lower-cased value
// must contain one of the allowed categories as a substring.
func AcceptsContentType(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	for _, allowed := range allowedContentTypes {
		if strings.Contains(ct, allowed) {
			return true
		}
	}
	return false
}
