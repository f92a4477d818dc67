package storage

import (
	"mime"
	"strings"
)

// Buckets maps content classes to bucket names.
type Buckets struct {
	Standard  string
	Oversized string
	Video     string
	Other     string
	// OversizedThreshold is the image size, in bytes, at which photos are
	// routed to the oversized bucket.
	OversizedThreshold int64
}

// Select returns the bucket for an object of the given content type and
// size. It depends on nothing but its arguments.
func (b Buckets) Select(contentType string, size int64) string {
	mediaType := NormalizeContentType(contentType)
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		if b.OversizedThreshold > 0 && size >= b.OversizedThreshold {
			return b.Oversized
		}
		return b.Standard
	case strings.HasPrefix(mediaType, "video/"):
		return b.Video
	default:
		return b.Other
	}
}

// All returns every configured bucket name, without duplicates.
func (b Buckets) All() []string {
	var names []string
	seen := make(map[string]bool)
	for _, name := range []string{b.Standard, b.Oversized, b.Video, b.Other} {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// NormalizeContentType strips parameters and lower-cases a content type.
// "image/JPEG; charset=binary" becomes "image/jpeg". Unparseable input is
// lower-cased and trimmed.
func NormalizeContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mediaType
}
