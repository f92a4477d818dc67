// Package uid provides identifier and blob key generation for the photo store.
package uid

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxExtLen bounds the file extension carried over into a blob key.
const maxExtLen = 10

// New returns a random (version 4) UUID string used as a photo record id.
func New() string {
	return uuid.NewString()
}

// BlobKey builds the object key for a photo: {yyyy}/{mm}/{dd}/{id}{ext}.
// The extension is taken from the original name, lower-cased, and dropped if
// it is unusually long or contains anything but ASCII letters and digits.
func BlobKey(id, originalName string, uploadedAt time.Time) string {
	return uploadedAt.UTC().Format("2006/01/02") + "/" + id + extension(originalName)
}

func extension(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
