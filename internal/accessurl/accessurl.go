// Package accessurl models time-bounded direct-access URLs.
//
// A direct-access URL is an opaque string to clients, but it carries its own
// expiry: SigV4 presigned URLs hold X-Amz-Date plus X-Amz-Expires, SigV2-style
// URLs hold an absolute Expires unix timestamp. URL captures the expiry once,
// when the URL is minted, and Parse is the single place where a stored string
// is turned back into an expiry instant. Anything Parse cannot read is
// treated as already expired.
package accessurl

import (
	"net/url"
	"strconv"
	"time"
)

// amzDateFormat is the SigV4 X-Amz-Date layout.
const amzDateFormat = "20060102T150405Z"

// URL is a direct-access URL together with the absolute instant it stops
// being valid.
type URL struct {
	Raw       string
	ExpiresAt time.Time
}

// New returns a URL with a known expiry.
func New(raw string, expiresAt time.Time) URL {
	return URL{Raw: raw, ExpiresAt: expiresAt.UTC()}
}

// Parse extracts the embedded expiry signal from raw. If no signal can be
// read the returned URL has a zero ExpiresAt and reports itself expired.
func Parse(raw string) URL {
	u := URL{Raw: raw}
	if raw == "" {
		return u
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return u
	}
	q := parsed.Query()

	if date, expires := q.Get("X-Amz-Date"), q.Get("X-Amz-Expires"); date != "" && expires != "" {
		signedAt, err := time.Parse(amzDateFormat, date)
		if err != nil {
			return u
		}
		secs, err := strconv.ParseInt(expires, 10, 64)
		if err != nil || secs < 0 {
			return u
		}
		u.ExpiresAt = signedAt.Add(time.Duration(secs) * time.Second).UTC()
		return u
	}

	if expires := q.Get("Expires"); expires != "" {
		unix, err := strconv.ParseInt(expires, 10, 64)
		if err != nil || unix <= 0 {
			return u
		}
		u.ExpiresAt = time.Unix(unix, 0).UTC()
	}
	return u
}

// Expired reports whether the URL is unusable at now. URLs without a known
// expiry are always expired.
func (u URL) Expired(now time.Time) bool {
	return u.Raw == "" || u.ExpiresAt.IsZero() || !now.Before(u.ExpiresAt)
}

// ValidFor reports whether the URL stays valid for more than margin after now.
func (u URL) ValidFor(now time.Time, margin time.Duration) bool {
	if u.Expired(now) {
		return false
	}
	return u.ExpiresAt.Sub(now) > margin
}

// Remaining returns the time left before expiry, or zero if expired.
func (u URL) Remaining(now time.Time) time.Duration {
	if u.Expired(now) {
		return 0
	}
	return u.ExpiresAt.Sub(now)
}
