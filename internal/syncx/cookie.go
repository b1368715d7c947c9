package syncx

import (
	"encoding/base64"
	"strconv"
	"time"
)

// Cookie represents a checkpoint in a document's change history.
// It is the max last-modified timestamp (Unix milliseconds) the holder
// has already synced through. Encoded form is opaque to clients.
type Cookie struct {
	Ms int64
}

// IsZero reports whether the cookie is the "beginning of time" sentinel.
func (c Cookie) IsZero() bool {
	return c.Ms == 0
}

// After reports whether c is a strictly later checkpoint than other.
func (c Cookie) After(other Cookie) bool {
	return c.Ms > other.Ms
}

// EncodeCookie creates a base64-encoded cookie string.
// Returns empty string for the zero cookie.
func EncodeCookie(c Cookie) string {
	if c.Ms == 0 {
		return ""
	}
	raw := strconv.FormatInt(c.Ms, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCookie parses a cookie string.
// Empty input is valid and means "no prior sync" (zero cookie).
// Returns false for malformed input.
func DecodeCookie(s string) (Cookie, bool) {
	if s == "" {
		return Cookie{}, true
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cookie{}, false
	}

	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil || ms < 0 {
		return Cookie{}, false
	}

	return Cookie{Ms: ms}, true
}

// NowMs returns current Unix milliseconds timestamp (UTC)
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}
