package tier

import (
	"net/http"
	"time"
)

// Entry is a stored response snapshot. Entries are never patched in place;
// a refresh replaces the whole entry.
type Entry struct {
	// StatusCode is the HTTP status code of the stored response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// Body is the response body
	Body []byte `json:"body"`

	// StoredAt is when the snapshot was taken
	StoredAt time.Time `json:"stored_at"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	body := make([]byte, len(e.Body))
	copy(body, e.Body)
	return &Entry{
		StatusCode: e.StatusCode,
		Headers:    e.Headers.Clone(),
		Body:       body,
		StoredAt:   e.StoredAt,
	}
}

// Age returns how long ago the entry was written.
func (e *Entry) Age() time.Duration {
	if e.StoredAt.IsZero() {
		return 0
	}
	return time.Since(e.StoredAt)
}

// Size is the approximate number of bytes the entry occupies.
func (e *Entry) Size() int {
	n := len(e.Body)
	for k, vs := range e.Headers {
		n += len(k)
		for _, v := range vs {
			n += len(v)
		}
	}
	return n
}
