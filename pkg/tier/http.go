package tier

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ResponseToEntry converts an HTTP response to an Entry.
// The body is read completely and restored on resp, so the caller can keep
// using the response after its bytes were captured for storage.
func ResponseToEntry(resp *http.Response) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	var body []byte
	if resp.Body != nil {
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		body = b
	}

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	headers := resp.Header.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	// Lengths and encodings are recomputed when the entry is served.
	headers.Del("Content-Length")
	headers.Del("Transfer-Encoding")

	return &Entry{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
		StoredAt:   time.Now(),
	}, nil
}

// EntryToResponse builds a fresh response from a stored entry. Each call
// returns an independent body reader.
func EntryToResponse(entry *Entry, req *http.Request) *http.Response {
	headers := entry.Headers.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	headers.Set("Content-Length", strconv.Itoa(len(entry.Body)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.StatusCode, http.StatusText(entry.StatusCode)),
		StatusCode:    entry.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        headers,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

// IsStorable reports whether a response may be written into a tier.
// Only plain 200 responses are persisted.
func IsStorable(resp *http.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusOK
}
