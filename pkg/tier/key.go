package tier

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ErrNotGET is returned when a key is requested for a non-idempotent method.
var ErrNotGET = errors.New("only GET requests can be cached")

// Key is the canonical identity of a cached request.
type Key struct {
	// Method is always GET
	Method string

	// URL is the absolute request URL without fragment
	URL string
}

// NewKey builds a Key from a method and an absolute URL.
// The fragment is dropped and the scheme and host are lower-cased.
func NewKey(method, rawURL string) (Key, error) {
	if !strings.EqualFold(method, http.MethodGet) {
		return Key{}, fmt.Errorf("%w: %s", ErrNotGET, method)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Key{}, fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return Key{}, fmt.Errorf("url must be absolute: %q", rawURL)
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return Key{Method: http.MethodGet, URL: u.String()}, nil
}

// KeyForRequest builds the Key of an outgoing request.
func KeyForRequest(req *http.Request) (Key, error) {
	if req == nil || req.URL == nil {
		return Key{}, fmt.Errorf("request cannot be nil")
	}
	return NewKey(req.Method, req.URL.String())
}

// String generates the storage form of the key.
// Format: METHOD URL
//
// Example:
//
//	GET https://app.example.com/index.html
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	method, rawURL, ok := strings.Cut(s, " ")
	if !ok {
		return Key{}, fmt.Errorf("%w: malformed key %q", ErrInvalidEntry, s)
	}
	return NewKey(method, rawURL)
}
