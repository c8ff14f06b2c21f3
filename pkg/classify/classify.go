// Package classify assigns every intercepted request to a routing class.
//
// Evaluation order is fixed: non-GET requests are never intercepted, then the
// realtime-backend rules, then the accelerator rules, then the application's
// own origin. Anything left is OTHER. Within a class, rules are evaluated in
// the order they were declared and the first match wins.
package classify

import (
	"fmt"
	"net/http"
	"net/url"
)

// Class is the routing category of a request.
type Class string

const (
	// SameOrigin covers the application's own documents and assets.
	SameOrigin Class = "same_origin"

	// RealtimeBackend covers the live data backend.
	RealtimeBackend Class = "realtime_backend"

	// Accelerator covers known third-party CDN hosts.
	Accelerator Class = "accelerator"

	// Other covers everything else; it is forwarded without caching.
	Other Class = "other"
)

// Rule binds a matcher to a class.
type Rule struct {
	Class   Class
	Matcher Matcher
}

// Classifier is a pure function of the request URL and method.
type Classifier struct {
	realtime    []Matcher
	accelerator []Matcher
	origin      Matcher
}

// New creates a classifier for the application served at appOrigin.
// Rules whose class is not RealtimeBackend or Accelerator are rejected.
func New(appOrigin string, rules []Rule) (*Classifier, error) {
	origin, err := NewMatcher(MatchOrigin, appOrigin)
	if err != nil {
		return nil, fmt.Errorf("app origin: %w", err)
	}

	c := &Classifier{origin: origin}
	for i, r := range rules {
		if r.Matcher == nil {
			return nil, fmt.Errorf("rules[%d]: matcher is required", i)
		}
		switch r.Class {
		case RealtimeBackend:
			c.realtime = append(c.realtime, r.Matcher)
		case Accelerator:
			c.accelerator = append(c.accelerator, r.Matcher)
		default:
			return nil, fmt.Errorf("rules[%d]: class %q cannot be declared", i, r.Class)
		}
	}
	return c, nil
}

// DefaultRules are the realtime and accelerator hosts the application uses.
func DefaultRules() []Rule {
	must := func(kind MatchKind, value string) Matcher {
		m, err := NewMatcher(kind, value)
		if err != nil {
			panic(err)
		}
		return m
	}
	return []Rule{
		{Class: RealtimeBackend, Matcher: must(MatchSubstring, "firebase")},
		{Class: RealtimeBackend, Matcher: must(MatchSubstring, "firebaseio")},
		{Class: Accelerator, Matcher: must(MatchSuffix, "cdnjs.cloudflare.com")},
		{Class: Accelerator, Matcher: must(MatchSuffix, "gstatic.com")},
	}
}

// Classify returns the class of req. The boolean is false for requests that
// must not be intercepted at all (every non-GET method).
func (c *Classifier) Classify(req *http.Request) (Class, bool) {
	if req.Method != http.MethodGet {
		return "", false
	}
	return c.ClassifyURL(req.URL), true
}

// ClassifyURL classifies a GET request target.
func (c *Classifier) ClassifyURL(u *url.URL) Class {
	for _, m := range c.realtime {
		if m.Match(u) {
			return RealtimeBackend
		}
	}
	for _, m := range c.accelerator {
		if m.Match(u) {
			return Accelerator
		}
	}
	if c.origin.Match(u) {
		return SameOrigin
	}
	return Other
}
