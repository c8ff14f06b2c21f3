package classify

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchKind names the matcher types that can be declared in configuration.
type MatchKind string

const (
	// MatchOrigin compares scheme://host[:port] exactly.
	MatchOrigin MatchKind = "origin"

	// MatchSuffix matches a hostname equal to the value or ending in "."+value.
	MatchSuffix MatchKind = "suffix"

	// MatchSubstring matches a hostname containing the value.
	MatchSubstring MatchKind = "substring"

	// MatchGlob matches the hostname against a doublestar pattern.
	MatchGlob MatchKind = "glob"
)

// Matcher decides whether a request URL belongs to a class.
type Matcher interface {
	Match(u *url.URL) bool
	String() string
}

// NewMatcher builds a typed matcher.
func NewMatcher(kind MatchKind, value string) (Matcher, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%s matcher: empty value", kind)
	}
	switch kind {
	case MatchOrigin:
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("origin matcher: invalid origin %q", value)
		}
		return originMatcher{origin: Origin(u)}, nil
	case MatchSuffix:
		return suffixMatcher{suffix: strings.ToLower(strings.TrimPrefix(value, "."))}, nil
	case MatchSubstring:
		return substringMatcher{needle: strings.ToLower(value)}, nil
	case MatchGlob:
		pattern := strings.ToLower(value)
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("glob matcher: invalid pattern %q", value)
		}
		return globMatcher{pattern: pattern}, nil
	default:
		return nil, fmt.Errorf("unknown matcher kind %q", kind)
	}
}

// Origin returns the lower-cased scheme://host[:port] of u.
func Origin(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

type originMatcher struct{ origin string }

func (m originMatcher) Match(u *url.URL) bool { return Origin(u) == m.origin }
func (m originMatcher) String() string        { return "origin(" + m.origin + ")" }

type suffixMatcher struct{ suffix string }

func (m suffixMatcher) Match(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	return host == m.suffix || strings.HasSuffix(host, "."+m.suffix)
}
func (m suffixMatcher) String() string { return "suffix(" + m.suffix + ")" }

type substringMatcher struct{ needle string }

func (m substringMatcher) Match(u *url.URL) bool {
	return strings.Contains(strings.ToLower(u.Hostname()), m.needle)
}
func (m substringMatcher) String() string { return "substring(" + m.needle + ")" }

type globMatcher struct{ pattern string }

func (m globMatcher) Match(u *url.URL) bool {
	ok, err := doublestar.Match(m.pattern, strings.ToLower(u.Hostname()))
	return err == nil && ok
}
func (m globMatcher) String() string { return "glob(" + m.pattern + ")" }
