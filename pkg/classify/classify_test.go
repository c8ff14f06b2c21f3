package classify

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func newDefault(t *testing.T) *Classifier {
	t.Helper()
	c, err := New("https://app.example.com", DefaultRules())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func TestClassify(t *testing.T) {
	c := newDefault(t)

	tests := []struct {
		name   string
		method string
		url    string
		want   Class
		ok     bool
	}{
		{"post never intercepted", http.MethodPost, "https://app.example.com/api", "", false},
		{"put to realtime never intercepted", http.MethodPut, "https://db.firebaseio.com/x.json", "", false},
		{"head never intercepted", http.MethodHead, "https://app.example.com/", "", false},
		{"firebase database", http.MethodGet, "https://lawyers-default-rtdb.firebaseio.com/cases.json", RealtimeBackend, true},
		{"firebase storage", http.MethodGet, "https://firebasestorage.googleapis.com/v0/b/x", RealtimeBackend, true},
		{"cdnjs", http.MethodGet, "https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css", Accelerator, true},
		{"gstatic", http.MethodGet, "https://www.gstatic.com/firebasejs/9.22.0/firebase-app-compat.js", Accelerator, true},
		{"same origin document", http.MethodGet, "https://app.example.com/index.html", SameOrigin, true},
		{"same origin root", http.MethodGet, "https://app.example.com/", SameOrigin, true},
		{"other scheme is other origin", http.MethodGet, "http://app.example.com/", Other, true},
		{"unrelated host", http.MethodGet, "https://fonts.googleapis.com/css", Other, true},
		{"suffix does not match lookalike", http.MethodGet, "https://evilgstatic.com/x.js", Other, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.url, nil)
			got, ok := c.Classify(req)
			if ok != tt.ok {
				t.Fatalf("Classify() intercepted = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassify_TieBreakOrder(t *testing.T) {
	// The app itself is hosted on a firebase domain and the CDN host also
	// contains the realtime marker: realtime rules win, then accelerator,
	// then same origin.
	c, err := New("https://lawyer-app.firebaseapp.com", []Rule{
		{Class: Accelerator, Matcher: mustMatcher(t, MatchSuffix, "cdn.example.net")},
		{Class: RealtimeBackend, Matcher: mustMatcher(t, MatchSubstring, "firebase")},
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		url  string
		want Class
	}{
		{"https://lawyer-app.firebaseapp.com/index.html", RealtimeBackend},
		{"https://firebase.cdn.example.net/lib.js", RealtimeBackend},
		{"https://static.cdn.example.net/lib.js", Accelerator},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.url)
		if got := c.ClassifyURL(u); got != tt.want {
			t.Errorf("ClassifyURL(%s) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("not-an-origin", nil); err == nil {
		t.Error("expected error for invalid app origin")
	}
	if _, err := New("https://app.example.com", []Rule{{Class: SameOrigin, Matcher: mustMatcher(t, MatchSuffix, "x.com")}}); err == nil {
		t.Error("expected error for undeclarable class")
	}
	if _, err := New("https://app.example.com", []Rule{{Class: Accelerator}}); err == nil {
		t.Error("expected error for missing matcher")
	}
}

func mustMatcher(t *testing.T, kind MatchKind, value string) Matcher {
	t.Helper()
	m, err := NewMatcher(kind, value)
	if err != nil {
		t.Fatalf("NewMatcher(%s, %s): %v", kind, value, err)
	}
	return m
}

func TestNewMatcher(t *testing.T) {
	tests := []struct {
		name    string
		kind    MatchKind
		value   string
		host    string
		want    bool
		wantErr bool
	}{
		{name: "origin exact", kind: MatchOrigin, value: "https://app.example.com", host: "https://app.example.com/x", want: true},
		{name: "origin port differs", kind: MatchOrigin, value: "https://app.example.com", host: "https://app.example.com:8443/x", want: false},
		{name: "suffix apex", kind: MatchSuffix, value: "gstatic.com", host: "https://gstatic.com/", want: true},
		{name: "suffix leading dot", kind: MatchSuffix, value: ".gstatic.com", host: "https://www.gstatic.com/", want: true},
		{name: "substring", kind: MatchSubstring, value: "FireBase", host: "https://x.firebaseio.com/", want: true},
		{name: "glob", kind: MatchGlob, value: "*.googleapis.com", host: "https://fonts.googleapis.com/", want: true},
		{name: "glob no match", kind: MatchGlob, value: "*.googleapis.com", host: "https://googleapis.com/", want: false},
		{name: "bad glob", kind: MatchGlob, value: "[", wantErr: true},
		{name: "empty value", kind: MatchSuffix, value: " ", wantErr: true},
		{name: "unknown kind", kind: "regex", value: ".*", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMatcher(tt.kind, tt.value)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewMatcher() error: %v", err)
			}
			u, _ := url.Parse(tt.host)
			if got := m.Match(u); got != tt.want {
				t.Errorf("%s.Match(%s) = %v, want %v", m, tt.host, got, tt.want)
			}
		})
	}
}
