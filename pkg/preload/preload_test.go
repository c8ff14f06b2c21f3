package preload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/Sternrassler/offline-proxy/pkg/fetch"
	"github.com/Sternrassler/offline-proxy/pkg/tier"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

const appBase = "https://app.example.com/"

// fakeOrigin answers from a map of URL → body; URLs in fail return an error.
func fakeOrigin(bodies map[string]string, fail map[string]bool) fetch.Fetcher {
	return fetch.FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		u := req.URL.String()
		if fail[u] {
			return nil, errors.New("network down")
		}
		body, ok := bodies[u]
		if !ok {
			return &http.Response{StatusCode: http.StatusNotFound, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}, nil
		}
		return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(body))}, nil
	})
}

func openTier(t *testing.T, store tier.Store, role tier.Role) tier.Tier {
	t.Helper()
	tr, err := store.Open(context.Background(), tier.Name("app", role, "1"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return tr
}

func mustKey(t *testing.T, rawURL string) tier.Key {
	t.Helper()
	k, err := tier.NewKey(http.MethodGet, rawURL)
	if err != nil {
		t.Fatalf("NewKey(%q) error = %v", rawURL, err)
	}
	return k
}

func TestNew_Validation(t *testing.T) {
	origin := fakeOrigin(nil, nil)
	tests := []struct {
		name    string
		fetcher fetch.Fetcher
		base    string
		wantErr bool
	}{
		{name: "valid", fetcher: origin, base: appBase},
		{name: "nil fetcher", fetcher: nil, base: appBase, wantErr: true},
		{name: "relative base", fetcher: origin, base: "/app/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.fetcher, tt.base, DefaultConfig(), zerolog.Nop())
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolveItem(t *testing.T) {
	base, _ := url.Parse("https://app.example.com/shop/")
	tests := []struct {
		item string
		want string
	}{
		{"./index.html", "https://app.example.com/shop/index.html"},
		{"./", "https://app.example.com/shop/"},
		{"/icons/a.png", "https://app.example.com/icons/a.png"},
		{"https://cdnjs.cloudflare.com/lib.js", "https://cdnjs.cloudflare.com/lib.js"},
	}
	for _, tt := range tests {
		t.Run(tt.item, func(t *testing.T) {
			got, err := ResolveItem(base, tt.item)
			if err != nil {
				t.Fatalf("ResolveItem() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveItem() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRun_PartialFailure(t *testing.T) {
	ctx := context.Background()
	store := tier.NewMemoryStore(0)
	static := openTier(t, store, tier.RoleStatic)
	dynamic := openTier(t, store, tier.RoleDynamic)

	origin := fakeOrigin(
		map[string]string{
			"https://app.example.com/index.html": "<html>shell</html>",
			"https://cdnjs.cloudflare.com/lib.js": "lib",
		},
		map[string]bool{"https://app.example.com/manifest.json": true},
	)
	p, err := New(origin, appBase, DefaultConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result := p.Run(ctx, static, []string{"./index.html", "./manifest.json"}, dynamic, []string{"https://cdnjs.cloudflare.com/lib.js"})

	if result.Complete() {
		t.Error("Complete() = true, want false")
	}
	if diff := cmp.Diff([]string{"https://app.example.com/index.html"}, result.Static.Stored); diff != "" {
		t.Errorf("static stored mismatch (-want +got):\n%s", diff)
	}
	if len(result.Static.Failed) != 1 || result.Static.Failed[0].Item != "./manifest.json" {
		t.Errorf("static failed = %+v, want ./manifest.json", result.Static.Failed)
	}
	if len(result.Dynamic.Stored) != 1 {
		t.Errorf("dynamic stored = %v, want 1 item", result.Dynamic.Stored)
	}

	keys, err := static.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if diff := cmp.Diff([]tier.Key{mustKey(t, "https://app.example.com/index.html")}, keys); diff != "" {
		t.Errorf("static tier keys mismatch (-want +got):\n%s", diff)
	}

	entry, err := static.Get(ctx, mustKey(t, "https://app.example.com/index.html"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(entry.Body, []byte("<html>shell</html>")) {
		t.Errorf("body = %q", entry.Body)
	}
}

func TestPopulate_NonSuccessStatusFails(t *testing.T) {
	store := tier.NewMemoryStore(0)
	static := openTier(t, store, tier.RoleStatic)

	p, _ := New(fakeOrigin(nil, nil), appBase, DefaultConfig(), zerolog.Nop())
	result := p.Populate(context.Background(), static, []string{"./missing.css"})

	if len(result.Stored) != 0 || len(result.Failed) != 1 {
		t.Fatalf("result = %+v, want one failure", result)
	}
	if result.Failed[0].URL != "https://app.example.com/missing.css" {
		t.Errorf("failed URL = %q", result.Failed[0].URL)
	}
}

func TestPopulate_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	release := make(chan struct{})

	origin := fetch.FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("x"))}, nil
	})

	p, _ := New(origin, appBase, Config{MaxConcurrency: 2}, zerolog.Nop())
	store := tier.NewMemoryStore(0)
	static := openTier(t, store, tier.RoleStatic)

	manifest := []string{"./a", "./b", "./c", "./d", "./e"}
	done := make(chan TierResult)
	go func() { done <- p.Populate(context.Background(), static, manifest) }()
	close(release)
	result := <-done

	if len(result.Stored) != len(manifest) {
		t.Errorf("stored %d items, want %d", len(result.Stored), len(manifest))
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestPopulate_EmptyManifest(t *testing.T) {
	p, _ := New(fakeOrigin(nil, nil), appBase, DefaultConfig(), zerolog.Nop())
	static := openTier(t, tier.NewMemoryStore(0), tier.RoleStatic)

	result := p.Populate(context.Background(), static, nil)
	if len(result.Stored) != 0 || len(result.Failed) != 0 {
		t.Errorf("result = %+v, want empty", result)
	}
	if result.Tier != "app-static-v1" {
		t.Errorf("Tier = %q", result.Tier)
	}
}
