// Package preload bulk-populates cache tiers from fixed manifests at install
// time. Individual items may fail; a run always completes and reports what
// was stored and what was not.
package preload

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/offline-proxy/pkg/fetch"
	"github.com/Sternrassler/offline-proxy/pkg/tier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var preloadItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline_preload_items_total",
	Help: "Total number of manifest items processed at install by role and result",
}, []string{"role", "result"})

// Config holds preloader configuration.
type Config struct {
	// MaxConcurrency is the maximum number of parallel item fetches per tier
	MaxConcurrency int

	// Timeout per item fetch
	Timeout time.Duration
}

// DefaultConfig returns the default preloader configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
	}
}

// ItemError records one manifest item that could not be stored.
type ItemError struct {
	Item string
	URL  string
	Err  error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("preload %s: %v", e.Item, e.Err)
}

// TierResult is the outcome of populating one tier.
type TierResult struct {
	Tier   string
	Stored []string
	Failed []ItemError
}

// Result is the outcome of a full preload run.
type Result struct {
	Static  TierResult
	Dynamic TierResult
}

// Complete reports whether every item of both manifests was stored.
func (r Result) Complete() bool {
	return len(r.Static.Failed) == 0 && len(r.Dynamic.Failed) == 0
}

// Preloader fetches manifest items and writes them into tiers.
type Preloader struct {
	fetcher fetch.Fetcher
	base    *url.URL
	config  Config
	logger  zerolog.Logger
}

// New creates a Preloader. Relative manifest items resolve against baseURL.
func New(fetcher fetch.Fetcher, baseURL string, config Config, logger zerolog.Logger) (*Preloader, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("base url must be absolute: %q", baseURL)
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Preloader{
		fetcher: fetcher,
		base:    base,
		config:  config,
		logger:  logger,
	}, nil
}

// Resolve turns a manifest item into an absolute URL.
func (p *Preloader) Resolve(item string) (string, error) {
	return ResolveItem(p.base, item)
}

// ResolveItem resolves item against base.
//
// Example:
//
//	ResolveItem(https://app.example.com/, "./index.html") → https://app.example.com/index.html
func ResolveItem(base *url.URL, item string) (string, error) {
	ref, err := url.Parse(item)
	if err != nil {
		return "", fmt.Errorf("parse manifest item %q: %w", item, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// Run populates the static tier from staticManifest and the dynamic tier
// from externalManifest. Both populations run concurrently and Run returns
// only when both have finished, whatever their item failures.
func (p *Preloader) Run(ctx context.Context, static tier.Tier, staticManifest []string, dynamic tier.Tier, externalManifest []string) Result {
	start := time.Now()
	var result Result

	// errgroup without error propagation: failures live in the results
	var g errgroup.Group
	g.Go(func() error {
		result.Static = p.Populate(ctx, static, staticManifest)
		return nil
	})
	g.Go(func() error {
		result.Dynamic = p.Populate(ctx, dynamic, externalManifest)
		return nil
	})
	_ = g.Wait()

	p.logger.Info().
		Int("static_stored", len(result.Static.Stored)).
		Int("static_failed", len(result.Static.Failed)).
		Int("dynamic_stored", len(result.Dynamic.Stored)).
		Int("dynamic_failed", len(result.Dynamic.Failed)).
		Dur("duration", time.Since(start)).
		Msg("Preload complete")

	return result
}

// Populate fetches every manifest item into t using a bounded worker pool.
// Stored and Failed keep manifest order.
func (p *Preloader) Populate(ctx context.Context, t tier.Tier, manifest []string) TierResult {
	result := TierResult{Tier: t.Name()}
	if len(manifest) == 0 {
		return result
	}
	role := tier.RoleOf(t.Name())

	type outcome struct {
		err error
		url string
	}
	outcomes := make([]outcome, len(manifest))

	queue := make(chan int, len(manifest))
	for i := range manifest {
		queue <- i
	}
	close(queue)

	workers := p.config.MaxConcurrency
	if workers > len(manifest) {
		workers = len(manifest)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				u, err := p.storeItem(ctx, t, manifest[i])
				outcomes[i] = outcome{err: err, url: u}
			}
		}()
	}
	wg.Wait()

	for i, o := range outcomes {
		if o.err != nil {
			preloadItemsTotal.WithLabelValues(role, "failed").Inc()
			p.logger.Warn().
				Err(o.err).
				Str("tier", t.Name()).
				Str("item", manifest[i]).
				Msg("Preload item failed")
			result.Failed = append(result.Failed, ItemError{Item: manifest[i], URL: o.url, Err: o.err})
			continue
		}
		preloadItemsTotal.WithLabelValues(role, "stored").Inc()
		result.Stored = append(result.Stored, o.url)
	}
	return result
}

// storeItem fetches one item and writes it into t. Only 2xx answers are
// stored; anything else fails the item.
func (p *Preloader) storeItem(ctx context.Context, t tier.Tier, item string) (string, error) {
	rawURL, err := p.Resolve(item)
	if err != nil {
		return "", err
	}
	key, err := tier.NewKey(http.MethodGet, rawURL)
	if err != nil {
		return rawURL, err
	}

	itemCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(itemCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return rawURL, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.fetcher.Fetch(itemCtx, req)
	if err != nil {
		return rawURL, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return rawURL, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	entry, err := tier.ResponseToEntry(resp)
	if err != nil {
		return rawURL, err
	}
	if err := t.Put(ctx, key, entry); err != nil {
		return rawURL, fmt.Errorf("store: %w", err)
	}
	return rawURL, nil
}
