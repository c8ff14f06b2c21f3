// Package strategy answers intercepted requests from cache tiers, the
// network, or a synthesized fallback, according to the request's class.
//
// Realtime backend requests go network-first and fall back to any cached
// copy, then to a JSON offline placeholder. Accelerator requests are served
// stale-while-revalidate from the dynamic tier. Same-origin requests are
// served cache-first; top-level documents are refreshed in the background
// and fall back to the application shell when both cache and network miss.
// Only 200 responses are ever written.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/offline-proxy/pkg/classify"
	"github.com/Sternrassler/offline-proxy/pkg/fetch"
	"github.com/Sternrassler/offline-proxy/pkg/generation"
	"github.com/Sternrassler/offline-proxy/pkg/tier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	strategyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_strategy_requests_total",
		Help: "Total number of requests served by class and source",
	}, []string{"class", "source"})

	backgroundTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_strategy_background_tasks_total",
		Help: "Total number of background tasks by kind and result",
	}, []string{"kind", "result"})
)

// Source tells where a response came from.
type Source string

const (
	// SourceCache means the response was read from a tier.
	SourceCache Source = "cache"

	// SourceNetwork means the response is the live origin answer.
	SourceNetwork Source = "network"

	// SourceFallback means the response was synthesized or is the app shell.
	SourceFallback Source = "fallback"

	// SourcePassthrough means the request was forwarded without interception.
	SourcePassthrough Source = "passthrough"
)

// Result is the answer to one request.
type Result struct {
	Response *http.Response
	Class    classify.Class
	Source   Source
}

// Config holds strategy engine configuration.
type Config struct {
	// ShellURL is the absolute URL of the cached application shell
	ShellURL string

	// Manifest lists the absolute URLs of bundled assets; same-origin
	// responses for these keys are stored in the static tier
	Manifest []string

	// OfflineMessage is the message of the realtime offline placeholder
	OfflineMessage string

	// MaxBackground bounds concurrently running background tasks
	MaxBackground int

	// BackgroundTimeout bounds a single background task
	BackgroundTimeout time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		OfflineMessage:    "You are offline. Showing cached data.",
		MaxBackground:     32,
		BackgroundTimeout: 30 * time.Second,
	}
}

// Engine routes requests to strategies.
type Engine struct {
	classifier *classify.Classifier
	fetcher    fetch.Fetcher
	tiers      generation.Tiers
	manifest   map[string]bool
	shellKey   tier.Key
	config     Config
	bg         *background
	logger     zerolog.Logger
}

// New creates a strategy engine over the tiers of the running version.
func New(classifier *classify.Classifier, fetcher fetch.Fetcher, tiers generation.Tiers, cfg Config, logger zerolog.Logger) (*Engine, error) {
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if tiers.Static == nil || tiers.Dynamic == nil || tiers.Runtime == nil {
		return nil, fmt.Errorf("static, dynamic and runtime tiers are required")
	}
	shellKey, err := tier.NewKey(http.MethodGet, cfg.ShellURL)
	if err != nil {
		return nil, fmt.Errorf("shell url: %w", err)
	}

	defaults := DefaultConfig()
	if cfg.OfflineMessage == "" {
		cfg.OfflineMessage = defaults.OfflineMessage
	}
	if cfg.MaxBackground <= 0 {
		cfg.MaxBackground = defaults.MaxBackground
	}
	if cfg.BackgroundTimeout <= 0 {
		cfg.BackgroundTimeout = defaults.BackgroundTimeout
	}

	manifest := make(map[string]bool, len(cfg.Manifest))
	for _, u := range cfg.Manifest {
		k, err := tier.NewKey(http.MethodGet, u)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", u, err)
		}
		manifest[k.URL] = true
	}

	return &Engine{
		classifier: classifier,
		fetcher:    fetcher,
		tiers:      tiers,
		manifest:   manifest,
		shellKey:   shellKey,
		config:     cfg,
		bg:         newBackground(cfg.MaxBackground, cfg.BackgroundTimeout, logger),
		logger:     logger,
	}, nil
}

// Serve answers req. req.URL must be absolute. Intercepted requests always
// get a response; the worst case is a synthesized 503.
func (e *Engine) Serve(ctx context.Context, req *http.Request) Result {
	result := e.serve(ctx, req)
	strategyRequestsTotal.WithLabelValues(string(result.Class), string(result.Source)).Inc()
	return result
}

func (e *Engine) serve(ctx context.Context, req *http.Request) Result {
	class, intercepted := e.classifier.Classify(req)
	if !intercepted || class == classify.Other {
		return e.passthrough(ctx, req, class)
	}

	key, err := tier.KeyForRequest(req)
	if err != nil {
		e.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Request has no cache key")
		return e.passthrough(ctx, req, class)
	}

	switch class {
	case classify.RealtimeBackend:
		return e.networkFirst(ctx, req, key)
	case classify.Accelerator:
		return e.staleWhileRevalidate(ctx, req, key)
	default:
		return e.cacheFirst(ctx, req, key)
	}
}

// passthrough forwards req without touching any tier.
func (e *Engine) passthrough(ctx context.Context, req *http.Request, class classify.Class) Result {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		e.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Passthrough fetch failed")
		return Result{Response: badGateway(req, err), Class: class, Source: SourcePassthrough}
	}
	return Result{Response: resp, Class: class, Source: SourcePassthrough}
}

func (e *Engine) networkFirst(ctx context.Context, req *http.Request, key tier.Key) Result {
	const class = classify.RealtimeBackend

	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil {
		if !tier.IsStorable(resp) {
			return Result{Response: resp, Class: class, Source: SourceNetwork}
		}
		entry, err := tier.ResponseToEntry(resp)
		if err == nil {
			store := func(ctx context.Context) error {
				return e.tiers.Runtime.Put(ctx, key, entry)
			}
			if !e.bg.submit("store", key.String(), false, store) {
				e.put(ctx, e.tiers.Runtime, key, entry)
			}
			return Result{Response: resp, Class: class, Source: SourceNetwork}
		}
		// body broke mid-read; treat as unreachable
		e.logger.Debug().Err(err).Str("key", key.String()).Msg("Failed to read realtime response")
	}

	entry, found, err := tier.Match(ctx, key, e.tiers.All()...)
	if err == nil {
		e.logger.Debug().Str("key", key.String()).Str("tier", found.Name()).Msg("Serving realtime request from cache")
		return Result{Response: tier.EntryToResponse(entry, req), Class: class, Source: SourceCache}
	}
	if err != tier.ErrMiss {
		// some tier failed on top of the miss
		e.logger.Debug().Err(err).Str("key", key.String()).Msg("Tier lookup failed")
	}

	return Result{Response: offlineJSON(req, e.config.OfflineMessage), Class: class, Source: SourceFallback}
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, req *http.Request, key tier.Key) Result {
	const class = classify.Accelerator

	if entry, err := e.tiers.Dynamic.Get(ctx, key); err == nil {
		e.refresh(req, key, e.tiers.Dynamic)
		return Result{Response: tier.EntryToResponse(entry, req), Class: class, Source: SourceCache}
	} else if !errors.Is(err, tier.ErrMiss) {
		e.logger.Debug().Err(err).Str("key", key.String()).Msg("Dynamic tier lookup failed")
	}

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{Response: unavailable(req), Class: class, Source: SourceFallback}
	}
	e.storeResponse(ctx, resp, e.tiers.Dynamic, key)
	return Result{Response: resp, Class: class, Source: SourceNetwork}
}

func (e *Engine) cacheFirst(ctx context.Context, req *http.Request, key tier.Key) Result {
	const class = classify.SameOrigin
	document := IsDocument(req)

	entry, found, err := tier.Match(ctx, key, e.tiers.All()...)
	if err == nil {
		if document {
			// refresh where the entry lives so its tier never changes
			e.refresh(req, key, found)
		}
		return Result{Response: tier.EntryToResponse(entry, req), Class: class, Source: SourceCache}
	}
	if err != tier.ErrMiss {
		e.logger.Debug().Err(err).Str("key", key.String()).Msg("Tier lookup failed")
	}

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		if document {
			if shell, _, err := tier.Match(ctx, e.shellKey, e.tiers.All()...); err == nil {
				return Result{Response: tier.EntryToResponse(shell, req), Class: class, Source: SourceFallback}
			}
			e.logger.Warn().Str("shell", e.shellKey.URL).Msg("Application shell not cached")
		}
		return Result{Response: unavailable(req), Class: class, Source: SourceFallback}
	}

	target := e.tiers.Runtime
	if e.manifest[key.URL] {
		target = e.tiers.Static
	}
	e.storeResponse(ctx, resp, target, key)
	return Result{Response: resp, Class: class, Source: SourceNetwork}
}

// storeResponse writes resp into t when it is storable. resp stays readable
// for the caller.
func (e *Engine) storeResponse(ctx context.Context, resp *http.Response, t tier.Tier, key tier.Key) {
	if !tier.IsStorable(resp) {
		return
	}
	entry, err := tier.ResponseToEntry(resp)
	if err != nil {
		e.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to buffer response")
		return
	}
	e.put(ctx, t, key, entry)
}

func (e *Engine) put(ctx context.Context, t tier.Tier, key tier.Key, entry *tier.Entry) {
	if err := t.Put(ctx, key, entry); err != nil {
		e.logger.Warn().Err(err).Str("tier", t.Name()).Str("key", key.String()).Msg("Failed to store response")
	}
}

// conditionalHeaders would let the origin answer a refresh with 304 or 206,
// neither of which can replace a stored entry.
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// refresh re-fetches key in the background and overwrites it in t on 200.
// The original request only contributes its unconditional headers.
func (e *Engine) refresh(req *http.Request, key tier.Key, t tier.Tier) {
	header := req.Header.Clone()
	for _, h := range conditionalHeaders {
		header.Del(h)
	}
	e.bg.submit("refresh", key.String(), true, func(ctx context.Context) error {
		bgReq, err := http.NewRequestWithContext(ctx, http.MethodGet, key.URL, nil)
		if err != nil {
			return err
		}
		if header != nil {
			bgReq.Header = header
		}
		resp, err := e.fetcher.Fetch(ctx, bgReq)
		if err != nil {
			return err
		}
		if !tier.IsStorable(resp) {
			resp.Body.Close()
			return fmt.Errorf("refresh %s: status %d", key.URL, resp.StatusCode)
		}
		entry, err := tier.ResponseToEntry(resp)
		resp.Body.Close()
		if err != nil {
			return err
		}
		return t.Put(ctx, key, entry)
	})
}

// Wait blocks until every background task submitted so far has finished.
func (e *Engine) Wait() {
	e.bg.wait()
}

// Close stops accepting background tasks and drains the running ones.
func (e *Engine) Close() {
	e.bg.close()
}

// IsDocument reports whether req targets a top-level document.
func IsDocument(req *http.Request) bool {
	if dest := req.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
