// Package fetch provides the origin-facing HTTP fetcher with retry and
// per-host circuit breaking.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

// Prometheus metrics for fetch operations.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_fetch_requests_total",
		Help: "Total origin fetches by host and status",
	}, []string{"host", "status"})

	fetchRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_fetch_duration_seconds",
		Help:    "Origin fetch duration in seconds by host",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"host"})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_fetch_errors_total",
		Help: "Total origin fetch errors by class",
	}, []string{"class"})

	fetchBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offline_fetch_breaker_state",
		Help: "Circuit breaker state per host (0=closed, 1=half-open, 2=open)",
	}, []string{"host"})
)

// Fetcher performs network requests on behalf of the strategy engine.
// A returned error means no response was obtained.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch calls f(ctx, req).
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Observer is notified of the outcome of every fetch the caller did not
// abandon. err is nil whenever the origin answered, whatever the status.
type Observer interface {
	ObserveFetch(host string, err error)
}

// Config holds the fetcher configuration.
type Config struct {
	// Timeout bounds a single attempt
	Timeout time.Duration

	// UserAgent is set on outgoing requests that carry none
	UserAgent string

	// Retry
	Retry RetryConfig

	// Circuit breaker
	BreakerFailures uint32        // Consecutive failures before a host is opened
	BreakerTimeout  time.Duration // Time a host stays open before a trial request

	// Observer receives fetch outcomes (optional)
	Observer Observer
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:         10 * time.Second,
		UserAgent:       "offline-proxy/1.0",
		Retry:           DefaultRetryConfig(),
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// HTTPFetcher is a Fetcher backed by net/http.
type HTTPFetcher struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// New creates a new HTTPFetcher.
func New(cfg Config) (*HTTPFetcher, error) {
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0 (got %v)", cfg.Timeout)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultConfig().BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultConfig().BreakerTimeout
	}
	cfg.Retry = cfg.Retry.withDefaults()

	return &HTTPFetcher{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config:   cfg,
		logger:   log.With().Str("component", "fetch").Logger(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (f *HTTPFetcher) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}

// breaker returns the circuit breaker guarding host.
func (f *HTTPFetcher) breaker(host string) *gobreaker.CircuitBreaker[*http.Response] {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[host]; ok {
		return cb
	}

	threshold := f.config.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     f.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// a caller giving up says nothing about the host
		IsExcluded: func(err error) bool {
			return errors.Is(err, ErrContextCancelled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			fetchBreakerState.WithLabelValues(name).Set(float64(to))
			f.logger.Warn().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	f.breakers[host] = cb
	return cb
}

// Fetch performs req against the origin.
//
// Network failures and 5xx answers are retried. When every attempt ended in
// a 5xx, the last response is returned without error so the caller sees the
// origin's answer. Requests for hosts whose breaker is open fail immediately
// with ErrCircuitOpen.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	host := req.URL.Host

	startTime := time.Now()
	defer func() {
		fetchRequestDuration.WithLabelValues(host).Observe(time.Since(startTime).Seconds())
	}()

	retry := f.config.Retry
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		// request bodies cannot be replayed
		retry.MaxAttempts = 1
	}

	cb := f.breaker(host)

	var resp *http.Response
	retryErr := retryWithBackoff(ctx, retry, f.logger, func() (ErrorClass, error) {
		r, err := cb.Execute(func() (*http.Response, error) {
			attempt := req.Clone(ctx)
			attempt.RequestURI = ""
			if attempt.Header.Get("User-Agent") == "" && f.config.UserAgent != "" {
				attempt.Header.Set("User-Agent", f.config.UserAgent)
			}

			r, err := f.httpClient.Do(attempt)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, fmt.Errorf("%w: %w", ErrContextCancelled, ctxErr)
				}
				return nil, err
			}
			if r.StatusCode >= 500 {
				// counted as a failure by the breaker, still handed back
				return r, &FetchError{Host: host, StatusCode: r.StatusCode, ErrorClass: ErrorClassServer, Err: errors.New(r.Status)}
			}
			return r, nil
		})

		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			fetchErrorsTotal.WithLabelValues(string(ErrorClassCircuit)).Inc()
			fetchRequestsTotal.WithLabelValues(host, "circuit_open").Inc()
			return ErrorClassCircuit, &FetchError{Host: host, ErrorClass: ErrorClassCircuit, Err: ErrCircuitOpen}

		case errors.Is(err, ErrContextCancelled):
			fetchErrorsTotal.WithLabelValues(string(ErrorClassCancelled)).Inc()
			fetchRequestsTotal.WithLabelValues(host, "cancelled").Inc()
			return ErrorClassCancelled, &FetchError{Host: host, ErrorClass: ErrorClassCancelled, Err: err}

		case r != nil:
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			resp = r
			fetchRequestsTotal.WithLabelValues(host, strconv.Itoa(r.StatusCode)).Inc()
			if err != nil {
				fetchErrorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
				f.logger.Warn().
					Str("host", host).
					Int("status", r.StatusCode).
					Msg("Origin returned server error")
				return ErrorClassServer, err
			}
			return "", nil

		default:
			fetchErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			fetchRequestsTotal.WithLabelValues(host, "network_error").Inc()
			f.logger.Debug().Err(err).Str("host", host).Msg("Fetch failed")
			return ErrorClassNetwork, &FetchError{Host: host, ErrorClass: ErrorClassNetwork, Err: err}
		}
	})

	if retryErr != nil && resp != nil && resp.StatusCode >= 500 {
		// the origin answered; pass its answer through
		retryErr = nil
	}
	if retryErr != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		f.observe(host, retryErr)
		return nil, retryErr
	}

	f.observe(host, nil)
	return resp, nil
}

func (f *HTTPFetcher) observe(host string, err error) {
	if IsCancelled(err) {
		return
	}
	if f.config.Observer != nil {
		f.config.Observer.ObserveFetch(host, err)
	}
}
