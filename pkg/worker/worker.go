// Package worker wires the tier store, generation manager, strategy engine
// and client notifier into one offline proxy and drives its lifecycle:
//
//	parsed → installing → installed → activating → activated
//
// Before activation requests are forwarded untouched, the way an
// uncontrolled page talks to the network directly. While activation runs,
// intercepted requests wait for it to finish.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/Sternrassler/offline-proxy/pkg/classify"
	"github.com/Sternrassler/offline-proxy/pkg/config"
	"github.com/Sternrassler/offline-proxy/pkg/connectivity"
	"github.com/Sternrassler/offline-proxy/pkg/fetch"
	"github.com/Sternrassler/offline-proxy/pkg/generation"
	"github.com/Sternrassler/offline-proxy/pkg/logging"
	"github.com/Sternrassler/offline-proxy/pkg/notify"
	"github.com/Sternrassler/offline-proxy/pkg/preload"
	"github.com/Sternrassler/offline-proxy/pkg/strategy"
	"github.com/Sternrassler/offline-proxy/pkg/tier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var lifecycleState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "offline_worker_state",
	Help: "1 for the current lifecycle state of the worker",
}, []string{"state"})

// State is a lifecycle state.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

var allStates = []State{StateParsed, StateInstalling, StateInstalled, StateActivating, StateActivated}

// ErrInvalidState is returned when a lifecycle step is requested out of order.
var ErrInvalidState = errors.New("invalid lifecycle state")

// Options holds the collaborators of a Worker.
type Options struct {
	// Config is the validated proxy configuration (required)
	Config *config.Config

	// Store backs the cache tiers (required)
	Store tier.Store

	// Fetcher reaches the origins. When nil an HTTPFetcher is built from
	// Config.Fetch.
	Fetcher fetch.Fetcher

	// Redis, when set, receives the shared connectivity state
	Redis *redis.Client

	// PushSink displays push notifications. Defaults to a logging sink.
	PushSink PushSink

	Logger zerolog.Logger
}

// Worker is the offline proxy.
type Worker struct {
	config   *config.Config
	base     *url.URL
	store    tier.Store
	fetcher  fetch.Fetcher
	tracker  *connectivity.Tracker
	registry *notify.Registry
	manager  *generation.Manager
	classify *classify.Classifier
	pushSink PushSink
	logger   zerolog.Logger

	mu     sync.Mutex
	state  State
	engine *strategy.Engine
	// done is closed when the running activation attempt ends, whatever
	// its outcome
	done chan struct{}
}

// New builds a Worker in the parsed state.
func New(opts Options) (*Worker, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("tier store is required")
	}
	base, err := url.Parse(cfg.App.BaseURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("app base url must be absolute: %q", cfg.App.BaseURL)
	}

	logger := opts.Logger.With().Str("version", cfg.App.Version).Logger()

	w := &Worker{
		config:   cfg,
		base:     base,
		store:    opts.Store,
		registry: notify.NewRegistry(logging.Component(logger, "notify")),
		pushSink: opts.PushSink,
		logger:   logger,
		state:    StateParsed,
	}
	if w.pushSink == nil {
		w.pushSink = LogSink{Logger: logger}
	}

	trackerOpts := []connectivity.Option{
		connectivity.WithThreshold(cfg.Connectivity.OfflineThreshold),
		connectivity.OnRestored(w.onRestored),
	}
	if opts.Redis != nil {
		trackerOpts = append(trackerOpts, connectivity.WithRedis(opts.Redis, cfg.Storage.Namespace))
	}
	w.tracker = connectivity.NewTracker(logging.Component(logger, "connectivity"), trackerOpts...)

	if opts.Fetcher != nil {
		w.fetcher = observed(opts.Fetcher, w.tracker)
	} else {
		f, err := fetch.New(fetch.Config{
			Timeout:   cfg.Fetch.Timeout,
			UserAgent: cfg.Fetch.UserAgent,
			Retry: fetch.RetryConfig{
				MaxAttempts:       cfg.Fetch.MaxAttempts,
				InitialBackoff:    cfg.Fetch.InitialBackoff,
				MaxBackoff:        cfg.Fetch.MaxBackoff,
				BackoffMultiplier: 2.0,
			},
			BreakerFailures: cfg.Fetch.BreakerFailures,
			BreakerTimeout:  cfg.Fetch.BreakerTimeout,
			Observer:        w.tracker,
		})
		if err != nil {
			return nil, fmt.Errorf("create fetcher: %w", err)
		}
		w.fetcher = f
	}

	rules, err := cfg.Rules()
	if err != nil {
		return nil, err
	}
	if w.classify, err = classify.New(classify.Origin(base), rules); err != nil {
		return nil, fmt.Errorf("create classifier: %w", err)
	}

	preloader, err := preload.New(w.fetcher, base.String(), preload.Config{
		MaxConcurrency: cfg.Preload.Concurrency,
		Timeout:        cfg.Preload.Timeout,
	}, logging.Component(logger, "preload"))
	if err != nil {
		return nil, fmt.Errorf("create preloader: %w", err)
	}

	w.manager, err = generation.New(opts.Store, preloader, w.registry, generation.Config{
		Prefix:           cfg.App.Prefix,
		Version:          cfg.App.Version,
		StaticManifest:   cfg.App.StaticManifest,
		ExternalManifest: cfg.App.ExternalManifest,
	}, logging.Component(logger, "generation"))
	if err != nil {
		return nil, fmt.Errorf("create generation manager: %w", err)
	}

	w.setState(StateParsed)
	return w, nil
}

// observed reports the outcome of every fetch of f the caller did not
// abandon to obs.
func observed(f fetch.Fetcher, obs fetch.Observer) fetch.Fetcher {
	return fetch.FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		resp, err := f.Fetch(ctx, req)
		if err != nil && (ctx.Err() != nil || fetch.IsCancelled(err)) {
			return resp, err
		}
		obs.ObserveFetch(req.URL.Host, err)
		return resp, err
	})
}

// setState must be called with mu held, except from New.
func (w *Worker) setState(s State) {
	w.state = s
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		lifecycleState.WithLabelValues(string(st)).Set(v)
	}
	w.logger.Info().Str("state", string(s)).Msg("Lifecycle state changed")
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Version returns the running version tag.
func (w *Worker) Version() string {
	return w.config.App.Version
}

// Registry returns the connected-client registry.
func (w *Worker) Registry() *notify.Registry {
	return w.registry
}

// Connectivity returns the connectivity tracker.
func (w *Worker) Connectivity() *connectivity.Tracker {
	return w.tracker
}

// Start installs the worker and, when skip_waiting is set, activates it.
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.Install(ctx); err != nil {
		return err
	}
	if !w.config.App.SkipWaiting {
		w.logger.Info().Msg("Installed; waiting for SKIP_WAITING")
		return nil
	}
	_, err := w.Activate(ctx)
	return err
}

// Install runs the install phase. Manifest items that fail are reported in
// the result and do not fail the install.
func (w *Worker) Install(ctx context.Context) (generation.InstallReport, error) {
	w.mu.Lock()
	if w.state != StateParsed {
		defer w.mu.Unlock()
		return generation.InstallReport{}, fmt.Errorf("%w: install from %s", ErrInvalidState, w.state)
	}
	w.setState(StateInstalling)
	w.mu.Unlock()

	report, err := w.manager.Install(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.setState(StateParsed)
		return report, fmt.Errorf("install: %w", err)
	}
	w.setState(StateInstalled)
	return report, nil
}

// Activate removes stale tiers, claims clients and starts routing through
// the strategy engine. Calling it on an activated worker is a no-op.
func (w *Worker) Activate(ctx context.Context) (generation.ActivateReport, error) {
	w.mu.Lock()
	switch w.state {
	case StateActivated:
		w.mu.Unlock()
		return generation.ActivateReport{}, nil
	case StateInstalled:
	default:
		defer w.mu.Unlock()
		return generation.ActivateReport{}, fmt.Errorf("%w: activate from %s", ErrInvalidState, w.state)
	}
	w.setState(StateActivating)
	done := make(chan struct{})
	w.done = done
	w.mu.Unlock()

	report := w.manager.Activate(ctx)

	engine, err := w.newEngine(ctx)
	if err != nil {
		w.mu.Lock()
		w.setState(StateInstalled)
		close(done)
		w.mu.Unlock()
		return report, fmt.Errorf("activate: %w", err)
	}

	w.mu.Lock()
	w.engine = engine
	w.setState(StateActivated)
	close(done)
	w.mu.Unlock()

	w.registry.Broadcast(ctx, notify.Message{
		Type:    notify.TypeActivated,
		Version: w.Version(),
	})
	return report, nil
}

// SkipWaiting promotes an installed worker to activation.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	switch st := w.State(); st {
	case StateInstalled, StateActivated:
		_, err := w.Activate(ctx)
		return err
	default:
		return fmt.Errorf("%w: skip waiting from %s", ErrInvalidState, st)
	}
}

func (w *Worker) newEngine(ctx context.Context) (*strategy.Engine, error) {
	tiers, err := w.manager.Tiers(ctx)
	if err != nil {
		return nil, err
	}

	shell, err := preload.ResolveItem(w.base, w.config.App.Shell)
	if err != nil {
		return nil, err
	}
	manifest := make([]string, 0, len(w.config.App.StaticManifest))
	for _, item := range w.config.App.StaticManifest {
		u, err := preload.ResolveItem(w.base, item)
		if err != nil {
			return nil, err
		}
		manifest = append(manifest, u)
	}

	return strategy.New(w.classify, w.fetcher, tiers, strategy.Config{
		ShellURL:          shell,
		Manifest:          manifest,
		OfflineMessage:    w.config.Strategy.OfflineMessage,
		MaxBackground:     w.config.Strategy.MaxBackground,
		BackgroundTimeout: w.config.Strategy.BackgroundTimeout,
	}, logging.Component(w.logger, "strategy"))
}

// engineFor returns the engine once activated. While activation runs it
// waits for the attempt to end; a failed attempt and any state before
// activation return nil.
func (w *Worker) engineFor(ctx context.Context) (*strategy.Engine, error) {
	w.mu.Lock()
	state, engine, done := w.state, w.engine, w.done
	w.mu.Unlock()

	switch state {
	case StateActivated:
		return engine, nil
	case StateActivating:
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.state != StateActivated {
			return nil, nil
		}
		return w.engine, nil
	default:
		return nil, nil
	}
}

// Wait blocks until background refreshes and connectivity callbacks
// submitted so far have finished.
func (w *Worker) Wait() {
	w.mu.Lock()
	engine := w.engine
	w.mu.Unlock()
	if engine != nil {
		engine.Wait()
	}
	w.tracker.Wait()
}

// Close drains background work. The store is owned by the caller.
func (w *Worker) Close() error {
	w.mu.Lock()
	engine := w.engine
	w.mu.Unlock()
	if engine != nil {
		engine.Close()
	}
	w.tracker.Wait()
	return nil
}
