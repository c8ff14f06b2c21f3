package connectivity

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/offline-proxy/pkg/fetch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for connectivity tracking.
var (
	connectivityOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_connectivity_online",
		Help: "1 while origins are reachable, 0 while offline",
	})

	connectivityTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_connectivity_transitions_total",
		Help: "Total number of connectivity transitions by target state",
	}, []string{"to"})
)

// RestoredFunc is called after an offline→online transition.
type RestoredFunc func(ctx context.Context, offlineFor time.Duration)

// Tracker records fetch outcomes and detects connectivity transitions.
// It implements fetch.Observer.
type Tracker struct {
	mu        sync.Mutex
	state     State
	threshold int

	onRestored RestoredFunc
	wg         sync.WaitGroup

	// optional shared copy of the state
	redis     *redis.Client
	namespace string

	logger zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThreshold sets the number of consecutive offline fetches that flip the
// state to offline.
func WithThreshold(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.threshold = n
		}
	}
}

// WithRedis mirrors state transitions into the hash <namespace>:connectivity
// so other instances and operators can read them.
func WithRedis(client *redis.Client, namespace string) Option {
	return func(t *Tracker) {
		t.redis = client
		t.namespace = namespace
	}
}

// OnRestored registers the callback run when connectivity returns.
func OnRestored(fn RestoredFunc) Option {
	return func(t *Tracker) {
		t.onRestored = fn
	}
}

// NewTracker creates a new connectivity tracker. The network is assumed
// reachable until proven otherwise.
func NewTracker(logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		state: State{
			Online:     true,
			LastChange: time.Now(),
			LastUpdate: time.Now(),
		},
		threshold: DefaultOfflineThreshold,
		namespace: "offline",
		logger:    logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	connectivityOnline.Set(1)
	return t
}

var _ fetch.Observer = (*Tracker)(nil)

// GetState returns a copy of the current state.
func (t *Tracker) GetState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Online reports whether origins are currently considered reachable.
func (t *Tracker) Online() bool {
	return t.GetState().Online
}

// ObserveFetch records the outcome of one fetch. Cancelled fetches are
// ignored; other errors that do not mean the network is unreachable are
// treated as successes.
func (t *Tracker) ObserveFetch(host string, err error) {
	if fetch.IsCancelled(err) {
		return
	}
	offline := err != nil && fetch.IsOffline(err)

	t.mu.Lock()
	now := time.Now()
	prev := t.state
	t.state.LastUpdate = now

	if offline {
		t.state.ConsecutiveFailures++
		if t.state.Online && t.state.ConsecutiveFailures >= t.threshold {
			t.state.Online = false
			t.state.LastChange = now
		}
	} else {
		t.state.ConsecutiveFailures = 0
		if !t.state.Online {
			t.state.Online = true
			t.state.LastChange = now
		}
	}
	next := t.state
	t.mu.Unlock()

	if prev.Online == next.Online {
		return
	}

	if !next.Online {
		connectivityOnline.Set(0)
		connectivityTransitionsTotal.WithLabelValues("offline").Inc()
		t.logger.Warn().
			Str("host", host).
			Int("consecutive_failures", next.ConsecutiveFailures).
			Msg("Origins unreachable - serving from cache")
		t.persist(next)
		return
	}

	offlineFor := now.Sub(prev.LastChange)
	connectivityOnline.Set(1)
	connectivityTransitionsTotal.WithLabelValues("online").Inc()
	t.logger.Info().
		Str("host", host).
		Dur("offline_for", offlineFor).
		Msg("Connectivity restored")
	t.persist(next)

	if t.onRestored != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.onRestored(context.Background(), offlineFor)
		}()
	}
}

// Wait blocks until every restored callback has returned.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) redisKey() string {
	return t.namespace + ":" + redisKeyState
}

// persist stores a transition in Redis. Failures are logged only.
func (t *Tracker) persist(s State) {
	if t.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := t.redis.HSet(ctx, t.redisKey(),
		"online", strconv.FormatBool(s.Online),
		"last_change", s.LastChange.Unix(),
	).Err()
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to store connectivity state in redis")
	}
}

// LoadShared reads the state last written to Redis by any instance.
func (t *Tracker) LoadShared(ctx context.Context) (State, error) {
	if t.redis == nil {
		return State{}, fmt.Errorf("no redis client configured")
	}
	fields, err := t.redis.HGetAll(ctx, t.redisKey()).Result()
	if err != nil {
		return State{}, fmt.Errorf("get connectivity state: %w", err)
	}
	if len(fields) == 0 {
		return State{Online: true}, nil
	}

	online, err := strconv.ParseBool(fields["online"])
	if err != nil {
		return State{}, fmt.Errorf("parse online flag: %w", err)
	}
	changed, err := strconv.ParseInt(fields["last_change"], 10, 64)
	if err != nil {
		return State{}, fmt.Errorf("parse last change: %w", err)
	}
	return State{Online: online, LastChange: time.Unix(changed, 0)}, nil
}
