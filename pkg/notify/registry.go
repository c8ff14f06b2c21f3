package notify

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	notifyMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_notify_messages_total",
		Help: "Total number of client messages by type and result",
	}, []string{"type", "result"})

	notifyClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_notify_clients",
		Help: "Number of connected clients",
	})
)

// Registry tracks connected clients in registration order.
type Registry struct {
	mu      sync.RWMutex
	clients []Client
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds c. Registering the same id twice replaces the old client.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.clients {
		if existing.ID() == c.ID() {
			r.clients[i] = c
			return
		}
	}
	r.clients = append(r.clients, c)
	notifyClients.Set(float64(len(r.clients)))
}

// Unregister removes the client with id. It reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.clients {
		if c.ID() == id {
			r.clients = append(r.clients[:i], r.clients[i+1:]...)
			notifyClients.Set(float64(len(r.clients)))
			return true
		}
	}
	return false
}

// List returns a snapshot of the connected clients.
func (r *Registry) List() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Client, len(r.clients))
	copy(out, r.clients)
	return out
}

// Claim hands every connected client to version and returns how many were
// claimed.
func (r *Registry) Claim(version string) int {
	clients := r.List()
	for _, c := range clients {
		if cc, ok := c.(Controllable); ok {
			cc.SetController(version)
		}
	}
	r.logger.Info().
		Str("version", version).
		Int("clients", len(clients)).
		Msg("Claimed clients")
	return len(clients)
}

// BroadcastResult counts the outcome of one broadcast.
type BroadcastResult struct {
	Delivered int
	Failed    int
}

// Broadcast posts msg to every client connected at the time of the call.
// Delivery is best effort: failures are counted and logged, never retried.
func (r *Registry) Broadcast(ctx context.Context, msg Message) BroadcastResult {
	var result BroadcastResult
	for _, c := range r.List() {
		if err := c.PostMessage(ctx, msg); err != nil {
			result.Failed++
			notifyMessagesTotal.WithLabelValues(string(msg.Type), "failed").Inc()
			r.logger.Warn().
				Err(err).
				Str("client", c.ID()).
				Str("type", string(msg.Type)).
				Msg("Failed to deliver message")
			continue
		}
		result.Delivered++
		notifyMessagesTotal.WithLabelValues(string(msg.Type), "delivered").Inc()
	}

	r.logger.Debug().
		Str("type", string(msg.Type)).
		Int("delivered", result.Delivered).
		Int("failed", result.Failed).
		Msg("Broadcast complete")
	return result
}
