// Package connectivity tracks whether the origins behind the proxy are
// reachable. It watches fetch outcomes and reports the moment the network
// comes back so connected clients can be told to resynchronize.
package connectivity

import (
	"time"
)

// Redis key suffix for the shared connectivity state.
const redisKeyState = "connectivity"

// DefaultOfflineThreshold is the number of consecutive offline fetches after
// which the tracker considers the network gone.
const DefaultOfflineThreshold = 3

// State represents the current connectivity state.
type State struct {
	// Online is false once enough consecutive fetches failed to reach any origin.
	Online bool `json:"online"`

	// ConsecutiveFailures counts offline fetches since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastChange is when Online last flipped.
	LastChange time.Time `json:"last_change"`

	// LastUpdate is when the last fetch outcome was recorded.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if no outcome was recorded within maxAge.
func (s State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// OfflineFor returns how long the network has been unreachable.
// Returns 0 while online.
func (s State) OfflineFor() time.Duration {
	if s.Online || s.LastChange.IsZero() {
		return 0
	}
	return time.Since(s.LastChange)
}
