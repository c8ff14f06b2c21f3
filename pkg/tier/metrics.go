package tier

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TierHits tracks lookups that found an entry, by role
	TierHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_tier_hits_total",
			Help: "Total number of tier lookups that found an entry",
		},
		[]string{"role"},
	)

	// TierMisses tracks lookups that found nothing, by role
	TierMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_tier_misses_total",
			Help: "Total number of tier lookups that found nothing",
		},
		[]string{"role"},
	)

	// TierStoredBytes tracks bytes written into tiers, by role
	TierStoredBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_tier_stored_bytes_total",
			Help: "Total number of bytes written into tiers",
		},
		[]string{"role"},
	)

	// TierErrors tracks backend failures
	TierErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_tier_errors_total",
			Help: "Total number of tier backend errors",
		},
		[]string{"backend", "operation"}, // "get", "put", "delete", "names", "open"
	)
)

// RoleOf extracts the role from a tier name built by Name.
// Names that do not follow the format report "other".
func RoleOf(name string) string {
	for _, r := range Roles {
		if strings.Contains(name, "-"+string(r)+"-v") {
			return string(r)
		}
	}
	return "other"
}

func observeGet(name string, hit bool) {
	if hit {
		TierHits.WithLabelValues(RoleOf(name)).Inc()
		return
	}
	TierMisses.WithLabelValues(RoleOf(name)).Inc()
}

func observePut(name string, entry *Entry) {
	TierStoredBytes.WithLabelValues(RoleOf(name)).Add(float64(entry.Size()))
}
