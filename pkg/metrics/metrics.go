// Package metrics provides the Prometheus registry shared by the offline proxy.
// All metrics are defined in their respective packages (tier, fetch,
// connectivity, strategy, ...) to keep them next to the code they measure.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the proxy.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer serves the registered metrics on /metrics.
var Gatherer = prometheus.DefaultGatherer

// Names lists every metric the proxy registers.
var Names = []string{
	"offline_tier_hits_total",
	"offline_tier_misses_total",
	"offline_tier_stored_bytes_total",
	"offline_tier_errors_total",
	"offline_fetch_requests_total",
	"offline_fetch_duration_seconds",
	"offline_fetch_errors_total",
	"offline_fetch_breaker_state",
	"offline_fetch_retries_total",
	"offline_fetch_retry_backoff_seconds",
	"offline_fetch_retry_exhausted_total",
	"offline_connectivity_online",
	"offline_connectivity_transitions_total",
	"offline_preload_items_total",
	"offline_generation_tier_deletions_total",
	"offline_generation_phase_duration_seconds",
	"offline_strategy_requests_total",
	"offline_strategy_background_tasks_total",
	"offline_notify_messages_total",
	"offline_notify_clients",
	"offline_worker_state",
}

// Metrics Documentation
//
// Tier Metrics (pkg/tier):
//   - offline_tier_hits_total{role} (Counter): Lookups that found an entry
//   - offline_tier_misses_total{role} (Counter): Lookups that found nothing
//   - offline_tier_stored_bytes_total{role} (Counter): Body bytes written into tiers
//   - offline_tier_errors_total{backend, operation} (Counter): Backend failures
//
// Fetch Metrics (pkg/fetch):
//   - offline_fetch_requests_total{host, status} (Counter): Origin fetches by host and status
//   - offline_fetch_duration_seconds{host} (Histogram): Origin fetch duration
//   - offline_fetch_errors_total{class} (Counter): Errors by class (client, server, network, circuit, cancelled)
//   - offline_fetch_breaker_state{host} (Gauge): 0=closed, 1=half-open, 2=open
//   - offline_fetch_retries_total{error_class} (Counter): Retry attempts
//   - offline_fetch_retry_backoff_seconds{error_class} (Histogram): Backoff durations
//   - offline_fetch_retry_exhausted_total{error_class} (Counter): Fetches that ran out of attempts
//
// Connectivity Metrics (pkg/connectivity):
//   - offline_connectivity_online (Gauge): 1 while origins are reachable
//   - offline_connectivity_transitions_total{to} (Counter): online/offline transitions
//
// Lifecycle Metrics (pkg/preload, pkg/generation, pkg/worker):
//   - offline_preload_items_total{role, result} (Counter): Manifest items stored or failed
//   - offline_generation_tier_deletions_total{result} (Counter): Stale tier deletions
//   - offline_generation_phase_duration_seconds{phase} (Histogram): install/activate duration
//   - offline_worker_state{state} (Gauge): 1 for the current lifecycle state
//
// Strategy Metrics (pkg/strategy):
//   - offline_strategy_requests_total{class, source} (Counter): Answers by class and source
//   - offline_strategy_background_tasks_total{kind, result} (Counter): Background stores and refreshes
//
// Notify Metrics (pkg/notify):
//   - offline_notify_messages_total{type, result} (Counter): Delivered and failed messages
//   - offline_notify_clients (Gauge): Connected clients
//
// Example Prometheus Queries:
//
//   # Share of requests answered without the network
//   sum(rate(offline_strategy_requests_total{source=~"cache|fallback"}[5m])) /
//   sum(rate(offline_strategy_requests_total[5m]))
//
//   # Offline right now
//   offline_connectivity_online == 0
//
//   # Hosts with an open breaker
//   offline_fetch_breaker_state == 2
//
//   # P95 origin latency
//   histogram_quantile(0.95, rate(offline_fetch_duration_seconds_bucket[5m]))
