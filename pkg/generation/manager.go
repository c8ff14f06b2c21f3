// Package generation owns the versioned cache tiers: it creates and fills
// the tiers of the running version at install and removes every tier of
// other versions at activation.
package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/offline-proxy/pkg/preload"
	"github.com/Sternrassler/offline-proxy/pkg/tier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	generationTierDeletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_generation_tier_deletions_total",
		Help: "Total number of stale tier deletions by result",
	}, []string{"result"})

	generationPhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_generation_phase_duration_seconds",
		Help:    "Duration of install and activate phases",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"phase"})
)

// Preloader fills freshly opened tiers from their manifests.
type Preloader interface {
	Run(ctx context.Context, static tier.Tier, staticManifest []string, dynamic tier.Tier, externalManifest []string) preload.Result
}

// Claimer takes over connected clients for a version.
type Claimer interface {
	Claim(version string) int
}

// Config identifies the running generation.
type Config struct {
	// Prefix is the leading part of every tier name
	Prefix string

	// Version is the build tag of the running process
	Version string

	// StaticManifest lists the bundled application assets
	StaticManifest []string

	// ExternalManifest lists third-party assets preloaded into the dynamic tier
	ExternalManifest []string
}

// Tiers are the three tiers of the running version.
type Tiers struct {
	Static  tier.Tier
	Dynamic tier.Tier
	Runtime tier.Tier
}

// All returns the tiers in lookup order.
func (t Tiers) All() []tier.Tier {
	return []tier.Tier{t.Static, t.Dynamic, t.Runtime}
}

// InstallReport is the outcome of Install.
type InstallReport struct {
	Preload  preload.Result
	Duration time.Duration
}

// ActivateReport is the outcome of Activate.
type ActivateReport struct {
	// Deleted lists removed stale tiers
	Deleted []string

	// Failed lists stale tiers that could not be removed
	Failed []string

	// Claimed is the number of clients taken over
	Claimed int

	// CleanupErr joins every cleanup failure; it never blocks activation
	CleanupErr error

	Duration time.Duration
}

// Manager runs the install and activate phases of one version.
type Manager struct {
	store     tier.Store
	preloader Preloader
	claimer   Claimer
	config    Config
	logger    zerolog.Logger
}

// New creates a generation manager for the version in cfg.
func New(store tier.Store, preloader Preloader, claimer Claimer, cfg Config, logger zerolog.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("tier store is required")
	}
	if cfg.Prefix == "" {
		return nil, fmt.Errorf("tier prefix is required")
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("version is required")
	}
	return &Manager{
		store:     store,
		preloader: preloader,
		claimer:   claimer,
		config:    cfg,
		logger:    logger.With().Str("version", cfg.Version).Logger(),
	}, nil
}

// Version returns the version tag this manager serves.
func (m *Manager) Version() string {
	return m.config.Version
}

// Name returns the tier name of role for the running version.
func (m *Manager) Name(role tier.Role) string {
	return tier.Name(m.config.Prefix, role, m.config.Version)
}

// ValidNames returns the names of the three current tiers.
func (m *Manager) ValidNames() []string {
	names := make([]string, 0, len(tier.Roles))
	for _, r := range tier.Roles {
		names = append(names, m.Name(r))
	}
	return names
}

// Tiers opens (creating if needed) the three current tiers.
func (m *Manager) Tiers(ctx context.Context) (Tiers, error) {
	var t Tiers
	var err error
	if t.Static, err = m.store.Open(ctx, m.Name(tier.RoleStatic)); err != nil {
		return Tiers{}, fmt.Errorf("open static tier: %w", err)
	}
	if t.Dynamic, err = m.store.Open(ctx, m.Name(tier.RoleDynamic)); err != nil {
		return Tiers{}, fmt.Errorf("open dynamic tier: %w", err)
	}
	if t.Runtime, err = m.store.Open(ctx, m.Name(tier.RoleRuntime)); err != nil {
		return Tiers{}, fmt.Errorf("open runtime tier: %w", err)
	}
	return t, nil
}

// Install opens the static and dynamic tiers of the running version and
// preloads them. Item failures are reported, never returned; only a tier
// that cannot be opened fails the install.
func (m *Manager) Install(ctx context.Context) (InstallReport, error) {
	start := time.Now()
	defer func() {
		generationPhaseDuration.WithLabelValues("install").Observe(time.Since(start).Seconds())
	}()

	static, err := m.store.Open(ctx, m.Name(tier.RoleStatic))
	if err != nil {
		return InstallReport{}, fmt.Errorf("open static tier: %w", err)
	}
	dynamic, err := m.store.Open(ctx, m.Name(tier.RoleDynamic))
	if err != nil {
		return InstallReport{}, fmt.Errorf("open dynamic tier: %w", err)
	}

	var report InstallReport
	if m.preloader != nil {
		report.Preload = m.preloader.Run(ctx, static, m.config.StaticManifest, dynamic, m.config.ExternalManifest)
	}
	report.Duration = time.Since(start)

	if !report.Preload.Complete() {
		m.logger.Warn().
			Int("static_failed", len(report.Preload.Static.Failed)).
			Int("dynamic_failed", len(report.Preload.Dynamic.Failed)).
			Msg("Install finished with partial population")
	} else {
		m.logger.Info().Dur("duration", report.Duration).Msg("Install finished")
	}
	return report, nil
}

// Activate removes every tier that is not one of the three current tiers,
// makes sure the current ones exist, and claims connected clients. Cleanup
// and claim run concurrently; each stale tier is deleted independently.
func (m *Manager) Activate(ctx context.Context) ActivateReport {
	start := time.Now()
	defer func() {
		generationPhaseDuration.WithLabelValues("activate").Observe(time.Since(start).Seconds())
	}()

	var report ActivateReport
	var g errgroup.Group

	g.Go(func() error {
		report.Deleted, report.Failed, report.CleanupErr = m.cleanup(ctx)
		return nil
	})
	g.Go(func() error {
		if m.claimer != nil {
			report.Claimed = m.claimer.Claim(m.config.Version)
		}
		return nil
	})
	_ = g.Wait()

	report.Duration = time.Since(start)
	if report.CleanupErr != nil {
		m.logger.Error().
			Err(report.CleanupErr).
			Strs("failed", report.Failed).
			Msg("Stale tier cleanup incomplete")
	}
	m.logger.Info().
		Strs("deleted", report.Deleted).
		Int("claimed", report.Claimed).
		Dur("duration", report.Duration).
		Msg("Activated")
	return report
}

func (m *Manager) cleanup(ctx context.Context) (deleted, failed []string, err error) {
	valid := make(map[string]bool, len(tier.Roles))
	for _, name := range m.ValidNames() {
		valid[name] = true
	}

	var errs []error
	names, listErr := m.store.Names(ctx)
	if listErr != nil {
		errs = append(errs, fmt.Errorf("list tiers: %w", listErr))
	}

	for _, name := range names {
		if valid[name] {
			continue
		}
		if _, err := m.store.Delete(ctx, name); err != nil {
			generationTierDeletionsTotal.WithLabelValues("failed").Inc()
			m.logger.Warn().Err(err).Str("tier", name).Msg("Failed to delete stale tier")
			failed = append(failed, name)
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		generationTierDeletionsTotal.WithLabelValues("deleted").Inc()
		m.logger.Info().Str("tier", name).Msg("Deleted stale tier")
		deleted = append(deleted, name)
	}

	if _, err := m.Tiers(ctx); err != nil {
		errs = append(errs, err)
	}
	return deleted, failed, errors.Join(errs...)
}
