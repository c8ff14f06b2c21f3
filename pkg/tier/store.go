package tier

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMiss indicates the requested key is not stored in the tier
	ErrMiss = errors.New("tier miss")

	// ErrInvalidEntry indicates a stored entry could not be decoded
	ErrInvalidEntry = errors.New("invalid tier entry")
)

// Role is the logical purpose of a tier.
type Role string

const (
	// RoleStatic holds the bundled application assets.
	RoleStatic Role = "static"

	// RoleDynamic holds third-party accelerator assets.
	RoleDynamic Role = "dynamic"

	// RoleRuntime holds responses cached while serving traffic.
	RoleRuntime Role = "runtime"
)

// Roles lists every role in lookup order.
var Roles = []Role{RoleStatic, RoleDynamic, RoleRuntime}

// Name composes the external name of a tier.
// Format: prefix-role-vVERSION
func Name(prefix string, role Role, version string) string {
	return fmt.Sprintf("%s-%s-v%s", prefix, role, version)
}

// Store maps tier names to tiers.
type Store interface {
	// Open returns the named tier, creating it if it does not exist.
	Open(ctx context.Context, name string) (Tier, error)

	// Delete removes the named tier and all of its entries.
	// It reports whether the tier existed.
	Delete(ctx context.Context, name string) (bool, error)

	// Names lists every existing tier.
	Names(ctx context.Context) ([]string, error)

	// Close releases the backend.
	Close() error
}

// Tier is a single key→entry store.
type Tier interface {
	Name() string
	Get(ctx context.Context, key Key) (*Entry, error)
	Put(ctx context.Context, key Key, entry *Entry) error
	Delete(ctx context.Context, key Key) (bool, error)
	Keys(ctx context.Context) ([]Key, error)
}

// Match returns the first entry stored under key across tiers, searched in
// the given order. Backend errors on one tier do not stop the search.
func Match(ctx context.Context, key Key, tiers ...Tier) (*Entry, Tier, error) {
	var errs []error
	for _, t := range tiers {
		if t == nil {
			continue
		}
		entry, err := t.Get(ctx, key)
		if err == nil {
			return entry, t, nil
		}
		if !errors.Is(err, ErrMiss) {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	if len(errs) > 0 {
		return nil, nil, errors.Join(append([]error{ErrMiss}, errs...)...)
	}
	return nil, nil, ErrMiss
}
