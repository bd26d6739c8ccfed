// Package registry tracks the set of discovered user identities. Discovery
// is external; the engine only appends. Discover is the single write path and
// is called from the bus ingestion goroutine.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goodtune/playwarden/internal/storage"
	"github.com/rs/zerolog"
)

// ErrUnknownUser is returned for events or queries naming a user that was
// never discovered.
var ErrUnknownUser = errors.New("registry: unknown user")

// Defaults is the quota configuration applied to newly discovered users.
type Defaults struct {
	LimitMinutes        int
	WarningLeadMinutes  int
	AutoShutdownEnabled bool
}

// Registry is the in-memory user set backed by the user store.
type Registry struct {
	users    storage.UserStore
	quotas   storage.QuotaStore
	defaults Defaults
	logger   zerolog.Logger

	mu    sync.RWMutex
	known map[string]struct{}
}

// New creates a registry. Call Load before serving.
func New(users storage.UserStore, quotas storage.QuotaStore, defaults Defaults, logger zerolog.Logger) *Registry {
	return &Registry{
		users:    users,
		quotas:   quotas,
		defaults: defaults,
		known:    make(map[string]struct{}),
		logger:   logger.With().Str("component", "registry").Logger(),
	}
}

// Load populates the registry from persisted users.
func (r *Registry) Load(ctx context.Context) error {
	users, err := r.users.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}

	r.mu.Lock()
	for _, user := range users {
		r.known[user] = struct{}{}
	}
	r.mu.Unlock()

	r.logger.Info().Int("users", len(users)).Msg("Loaded discovered users")
	return nil
}

// Discover records a user identity, persisting it and creating a default
// quota configuration on first sight. Re-discovering a known user is a no-op.
func (r *Registry) Discover(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}

	r.mu.RLock()
	_, exists := r.known[userID]
	r.mu.RUnlock()
	if exists {
		return nil
	}

	if err := r.users.Add(ctx, userID); err != nil {
		return fmt.Errorf("failed to persist user %s: %w", userID, err)
	}

	if _, err := r.quotas.Get(ctx, userID); errors.Is(err, storage.ErrNotFound) {
		cfg := storage.QuotaConfig{
			UserID:              userID,
			DefaultLimitMinutes: r.defaults.LimitMinutes,
			WarningLeadMinutes:  r.defaults.WarningLeadMinutes,
			AutoShutdownEnabled: r.defaults.AutoShutdownEnabled,
		}
		if err := r.quotas.Set(ctx, cfg); err != nil {
			return fmt.Errorf("failed to create default quota for %s: %w", userID, err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to check quota for %s: %w", userID, err)
	}

	r.mu.Lock()
	r.known[userID] = struct{}{}
	r.mu.Unlock()

	r.logger.Info().Str("user", userID).Msg("Discovered new user")
	return nil
}

// Require returns ErrUnknownUser unless the user has been discovered.
func (r *Registry) Require(userID string) error {
	if !r.Known(userID) {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return nil
}

// Known reports whether the user has been discovered.
func (r *Registry) Known(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.known[userID]
	return ok
}

// List returns all discovered users, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.known))
	for user := range r.known {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}
