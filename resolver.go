package agentd

import (
	"context"
	"log/slog"
)

// SettingsStore reads per-user LLM overrides. ok is false when the user
// has never saved settings.
type SettingsStore interface {
	UserSettings(ctx context.Context, userID string) (UserSettings, bool, error)
}

// ResolverDefaults are the server-wide fallbacks applied when a user has
// no override for a field. MaxRecursionBound caps user-supplied bounds;
// a user can lower the ceiling for their own threads but never raise it.
type ResolverDefaults struct {
	Model             string
	APIKey            string
	BaseURL           string
	MaxOutputTokens   int
	RecursionBound    int
	MaxRecursionBound int
}

// Resolver produces the effective SessionConfig for a turn. Resolution
// runs on every turn: per-user settings first, then server defaults.
// Nothing is cached here, so a settings change is visible on the very
// next turn even when the compiled agent is reused.
type Resolver struct {
	settings SettingsStore
	defaults ResolverDefaults
	logger   *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// ResolverLogger sets the structured logger.
func ResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver. settings may be nil, in which case
// every turn resolves to the defaults.
func NewResolver(settings SettingsStore, defaults ResolverDefaults, opts ...ResolverOption) *Resolver {
	r := &Resolver{settings: settings, defaults: defaults}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Resolve computes the per-turn config for userID on threadID.
// A store failure degrades to defaults rather than failing the turn.
func (r *Resolver) Resolve(ctx context.Context, userID, threadID string) (SessionConfig, error) {
	cfg := SessionConfig{
		UserID:          userID,
		ThreadID:        threadID,
		Model:           r.defaults.Model,
		APIKey:          r.defaults.APIKey,
		BaseURL:         r.defaults.BaseURL,
		MaxOutputTokens: r.defaults.MaxOutputTokens,
		RecursionBound:  r.defaults.RecursionBound,
	}
	if r.settings != nil {
		s, ok, err := r.settings.UserSettings(ctx, userID)
		if err != nil {
			r.logger.Warn("user settings lookup failed, using defaults", "user", userID, "error", err)
		} else if ok {
			if s.Model != "" {
				cfg.Model = s.Model
			}
			if s.APIKey != "" {
				cfg.APIKey = s.APIKey
			}
			if s.BaseURL != "" {
				cfg.BaseURL = s.BaseURL
			}
			if s.MaxOutputTokens > 0 {
				cfg.MaxOutputTokens = s.MaxOutputTokens
			}
			if s.RecursionBound > 0 {
				cfg.RecursionBound = s.RecursionBound
			}
		}
	}
	if max := r.defaults.MaxRecursionBound; max > 0 && cfg.RecursionBound > max {
		cfg.RecursionBound = max
	}
	if cfg.RecursionBound <= 0 {
		cfg.RecursionBound = defaultRecursionBound
	}
	if cfg.Model == "" {
		return SessionConfig{}, Errf(KindInternal, "no model configured for user %s", userID)
	}
	return cfg, nil
}

// defaultRecursionBound matches the server default recursion limit.
const defaultRecursionBound = 1000
