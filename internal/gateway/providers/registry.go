package providers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pilotdeck/pilotdeck-server/internal/shared/models"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/secrets"
	"github.com/rs/zerolog"
)

// ErrUnconfigured means no tenant config is primary+active and no global
// fallback credential exists.
var ErrUnconfigured = errors.New("no upstream provider configured")

const primaryCacheKey = "provider:primary"

// ConfigReader is the slice of the record store the registry needs.
type ConfigReader interface {
	GetPrimaryProviderConfigs(ctx context.Context) ([]*models.ProviderConfig, error)
}

// CacheStore is an optional short-TTL cache for the primary config row.
// The encrypted row is cached, never the decrypted credential.
type CacheStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Registry resolves the active upstream deployment per request: the primary
// tenant config if one exists, else the global fallback credential. Resolution
// is a pure query against the store, not process-wide mutable state.
type Registry struct {
	store         ConfigReader
	cipher        *secrets.Cipher
	cache         CacheStore // may be nil
	cacheTTL      time.Duration
	fallbackKey   string
	fallbackModel string
	log           zerolog.Logger
}

func NewRegistry(store ConfigReader, cipher *secrets.Cipher, fallbackKey, fallbackModel string, log zerolog.Logger) *Registry {
	return &Registry{
		store:         store,
		cipher:        cipher,
		fallbackKey:   fallbackKey,
		fallbackModel: fallbackModel,
		log:           log,
	}
}

// WithCache enables the short-TTL primary-config cache.
func (r *Registry) WithCache(cache CacheStore, ttl time.Duration) *Registry {
	r.cache = cache
	r.cacheTTL = ttl
	return r
}

// Resolve returns the descriptor for the deployment this request should use,
// or ErrUnconfigured.
func (r *Registry) Resolve(ctx context.Context) (*Descriptor, error) {
	cfg, err := r.primaryConfig(ctx)
	if err != nil {
		return nil, err
	}

	if cfg != nil {
		apiKey, err := r.cipher.Decrypt(cfg.APIKeyEncrypted)
		if err != nil {
			// A corrupt credential makes the tenant config unusable; fall
			// through to the global fallback rather than failing the request.
			r.log.Error().Err(err).Str("config_id", cfg.ID.String()).
				Msg("failed to decrypt provider credential, using fallback")
		} else {
			id := cfg.ID
			return &Descriptor{
				Source:       SourceTenant,
				ConfigID:     &id,
				Name:         cfg.Name,
				Endpoint:     cfg.Endpoint,
				Deployment:   cfg.Deployment,
				APIVersion:   cfg.APIVersion,
				APIKey:       apiKey,
				MaxTokens:    cfg.MaxTokens,
				Temperature:  &cfg.Temperature,
				RateLimitRPM: cfg.RateLimitRPM,
			}, nil
		}
	}

	if r.fallbackKey == "" {
		return nil, ErrUnconfigured
	}
	return &Descriptor{
		Source:     SourceFallback,
		Name:       "global",
		Deployment: r.fallbackModel,
		APIKey:     r.fallbackKey,
	}, nil
}

// primaryConfig returns the primary+active tenant config, or nil when there
// is none. More than one primary (a write race) picks the most recently
// updated and logs the anomaly.
func (r *Registry) primaryConfig(ctx context.Context) (*models.ProviderConfig, error) {
	if cached := r.cachedPrimary(ctx); cached != nil {
		return cached, nil
	}

	configs, err := r.store.GetPrimaryProviderConfigs(ctx)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, nil
	}
	if len(configs) > 1 {
		r.log.Warn().Int("count", len(configs)).
			Str("picked", configs[0].ID.String()).
			Msg("multiple primary provider configs found, picking most recently updated")
	}

	r.storePrimary(ctx, configs[0])
	return configs[0], nil
}

func (r *Registry) cachedPrimary(ctx context.Context) *models.ProviderConfig {
	if r.cache == nil {
		return nil
	}
	raw, err := r.cache.Get(ctx, primaryCacheKey)
	if err != nil {
		return nil
	}
	var cfg models.ProviderConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil
	}
	return &cfg
}

func (r *Registry) storePrimary(ctx context.Context, cfg *models.ProviderConfig) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, primaryCacheKey, string(raw), r.cacheTTL); err != nil {
		r.log.Debug().Err(err).Msg("provider cache write failed")
	}
}

// Invalidate drops the cached primary config. Called on every admin config
// write so stale primaries never outlive the TTL.
func (r *Registry) Invalidate(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Del(ctx, primaryCacheKey); err != nil {
		r.log.Debug().Err(err).Msg("provider cache invalidation failed")
	}
}
