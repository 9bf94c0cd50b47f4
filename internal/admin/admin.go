// Package admin exposes the administrative API: user management and Azure
// provider configuration. Thin forms over the record store; the gateway only
// ever reads what is written here.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/providers"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/database"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/httpx"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/models"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/secrets"
	"github.com/rs/zerolog"
)

// Store is the slice of the record store the admin service needs.
type Store interface {
	ListUsers(ctx context.Context) ([]*models.User, error)
	UpdateUserTier(ctx context.Context, id uuid.UUID, tier models.Tier) error
	SetUserActive(ctx context.Context, id uuid.UUID, active bool) error

	ListProviderConfigs(ctx context.Context) ([]*models.ProviderConfig, error)
	GetProviderConfig(ctx context.Context, id uuid.UUID) (*models.ProviderConfig, error)
	CreateProviderConfig(ctx context.Context, p *models.ProviderConfig) (*models.ProviderConfig, error)
	UpdateProviderConfig(ctx context.Context, p *models.ProviderConfig) error
	DeleteProviderConfig(ctx context.Context, id uuid.UUID) error
	SetPrimaryProviderConfig(ctx context.Context, id uuid.UUID) error
	UpdateProviderHealth(ctx context.Context, id uuid.UUID, status models.HealthStatus, checkedAt time.Time) error
}

// Invalidator drops any cached provider resolution after a config write.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// Prober validates a descriptor's credentials against the live deployment.
type Prober interface {
	Probe(ctx context.Context, d *providers.Descriptor) error
}

type Service struct {
	store    Store
	cipher   *secrets.Cipher
	registry Invalidator
	prober   Prober
	log      zerolog.Logger
}

func NewService(store Store, cipher *secrets.Cipher, registry Invalidator, prober Prober, log zerolog.Logger) *Service {
	return &Service{store: store, cipher: cipher, registry: registry, prober: prober, log: log}
}

type userView struct {
	ID        uuid.UUID   `json:"id"`
	Email     string      `json:"email"`
	Name      string      `json:"name"`
	Tier      models.Tier `json:"tier"`
	IsActive  bool        `json:"isActive"`
	CreatedAt time.Time   `json:"createdAt"`
}

// HandleListUsers handles GET /admin/users.
func (s *Service) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("admin: list users failed")
		httpx.Error(w, http.StatusInternalServerError, "internal", "listing users failed")
		return
	}

	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, userView{
			ID: u.ID, Email: u.Email, Name: u.Name,
			Tier: u.Tier, IsActive: u.IsActive, CreatedAt: u.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

// HandleUpdateUser handles PATCH /admin/users/{id}: tier and active flag.
func (s *Service) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", "invalid user id")
		return
	}

	var req struct {
		Tier     *models.Tier `json:"tier,omitempty"`
		IsActive *bool        `json:"isActive,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", "invalid request body")
		return
	}

	if req.Tier != nil {
		if !req.Tier.Valid() {
			httpx.Error(w, http.StatusBadRequest, "malformed_request", "unknown tier")
			return
		}
		if err := s.store.UpdateUserTier(r.Context(), id, *req.Tier); err != nil {
			s.writeStoreError(w, err, "updating tier failed")
			return
		}
	}
	if req.IsActive != nil {
		if err := s.store.SetUserActive(r.Context(), id, *req.IsActive); err != nil {
			s.writeStoreError(w, err, "updating account state failed")
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

type providerConfigRequest struct {
	Name         string  `json:"name"`
	Endpoint     string  `json:"endpoint"`
	Deployment   string  `json:"deployment"`
	APIVersion   string  `json:"apiVersion,omitempty"`
	APIKey       string  `json:"apiKey,omitempty"`
	IsActive     bool    `json:"isActive"`
	MaxTokens    *int    `json:"maxTokens,omitempty"`
	Temperature  float32 `json:"temperature"`
	RateLimitRPM *int    `json:"rateLimitRpm,omitempty"`
	TokensPerDay *int64  `json:"tokensPerDay,omitempty"`
}

type providerConfigView struct {
	ID              uuid.UUID           `json:"id"`
	Name            string              `json:"name"`
	Endpoint        string              `json:"endpoint"`
	Deployment      string              `json:"deployment"`
	APIVersion      string              `json:"apiVersion,omitempty"`
	IsPrimary       bool                `json:"isPrimary"`
	IsActive        bool                `json:"isActive"`
	MaxTokens       *int                `json:"maxTokens,omitempty"`
	Temperature     float32             `json:"temperature"`
	RateLimitRPM    *int                `json:"rateLimitRpm,omitempty"`
	TokensPerDay    *int64              `json:"tokensPerDay,omitempty"`
	LastHealthCheck *time.Time          `json:"lastHealthCheck,omitempty"`
	HealthStatus    models.HealthStatus `json:"healthStatus"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// The credential never leaves the server, encrypted or not.
func toConfigView(p *models.ProviderConfig) providerConfigView {
	return providerConfigView{
		ID: p.ID, Name: p.Name, Endpoint: p.Endpoint, Deployment: p.Deployment,
		APIVersion: p.APIVersion, IsPrimary: p.IsPrimary, IsActive: p.IsActive,
		MaxTokens: p.MaxTokens, Temperature: p.Temperature,
		RateLimitRPM: p.RateLimitRPM, TokensPerDay: p.TokensPerDay,
		LastHealthCheck: p.LastHealthCheck, HealthStatus: p.HealthStatus,
		CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
}

// HandleListConfigs handles GET /admin/providers.
func (s *Service) HandleListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListProviderConfigs(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("admin: list configs failed")
		httpx.Error(w, http.StatusInternalServerError, "internal", "listing configurations failed")
		return
	}

	out := make([]providerConfigView, 0, len(configs))
	for _, p := range configs {
		out = append(out, toConfigView(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

// HandleCreateConfig handles POST /admin/providers.
func (s *Service) HandleCreateConfig(w http.ResponseWriter, r *http.Request) {
	var req providerConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", "invalid request body")
		return
	}
	if req.Name == "" || req.Endpoint == "" || req.Deployment == "" || req.APIKey == "" {
		httpx.Error(w, http.StatusBadRequest, "malformed_request",
			"name, endpoint, deployment and apiKey are required")
		return
	}

	sealed, err := s.cipher.Encrypt(req.APIKey)
	if err != nil {
		s.log.Error().Err(err).Msg("admin: credential encryption failed")
		httpx.Error(w, http.StatusInternalServerError, "internal", "saving configuration failed")
		return
	}

	created, err := s.store.CreateProviderConfig(r.Context(), &models.ProviderConfig{
		ID:              uuid.New(),
		Name:            req.Name,
		Endpoint:        req.Endpoint,
		Deployment:      req.Deployment,
		APIVersion:      req.APIVersion,
		APIKeyEncrypted: sealed,
		IsActive:        req.IsActive,
		MaxTokens:       req.MaxTokens,
		Temperature:     req.Temperature,
		RateLimitRPM:    req.RateLimitRPM,
		TokensPerDay:    req.TokensPerDay,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("admin: create config failed")
		httpx.Error(w, http.StatusInternalServerError, "internal", "saving configuration failed")
		return
	}

	s.registry.Invalidate(r.Context())
	httpx.JSON(w, http.StatusCreated, toConfigView(created))
}

// HandleUpdateConfig handles PUT /admin/providers/{id}. An empty apiKey
// keeps the stored credential.
func (s *Service) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", "invalid config id")
		return
	}

	existing, err := s.store.GetProviderConfig(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "loading configuration failed")
		return
	}

	var req providerConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", "invalid request body")
		return
	}

	existing.Name = req.Name
	existing.Endpoint = req.Endpoint
	existing.Deployment = req.Deployment
	existing.APIVersion = req.APIVersion
	existing.IsActive = req.IsActive
	existing.MaxTokens = req.MaxTokens
	existing.Temperature = req.Temperature
	existing.RateLimitRPM = req.RateLimitRPM
	existing.TokensPerDay = req.TokensPerDay
	if req.APIKey != "" {
		sealed, err := s.cipher.Encrypt(req.APIKey)
		if err != nil {
			s.log.Error().Err(err).Msg("admin: credential encryption failed")
			httpx.Error(w, http.StatusInternalServerError, "internal", "saving configuration failed")
			return
		}
		existing.APIKeyEncrypted = sealed
	}

	if err := s.store.UpdateProviderConfig(r.Context(), existing); err != nil {
		s.writeStoreError(w, err, "saving configuration failed")
		return
	}

	s.registry.Invalidate(r.Context())
	httpx.JSON(w, http.StatusOK, toConfigView(existing))
}

// HandleDeleteConfig handles DELETE /admin/providers/{id}.
func (s *Service) HandleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", "invalid config id")
		return
	}

	if err := s.store.DeleteProviderConfig(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "deleting configuration failed")
		return
	}

	s.registry.Invalidate(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetPrimary handles POST /admin/providers/{id}/primary. The store
// clears the previous primary and sets the new one in one transaction.
func (s *Service) HandleSetPrimary(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", "invalid config id")
		return
	}

	if err := s.store.SetPrimaryProviderConfig(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "setting primary failed")
		return
	}

	s.registry.Invalidate(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// HandleTestConfig handles POST /admin/providers/{id}/test: sends a minimal
// probe request and records the health outcome.
func (s *Service) HandleTestConfig(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed_request", "invalid config id")
		return
	}

	cfg, err := s.store.GetProviderConfig(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "loading configuration failed")
		return
	}

	apiKey, err := s.cipher.Decrypt(cfg.APIKeyEncrypted)
	if err != nil {
		s.log.Error().Err(err).Str("config_id", id.String()).Msg("admin: credential decrypt failed")
		httpx.Error(w, http.StatusInternalServerError, "internal", "stored credential is unreadable")
		return
	}

	status := models.HealthHealthy
	probeErr := s.prober.Probe(r.Context(), &providers.Descriptor{
		Source:     providers.SourceTenant,
		ConfigID:   &cfg.ID,
		Name:       cfg.Name,
		Endpoint:   cfg.Endpoint,
		Deployment: cfg.Deployment,
		APIVersion: cfg.APIVersion,
		APIKey:     apiKey,
	})
	if probeErr != nil {
		status = models.HealthUnhealthy
	}

	checkedAt := time.Now().UTC()
	if err := s.store.UpdateProviderHealth(r.Context(), id, status, checkedAt); err != nil {
		s.log.Error().Err(err).Msg("admin: health update failed")
	}

	resp := map[string]interface{}{
		"healthStatus": status,
		"checkedAt":    checkedAt,
	}
	if probeErr != nil {
		resp["error"] = probeErr.Error()
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (s *Service) writeStoreError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, database.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "not_found", "no such record")
		return
	}
	s.log.Error().Err(err).Msg("admin: " + msg)
	httpx.Error(w, http.StatusInternalServerError, "internal", msg)
}
