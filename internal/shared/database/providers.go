package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/models"
)

const providerColumns = `id, name, endpoint, deployment, api_version, api_key_encrypted,
	is_primary, is_active, max_tokens, temperature, rate_limit_rpm, tokens_per_day,
	last_health_check, health_status, created_at, updated_at`

func scanProviderConfig(sc interface{ Scan(...interface{}) error }) (*models.ProviderConfig, error) {
	var p models.ProviderConfig
	err := sc.Scan(
		&p.ID,
		&p.Name,
		&p.Endpoint,
		&p.Deployment,
		&p.APIVersion,
		&p.APIKeyEncrypted,
		&p.IsPrimary,
		&p.IsActive,
		&p.MaxTokens,
		&p.Temperature,
		&p.RateLimitRPM,
		&p.TokensPerDay,
		&p.LastHealthCheck,
		&p.HealthStatus,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &p, nil
}

// GetPrimaryProviderConfigs returns every active config flagged primary, most
// recently updated first. More than one row is a data anomaly the caller is
// expected to log; the invariant is enforced by SetPrimaryProviderConfig.
func (db *DB) GetPrimaryProviderConfigs(ctx context.Context) ([]*models.ProviderConfig, error) {
	query := `
		SELECT ` + providerColumns + `
		FROM provider_configs
		WHERE is_primary = true AND is_active = true
		ORDER BY updated_at DESC
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var configs []*models.ProviderConfig
	for rows.Next() {
		p, err := scanProviderConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, p)
	}
	return configs, rows.Err()
}

// GetProviderConfig retrieves one config by id.
func (db *DB) GetProviderConfig(ctx context.Context, id uuid.UUID) (*models.ProviderConfig, error) {
	query := `SELECT ` + providerColumns + ` FROM provider_configs WHERE id = $1`
	return scanProviderConfig(db.conn.QueryRowContext(ctx, query, id))
}

// ListProviderConfigs returns all configs, newest first.
func (db *DB) ListProviderConfigs(ctx context.Context) ([]*models.ProviderConfig, error) {
	query := `SELECT ` + providerColumns + ` FROM provider_configs ORDER BY created_at DESC`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var configs []*models.ProviderConfig
	for rows.Next() {
		p, err := scanProviderConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, p)
	}
	return configs, rows.Err()
}

// CreateProviderConfig inserts a new config and returns the stored row.
func (db *DB) CreateProviderConfig(ctx context.Context, p *models.ProviderConfig) (*models.ProviderConfig, error) {
	query := `
		INSERT INTO provider_configs (
			id, name, endpoint, deployment, api_version, api_key_encrypted,
			is_primary, is_active, max_tokens, temperature, rate_limit_rpm,
			tokens_per_day, health_status
		) VALUES ($1, $2, $3, $4, $5, $6, false, $7, $8, $9, $10, $11, $12)
		RETURNING ` + providerColumns
	return scanProviderConfig(db.conn.QueryRowContext(ctx, query,
		p.ID, p.Name, p.Endpoint, p.Deployment, p.APIVersion, p.APIKeyEncrypted,
		p.IsActive, p.MaxTokens, p.Temperature, p.RateLimitRPM, p.TokensPerDay,
		models.HealthUnconfigured))
}

// UpdateProviderConfig updates the editable fields of a config.
func (db *DB) UpdateProviderConfig(ctx context.Context, p *models.ProviderConfig) error {
	query := `
		UPDATE provider_configs
		SET name = $2, endpoint = $3, deployment = $4, api_version = $5,
		    api_key_encrypted = $6, is_active = $7, max_tokens = $8,
		    temperature = $9, rate_limit_rpm = $10, tokens_per_day = $11,
		    updated_at = NOW()
		WHERE id = $1
	`
	res, err := db.conn.ExecContext(ctx, query,
		p.ID, p.Name, p.Endpoint, p.Deployment, p.APIVersion, p.APIKeyEncrypted,
		p.IsActive, p.MaxTokens, p.Temperature, p.RateLimitRPM, p.TokensPerDay)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProviderConfig removes a config.
func (db *DB) DeleteProviderConfig(ctx context.Context, id uuid.UUID) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM provider_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPrimaryProviderConfig marks one config primary. Clearing the previous
// primary and setting the new one happen in a single transaction so at most
// one active primary exists at any time.
func (db *DB) SetPrimaryProviderConfig(ctx context.Context, id uuid.UUID) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE provider_configs SET is_primary = false, updated_at = NOW() WHERE is_primary = true`,
	); err != nil {
		return fmt.Errorf("database error: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE provider_configs SET is_primary = true, is_active = true, updated_at = NOW() WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// UpdateProviderHealth records the outcome of a credential test.
func (db *DB) UpdateProviderHealth(ctx context.Context, id uuid.UUID, status models.HealthStatus, checkedAt time.Time) error {
	query := `
		UPDATE provider_configs
		SET health_status = $2, last_health_check = $3, updated_at = NOW()
		WHERE id = $1
	`
	res, err := db.conn.ExecContext(ctx, query, id, status, checkedAt)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
