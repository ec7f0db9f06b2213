package database

import (
	"context"
	"database/sql"
	"fmt"

	"chatgateway/internal/models"
)

// SaveProviderConfig inserts or updates one platform's configuration.
// ConfigData is encrypted before it reaches disk; encryption is idempotent
// so passing back an already-encrypted blob is harmless.
func (d *Database) SaveProviderConfig(ctx context.Context, cfg *models.ProviderConfig) error {
	encrypted, err := d.cipher.Encrypt(cfg.ConfigData)
	if err != nil {
		return fmt.Errorf("failed to encrypt config data: %w", err)
	}

	err = retryableDBOperation(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, upsertProviderConfigQuery,
			cfg.Platform,
			cfg.DisplayName,
			cfg.IsEnabled,
			encrypted,
			nullable(cfg.WebhookURL),
			cfg.MessageInterval,
			cfg.MaxRetryCount,
		)
		return execErr
	}, "save provider config")
	if err != nil {
		return fmt.Errorf("failed to save provider config: %w", err)
	}

	return nil
}

// GetProviderConfig returns the decrypted config for a platform, or
// (nil, nil) when none is stored.
func (d *Database) GetProviderConfig(ctx context.Context, platform string) (*models.ProviderConfig, error) {
	row := d.db.QueryRowContext(ctx, selectProviderConfigQuery, platform)
	cfg, err := d.scanProviderConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider config: %w", err)
	}
	return cfg, nil
}

// ListProviderConfigs returns every stored config, decrypted.
func (d *Database) ListProviderConfigs(ctx context.Context) ([]models.ProviderConfig, error) {
	rows, err := d.db.QueryContext(ctx, selectAllProviderConfigsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider configs: %w", err)
	}
	defer rows.Close()

	var configs []models.ProviderConfig
	for rows.Next() {
		cfg, scanErr := d.scanProviderConfig(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan provider config: %w", scanErr)
		}
		configs = append(configs, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate provider configs: %w", err)
	}

	return configs, nil
}

// DeleteProviderConfig removes a platform's stored configuration.
func (d *Database) DeleteProviderConfig(ctx context.Context, platform string) error {
	res, err := d.db.ExecContext(ctx, deleteProviderConfigQuery, platform)
	if err != nil {
		return fmt.Errorf("failed to delete provider config: %w", err)
	}
	return requireOneRow(res, platform)
}

func (d *Database) scanProviderConfig(row rowScanner) (*models.ProviderConfig, error) {
	cfg := &models.ProviderConfig{}
	var webhookURL sql.NullString
	var encrypted string

	err := row.Scan(
		&cfg.Platform,
		&cfg.DisplayName,
		&cfg.IsEnabled,
		&encrypted,
		&webhookURL,
		&cfg.MessageInterval,
		&cfg.MaxRetryCount,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cfg.WebhookURL = webhookURL.String
	cfg.ConfigData, err = d.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt config data: %w", err)
	}

	return cfg, nil
}
