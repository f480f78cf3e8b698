package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Keys for runtime settings persisted across restarts.
const (
	SettingSendMessages    = "send_messages"
	SettingGenerateOn      = "generate_on"
	SettingCorpusThreshold = "corpus_threshold"
)

// SettingsRepository is a key-value store for runtime settings changed by chat
// commands, so they survive restarts independently of the YAML config.
type SettingsRepository interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

type settingsRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSettingsRepository creates a new settings repository.
func NewSettingsRepository(db *sqlx.DB, logger *zap.Logger) SettingsRepository {
	return &settingsRepository{db: db, logger: logger}
}

// Get returns the stored value for key and whether it was present.
func (r *settingsRepository) Get(key string) (string, bool, error) {
	var value string
	err := r.db.Get(&value, `SELECT value FROM settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %q: %w", key, err)
	}
	return value, true, nil
}

// Set stores the value for key, replacing any previous value.
func (r *settingsRepository) Set(key, value string) error {
	query := `INSERT INTO settings (key, value) VALUES (?, ?)
	          ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := r.db.Exec(query, key, value); err != nil {
		return fmt.Errorf("failed to write setting %q: %w", key, err)
	}
	r.logger.Debug("Persisted setting", zap.String("key", key), zap.String("value", value))
	return nil
}
