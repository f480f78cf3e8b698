package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"gptbot/internal/models"
)

// ErrNoModel is returned by Latest when no model has been promoted yet.
var ErrNoModel = errors.New("no model has been promoted")

// ModelRepository handles the append-only record of promoted fine-tuned
// models. Records are never mutated or deleted.
type ModelRepository interface {
	Promote(model string, corpusSize int, at time.Time) (int64, error)
	Latest() (string, error)
	History() ([]models.ModelRecord, error)
}

type modelRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewModelRepository creates a new model repository.
func NewModelRepository(db *sqlx.DB, logger *zap.Logger) ModelRepository {
	return &modelRepository{db: db, logger: logger}
}

// Promote records a newly trained model and returns its iteration number.
// Iterations start at 1 and increase by one per promotion.
func (r *modelRepository) Promote(model string, corpusSize int, at time.Time) (int64, error) {
	query := `INSERT INTO models (promoted_at, message_count, model) VALUES (?, ?, ?)`
	res, err := r.db.Exec(query, at, corpusSize, model)
	if err != nil {
		return 0, fmt.Errorf("failed to promote model: %w", err)
	}
	iteration, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read model iteration: %w", err)
	}

	r.logger.Info("Promoted model",
		zap.String("model", model),
		zap.Int64("iteration", iteration),
		zap.Int("corpus_size", corpusSize))
	return iteration, nil
}

// Latest returns the identifier of the highest-iteration promoted model, or
// ErrNoModel if none exist.
func (r *modelRepository) Latest() (string, error) {
	var model string
	err := r.db.Get(&model, `SELECT model FROM models ORDER BY iteration DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoModel
	}
	if err != nil {
		return "", fmt.Errorf("failed to read latest model: %w", err)
	}
	return model, nil
}

// History returns every promoted model ordered by iteration ascending.
func (r *modelRepository) History() ([]models.ModelRecord, error) {
	var records []models.ModelRecord
	query := `SELECT iteration, promoted_at, message_count, model FROM models ORDER BY iteration ASC`
	if err := r.db.Select(&records, query); err != nil {
		return nil, fmt.Errorf("failed to read model history: %w", err)
	}
	return records, nil
}
