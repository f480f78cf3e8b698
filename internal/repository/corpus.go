package repository

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"gptbot/internal/models"
)

// CorpusRepository handles the append-only message log a channel's models are
// trained on.
type CorpusRepository interface {
	Append(msg *models.Message) (int64, error)
	ReadAll() ([]models.Message, error)
	Count() (int, error)
	PruneUpTo(cutoff int64) error
	Wipe() error
}

type corpusRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewCorpusRepository creates a new corpus repository.
func NewCorpusRepository(db *sqlx.DB, logger *zap.Logger) CorpusRepository {
	return &corpusRepository{db: db, logger: logger}
}

// Append stores a filtered message and returns its sequence id. The write is
// committed before return.
func (r *corpusRepository) Append(msg *models.Message) (int64, error) {
	query := `INSERT INTO messages (created_at, author_id, author_name, privileged, message)
	          VALUES (?, ?, ?, ?, ?)`
	res, err := r.db.Exec(query, msg.CreatedAt, msg.AuthorID, msg.AuthorName, msg.Privileged, msg.Text)
	if err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read message id: %w", err)
	}
	msg.ID = id
	return id, nil
}

// ReadAll returns every stored message ordered by sequence id ascending.
func (r *corpusRepository) ReadAll() ([]models.Message, error) {
	var msgs []models.Message
	query := `SELECT id, created_at, author_id, author_name, privileged, message FROM messages ORDER BY id ASC`
	if err := r.db.Select(&msgs, query); err != nil {
		return nil, fmt.Errorf("failed to read corpus: %w", err)
	}
	return msgs, nil
}

// Count returns the current number of stored messages.
func (r *corpusRepository) Count() (int, error) {
	var count int
	if err := r.db.Get(&count, `SELECT COUNT(*) FROM messages`); err != nil {
		return 0, fmt.Errorf("failed to count corpus: %w", err)
	}
	return count, nil
}

// PruneUpTo deletes all messages with sequence id <= cutoff and reclaims the
// freed space. Idempotent: re-running with the same or a smaller cutoff is a
// no-op.
func (r *corpusRepository) PruneUpTo(cutoff int64) error {
	res, err := r.db.Exec(`DELETE FROM messages WHERE id <= ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune corpus: %w", err)
	}
	deleted, _ := res.RowsAffected()
	r.logger.Info("Pruned corpus", zap.Int64("cutoff", cutoff), zap.Int64("deleted", deleted))

	if _, err := r.db.Exec(`VACUUM`); err != nil {
		r.logger.Warn("Failed to vacuum after prune", zap.Error(err))
	}
	return nil
}

// Wipe deletes every stored message. Promoted model records are untouched.
func (r *corpusRepository) Wipe() error {
	if _, err := r.db.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("failed to wipe corpus: %w", err)
	}
	r.logger.Info("Wiped corpus")

	if _, err := r.db.Exec(`VACUUM`); err != nil {
		r.logger.Warn("Failed to vacuum after wipe", zap.Error(err))
	}
	return nil
}
