package models

import "time"

// Message represents a chat line retained in the per-channel 'messages' table.
// Rows are immutable once appended and are only removed by a prune tied to a
// training cutoff, or by an explicit wipe.
type Message struct {
	ID         int64     `db:"id"`
	CreatedAt  time.Time `db:"created_at"`
	AuthorID   string    `db:"author_id"`
	AuthorName string    `db:"author_name"`
	Privileged bool      `db:"privileged"`
	Text       string    `db:"message"`
}

// ModelRecord represents a promoted fine-tuned model in the 'models' table.
// Append-only; the record with the highest iteration is the active model.
type ModelRecord struct {
	Iteration    int64     `db:"iteration"`
	PromotedAt   time.Time `db:"promoted_at"`
	MessageCount int       `db:"message_count"`
	Model        string    `db:"model"`
}
