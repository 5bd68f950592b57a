package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chat_relay/internal/domain"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const schema = `
	CREATE TABLE IF NOT EXISTS messages (
		id           BIGSERIAL PRIMARY KEY,
		content      TEXT NOT NULL,
		sender_id    UUID NOT NULL,
		recipient_id UUID NOT NULL,
		delivered    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at   TIMESTAMPTZ NOT NULL,
		last_updated TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_pending ON messages (recipient_id) WHERE NOT delivered;
	CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages (sender_id, created_at);
`

type messageRow struct {
	ID          int64     `db:"id"`
	Content     string    `db:"content"`
	SenderID    uuid.UUID `db:"sender_id"`
	RecipientID uuid.UUID `db:"recipient_id"`
	Delivered   bool      `db:"delivered"`
	CreatedAt   time.Time `db:"created_at"`
	LastUpdated time.Time `db:"last_updated"`
}

func (r messageRow) toDomain() domain.Message {
	return domain.Message{
		ID:          strconv.FormatInt(r.ID, 10),
		Content:     r.Content,
		Delivered:   r.Delivered,
		RecipientID: r.RecipientID,
		SenderID:    r.SenderID,
		CreatedAt:   r.CreatedAt,
		LastUpdated: r.LastUpdated,
	}
}

// PostgresStore keeps messages in a single Postgres table.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (r *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create messages schema: %w", err)
	}
	return nil
}

func (r *PostgresStore) Insert(ctx context.Context, msg *domain.Message) error {
	var id int64
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO messages (content, sender_id, recipient_id, delivered, created_at, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, msg.Content, msg.SenderID, msg.RecipientID, msg.Delivered, msg.CreatedAt, msg.LastUpdated).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	msg.ID = strconv.FormatInt(id, 10)
	return nil
}

func (r *PostgresStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", id, ErrNotFound)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET delivered = TRUE, last_updated = $2 WHERE id = $1
	`, rowID, at)
	if err != nil {
		return fmt.Errorf("failed to mark message delivered: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark message delivered: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresStore) Find(ctx context.Context, filter Filter) ([]domain.Message, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.RecipientID != uuid.Nil {
		args = append(args, filter.RecipientID)
		where = append(where, fmt.Sprintf("recipient_id = $%d", len(args)))
	}
	if filter.UndeliveredOnly {
		where = append(where, "NOT delivered")
	}
	if filter.ParticipantID != uuid.Nil {
		args = append(args, filter.ParticipantID)
		where = append(where, fmt.Sprintf("(sender_id = $%d OR recipient_id = $%d)", len(args), len(args)))
	}

	query := `SELECT id, content, sender_id, recipient_id, delivered, created_at, last_updated FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	messages := make([]domain.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, row.toDomain())
	}
	return messages, nil
}
