package presence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresRepository records which node holds each user's connection.
type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS active_sessions (
			user_id      UUID        NOT NULL,
			node_id      TEXT        NOT NULL,
			connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, node_id)
		)
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create active_sessions: %w", err)
	}
	return nil
}

func (r *PostgresRepository) AddSession(ctx context.Context, userID uuid.UUID, nodeID string) error {
	query := `
		INSERT INTO active_sessions (user_id, node_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, node_id) DO UPDATE
		SET connected_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, userID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to add session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemoveSession(ctx context.Context, userID uuid.UUID, nodeID string) error {
	query := `
		DELETE FROM active_sessions
		WHERE user_id = $1 AND node_id = $2
	`
	_, err := r.db.ExecContext(ctx, query, userID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// ClearNode drops every session recorded for nodeID. It runs on shutdown, after the
// registry has stopped.
func (r *PostgresRepository) ClearNode(ctx context.Context, nodeID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("failed to clear node sessions: %w", err)
	}
	return nil
}
