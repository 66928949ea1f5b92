package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
)

// SnapshotStore keeps one JSONB row per lobby manager.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Load returns lobby.ErrNoSnapshot when the manager has never saved.
func (s *SnapshotStore) Load(ctx context.Context, managerID string) ([]byte, error) {
	q := `SELECT state FROM lobby_manager_snapshots WHERE manager_id = $1`
	var data []byte
	err := s.pool.QueryRow(ctx, q, managerID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lobby.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", managerID, err)
	}
	return data, nil
}

func (s *SnapshotStore) Save(ctx context.Context, managerID string, data []byte) error {
	q := `
		INSERT INTO lobby_manager_snapshots (manager_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (manager_id)
		DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, q, managerID, data); err != nil {
		return fmt.Errorf("save snapshot %s: %w", managerID, err)
	}
	return nil
}
