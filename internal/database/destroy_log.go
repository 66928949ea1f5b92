package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
)

// InsertDestroyEvents archives a batch of destroy events in one transaction.
func InsertDestroyEvents(ctx context.Context, pool *pgxpool.Pool, events []lobby.DestroyEvent) error {
	if len(events) == 0 {
		return nil
	}
	return BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, ev := range events {
			if err := insertDestroyEventTx(ctx, tx, ev); err != nil {
				return fmt.Errorf("insertDestroyEventTx %s: %w", ev.LobbyID, err)
			}
		}
		return nil
	})
}

func insertDestroyEventTx(ctx context.Context, tx pgx.Tx, ev lobby.DestroyEvent) error {
	q := `
		INSERT INTO lobby_destroy_log (lobby_id, manager_id, region, tags, destroyed_at, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	var tagsJSON []byte
	if len(ev.Tags) > 0 {
		var err error
		if tagsJSON, err = json.Marshal(ev.Tags); err != nil {
			return err
		}
	}
	_, err := tx.Exec(ctx, q,
		ev.LobbyID, ev.ManagerID, ev.Region, tagsJSON, time.UnixMilli(ev.DestroyedAt).UTC(), ev.Reason,
	)
	return err
}

// destroyLogEntry is one archived destroy event.
type destroyLogEntry struct {
	LobbyID     string
	ManagerID   string
	Region      string
	DestroyedAt time.Time
	Reason      string
}

// listDestroyLog returns a manager's archived destroys, oldest first.
func listDestroyLog(ctx context.Context, pool *pgxpool.Pool, managerID string) ([]destroyLogEntry, error) {
	q := `
		SELECT lobby_id, manager_id, region, destroyed_at, reason
		FROM lobby_destroy_log
		WHERE manager_id = $1
		ORDER BY destroyed_at, id
	`
	rows, err := pool.Query(ctx, q, managerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []destroyLogEntry
	for rows.Next() {
		var e destroyLogEntry
		if err := rows.Scan(&e.LobbyID, &e.ManagerID, &e.Region, &e.DestroyedAt, &e.Reason); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
