package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/replicasync/replica/internal/model"
)

// ErrSwapAborted is returned when local changes appeared while a shadow
// table was being filled, so replacing the table would lose them.
var ErrSwapAborted = errors.New("shadow swap aborted: local changes pending")

// Swap steps passed to a SwapHook.
const (
	SwapStepBackup  = "renamed_to_backup"
	SwapStepPromote = "promoted_shadow"
)

// SwapHook is invoked after each rename of SwapShadow. Returning an error
// aborts the swap and rolls back every rename.
type SwapHook func(table, step string) error

// SetSwapHook installs a hook used to inject swap failures.
func (s *Store) SetSwapHook(h SwapHook) {
	s.swapHook = h
}

func shadowName(table string) string { return table + "__shadow" }
func backupName(table string) string { return table + "__backup" }

// CreateShadow creates an empty shadow copy of table, replacing any leftover.
func (s *Store) CreateShadow(ctx context.Context, table string) error {
	t, err := s.table(table)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(shadowName(table))); err != nil {
			return fmt.Errorf("failed to drop stale shadow for %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, createTableSQL(t, shadowName(table))); err != nil {
			return fmt.Errorf("failed to create shadow for %s: %w", table, err)
		}
		return nil
	})
}

// InsertShadow writes server records into the shadow table.
func (s *Store) InsertShadow(ctx context.Context, table string, recs []model.Record) error {
	t, err := s.table(table)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			row, err := prepareRemote(t, rec)
			if err != nil {
				return err
			}
			if err := writeRow(ctx, tx, t, shadowName(table), row, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountShadow returns the number of rows in the shadow table.
func (s *Store) CountShadow(ctx context.Context, table string) (int, error) {
	var n int
	q := "SELECT COUNT(*) FROM " + quoteIdent(shadowName(table))
	if err := s.conn.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count shadow for %s: %w", table, err)
	}
	return n, nil
}

// SwapShadow atomically replaces table with its shadow in one transaction:
// table is renamed to a backup, the shadow is renamed to table, and the
// backup is dropped. Any failure rolls the renames back so table keeps its
// original contents. Rows of the new table are marked as seen in the change
// log. ErrSwapAborted is returned if pending changes exist for table.
func (s *Store) SwapShadow(ctx context.Context, table string) error {
	t, err := s.table(table)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var pending int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM change_log WHERE table_name = ? AND sync_status = 'pending'`, table,
		).Scan(&pending); err != nil {
			return fmt.Errorf("failed to check pending changes: %w", err)
		}
		if pending > 0 {
			return fmt.Errorf("%w: %d entries for %s", ErrSwapAborted, pending, table)
		}

		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(backupName(table))); err != nil {
			return fmt.Errorf("failed to drop stale backup for %s: %w", table, err)
		}
		rename := func(from, to string) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(from), quoteIdent(to)))
			if err != nil {
				return fmt.Errorf("failed to rename %s to %s: %w", from, to, err)
			}
			return nil
		}

		if err := rename(t.Name, backupName(table)); err != nil {
			return err
		}
		if err := s.runSwapHook(table, SwapStepBackup); err != nil {
			return err
		}
		if err := rename(shadowName(table), t.Name); err != nil {
			return err
		}
		if err := s.runSwapHook(table, SwapStepPromote); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DROP TABLE "+quoteIdent(backupName(table))); err != nil {
			return fmt.Errorf("failed to drop backup for %s: %w", table, err)
		}

		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO change_log (table_name, record_uuid, operation, created_at, sync_status)
		SELECT ?, uuid, 'INSERT', ?, 'synced' FROM %s
		WHERE uuid NOT IN (SELECT record_uuid FROM change_log WHERE table_name = ?)`, quoteIdent(t.Name)),
			table, now(), table)
		if err != nil {
			return fmt.Errorf("failed to mark swapped rows for %s: %w", table, err)
		}
		return nil
	})
}

func (s *Store) runSwapHook(table, step string) error {
	if s.swapHook == nil {
		return nil
	}
	if err := s.swapHook(table, step); err != nil {
		return fmt.Errorf("swap of %s failed at %s: %w", table, step, err)
	}
	return nil
}

// DropShadow removes the shadow table if present.
func (s *Store) DropShadow(ctx context.Context, table string) error {
	if _, err := s.table(table); err != nil {
		return err
	}
	if _, err := s.conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(shadowName(table))); err != nil {
		return fmt.Errorf("failed to drop shadow for %s: %w", table, err)
	}
	return nil
}
