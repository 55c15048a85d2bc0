package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/slewanld/AndroidAPS-sub001/internal/model"
)

// GetCursor returns the stored cursor for c. A collection that has never
// been synced gets a zero-valued cursor.
func (s *Store) GetCursor(ctx context.Context, c model.Collection) (model.Cursor, error) {
	query, args, err := squirrel.Select("collection", "watermark", "attempts", "updated_at").
		From("cursors").
		Where(squirrel.Eq{"collection": string(c)}).
		ToSql()
	if err != nil {
		return model.Cursor{}, fmt.Errorf("building cursor query: %w", err)
	}
	cur, err := scanCursor(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Cursor{Collection: c}, nil
	}
	if err != nil {
		return model.Cursor{}, fmt.Errorf("reading cursor %q: %w", c, err)
	}
	return cur, nil
}

// SaveCursor persists cur, replacing any previous value.
func (s *Store) SaveCursor(ctx context.Context, cur model.Cursor) error {
	if cur.UpdatedAt.IsZero() {
		cur.UpdatedAt = s.now()
	}
	if err := upsertCursor(ctx, s.db, cur); err != nil {
		return fmt.Errorf("saving cursor %q: %w", cur.Collection, err)
	}
	return nil
}

// Cursors returns every stored cursor ordered by collection name.
func (s *Store) Cursors(ctx context.Context) ([]model.Cursor, error) {
	query, args, err := squirrel.Select("collection", "watermark", "attempts", "updated_at").
		From("cursors").
		OrderBy("collection").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building cursors query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying cursors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Cursor
	for rows.Next() {
		cur, err := scanCursor(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cursor: %w", err)
		}
		out = append(out, cur)
	}
	return out, rows.Err()
}

func upsertCursor(ctx context.Context, q querier, cur model.Cursor) error {
	query, args, err := squirrel.Insert("cursors").
		Columns("collection", "watermark", "attempts", "updated_at").
		Values(string(cur.Collection), cur.Watermark, cur.Attempts, formatTime(cur.UpdatedAt)).
		Suffix(`ON CONFLICT(collection) DO UPDATE SET
		    watermark  = excluded.watermark,
		    attempts   = excluded.attempts,
		    updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building cursor upsert: %w", err)
	}
	_, err = q.ExecContext(ctx, query, args...)
	return err
}

// scanCursor returns sql.ErrNoRows unchanged so callers can substitute a
// zero cursor.
func scanCursor(s scanner) (model.Cursor, error) {
	var cur model.Cursor
	var collection, updated string
	if err := s.Scan(&collection, &cur.Watermark, &cur.Attempts, &updated); err != nil {
		return model.Cursor{}, err
	}
	cur.Collection = model.Collection(collection)
	cur.UpdatedAt, _ = parseTime(updated)
	return cur, nil
}

// --- transactional operations -----------------------------------------------

type txStore struct {
	q   querier
	now func() time.Time
}

func (t *txStore) ClearTrackedChanges(ctx context.Context, olderThanDays int, alsoDelete bool) (CleanupSummary, error) {
	var sum CleanupSummary
	now := t.now()

	if alsoDelete && olderThanDays > 0 {
		cutoff := now.AddDate(0, 0, -olderThanDays)
		query, args, err := squirrel.Delete("records").
			Where(squirrel.Lt{"timestamp": formatTime(cutoff)}).
			ToSql()
		if err != nil {
			return sum, fmt.Errorf("building purge query: %w", err)
		}
		res, err := t.q.ExecContext(ctx, query, args...)
		if err != nil {
			return sum, fmt.Errorf("deleting records older than %d days: %w", olderThanDays, err)
		}
		sum.Deleted, _ = res.RowsAffected()
	}

	// Reopen before clearing the change log: the update trigger writes to it.
	query, args, err := squirrel.Update("records").
		Set("confirmed", 0).
		Set("modified_at", formatTime(now)).
		Where(squirrel.Eq{"confirmed": 1, "kind": kindStrings(model.UploadKinds())}).
		ToSql()
	if err != nil {
		return sum, fmt.Errorf("building reopen query: %w", err)
	}
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return sum, fmt.Errorf("reopening confirmed records: %w", err)
	}
	sum.Reopened, _ = res.RowsAffected()

	res, err = t.q.ExecContext(ctx, `DELETE FROM record_changes`)
	if err != nil {
		return sum, fmt.Errorf("clearing change log: %w", err)
	}
	sum.ChangesCleared, _ = res.RowsAffected()

	return sum, nil
}

func (t *txStore) ResetCursor(ctx context.Context, c model.Collection) error {
	cur := model.Cursor{Collection: c, UpdatedAt: t.now()}
	if err := upsertCursor(ctx, t.q, cur); err != nil {
		return fmt.Errorf("resetting cursor %q: %w", c, err)
	}
	return nil
}
