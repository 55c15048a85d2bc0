package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/slewanld/AndroidAPS-sub001/internal/model"
)

var recordColumns = []string{
	"id", "origin_id", "remote_id", "kind", "timestamp", "created_at",
	"modified_at", "remote_modified", "confirmed", "valid", "payload",
}

// MergeResult describes what MergeFromRemote did with a downloaded record.
type MergeResult int

const (
	// MergeInserted means the record was new and has been stored confirmed.
	MergeInserted MergeResult = iota
	// MergeUpdated means an existing record with the same remote ID changed.
	MergeUpdated
	// MergeLinked means the record was the echo of a local upload; the local
	// row gained the remote ID and was confirmed.
	MergeLinked
	// MergeUnchanged means the stored copy is already current.
	MergeUnchanged
)

func (m MergeResult) String() string {
	switch m {
	case MergeInserted:
		return "inserted"
	case MergeUpdated:
		return "updated"
	case MergeLinked:
		return "linked"
	case MergeUnchanged:
		return "unchanged"
	default:
		return fmt.Sprintf("merge(%d)", int(m))
	}
}

// KindCount holds per-kind totals for the status command.
type KindCount struct {
	Total       int
	Unconfirmed int
}

// Insert stores a locally created record. An origin ID is assigned when the
// record has none, and the record always starts unconfirmed.
func (s *Store) Insert(ctx context.Context, rec *model.Record) error {
	if !rec.Kind.Valid() {
		return fmt.Errorf("inserting record: %w: %q", model.ErrUnknownKind, string(rec.Kind))
	}
	if rec.OriginID == "" {
		rec.OriginID = uuid.NewString()
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = rec.CreatedAt
	}
	rec.ModifiedAt = now
	rec.Confirmed = false

	id, err := insertRecord(ctx, s.db, rec)
	if err != nil {
		return fmt.Errorf("inserting %s record: %w", rec.Kind, err)
	}
	rec.ID = id
	return nil
}

// GetRecord returns the record with the given local ID, or (nil, nil) if no
// such record exists.
func (s *Store) GetRecord(ctx context.Context, id int64) (*model.Record, error) {
	return getRecordWhere(ctx, s.db, squirrel.Eq{"id": id})
}

// GetByRemoteID returns the record carrying the remote identifier, or
// (nil, nil) if no such record exists.
func (s *Store) GetByRemoteID(ctx context.Context, remoteID string) (*model.Record, error) {
	return getRecordWhere(ctx, s.db, squirrel.Eq{"remote_id": remoteID})
}

// Unconfirmed returns up to limit unconfirmed records of kind, oldest first.
func (s *Store) Unconfirmed(ctx context.Context, kind model.Kind, limit int) ([]*model.Record, error) {
	q := squirrel.Select(recordColumns...).
		From("records").
		Where(squirrel.Eq{"kind": string(kind), "confirmed": 0}).
		OrderBy("created_at", "id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	recs, err := queryRecords(ctx, s.db, q)
	if err != nil {
		return nil, fmt.Errorf("querying unconfirmed %s: %w", kind, err)
	}
	return recs, nil
}

// CountUnconfirmed returns the number of uploadable records still waiting for
// remote acknowledgment.
func (s *Store) CountUnconfirmed(ctx context.Context) (int, error) {
	query, args, err := squirrel.Select("COUNT(*)").
		From("records").
		Where(squirrel.Eq{"confirmed": 0, "kind": kindStrings(model.UploadKinds())}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting unconfirmed records: %w", err)
	}
	return n, nil
}

// CountByKind returns totals per kind present in the store.
func (s *Store) CountByKind(ctx context.Context) (map[model.Kind]KindCount, error) {
	query, args, err := squirrel.Select("kind", "COUNT(*)", "SUM(CASE WHEN confirmed = 0 THEN 1 ELSE 0 END)").
		From("records").
		GroupBy("kind").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building count-by-kind query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting records by kind: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[model.Kind]KindCount)
	for rows.Next() {
		var kind string
		var c KindCount
		if err := rows.Scan(&kind, &c.Total, &c.Unconfirmed); err != nil {
			return nil, fmt.Errorf("scanning kind count: %w", err)
		}
		out[model.Kind(kind)] = c
	}
	return out, rows.Err()
}

// CountChanges returns the number of rows in the change log.
func (s *Store) CountChanges(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM record_changes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting tracked changes: %w", err)
	}
	return n, nil
}

// ModifiedSince returns records modified locally after since, oldest
// modification first.
func (s *Store) ModifiedSince(ctx context.Context, since time.Time) ([]*model.Record, error) {
	q := squirrel.Select(recordColumns...).
		From("records").
		Where(squirrel.Gt{"modified_at": formatTime(since)}).
		OrderBy("modified_at", "id")
	recs, err := queryRecords(ctx, s.db, q)
	if err != nil {
		return nil, fmt.Errorf("querying records modified since %s: %w", since.Format(time.RFC3339), err)
	}
	return recs, nil
}

// MarkConfirmed flips the record's confirmed flag and stores the remote ID.
// It reports false when the record was already confirmed, which makes
// repeated acknowledgments for the same record harmless.
//
// When the remote deduplicated the push onto a document that was already
// downloaded into its own row, that row is dropped and the local record
// takes over its remote ID, in the same transaction.
func (s *Store) MarkConfirmed(ctx context.Context, id int64, remoteID string) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(q querier) error {
		var err error
		changed, err = markConfirmed(ctx, q, id, remoteID, s.now())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("confirming record id=%d: %w", id, err)
	}
	return changed, nil
}

func markConfirmed(ctx context.Context, q querier, id int64, remoteID string, now time.Time) (bool, error) {
	local, err := getRecordWhere(ctx, q, squirrel.Eq{"id": id})
	if err != nil {
		return false, err
	}
	if local == nil || local.Confirmed {
		return false, nil
	}

	up := squirrel.Update("records").
		Set("confirmed", 1).
		Set("modified_at", formatTime(now)).
		Where(squirrel.Eq{"id": id, "confirmed": 0})

	if remoteID != "" {
		dup, err := getRecordWhere(ctx, q, squirrel.And{
			squirrel.Eq{"remote_id": remoteID},
			squirrel.NotEq{"id": id},
		})
		if err != nil {
			return false, err
		}
		if dup != nil {
			if err := execBuilt(ctx, q, squirrel.Delete("records").Where(squirrel.Eq{"id": dup.ID})); err != nil {
				return false, fmt.Errorf("dropping duplicate of %s: %w", remoteID, err)
			}
			if dup.RemoteModified > local.RemoteModified {
				up = up.Set("remote_modified", dup.RemoteModified)
			}
		}
		up = up.Set("remote_id", remoteID)
	}

	query, args, err := up.ToSql()
	if err != nil {
		return false, fmt.Errorf("building confirm query: %w", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MergeFromRemote stores a record downloaded from the remote. A record with a
// known remote ID is updated in place when the remote copy is newer. A record
// whose origin ID matches a local row is the echo of our own upload: the row
// is linked to the remote ID and confirmed. Anything else is inserted as
// confirmed.
func (s *Store) MergeFromRemote(ctx context.Context, rec *model.Record) (MergeResult, error) {
	var result MergeResult
	err := s.withTx(ctx, func(q querier) error {
		var err error
		result, err = mergeRecord(ctx, q, rec, s.now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("merging %s %q: %w", rec.Kind, rec.RemoteID, err)
	}
	return result, nil
}

func mergeRecord(ctx context.Context, q querier, rec *model.Record, now time.Time) (MergeResult, error) {
	if rec.RemoteID != "" {
		existing, err := getRecordWhere(ctx, q, squirrel.Eq{"remote_id": rec.RemoteID})
		if err != nil {
			return 0, err
		}
		if existing != nil {
			if existing.RemoteModified != 0 && rec.RemoteModified <= existing.RemoteModified {
				return MergeUnchanged, nil
			}
			payload, err := model.EncodePayload(rec.Payload)
			if err != nil {
				return 0, err
			}
			up := squirrel.Update("records").
				Set("payload", string(payload)).
				Set("timestamp", formatTime(rec.Timestamp)).
				Set("valid", boolInt(rec.Valid)).
				Set("remote_modified", rec.RemoteModified).
				Set("modified_at", formatTime(now)).
				Set("confirmed", 1).
				Where(squirrel.Eq{"id": existing.ID})
			if err := execBuilt(ctx, q, up); err != nil {
				return 0, err
			}
			rec.ID = existing.ID
			rec.OriginID = existing.OriginID
			return MergeUpdated, nil
		}
	}

	if rec.OriginID != "" {
		local, err := getRecordWhere(ctx, q, squirrel.Eq{"origin_id": rec.OriginID})
		if err != nil {
			return 0, err
		}
		if local != nil {
			up := squirrel.Update("records").
				Set("remote_id", rec.RemoteID).
				Set("remote_modified", rec.RemoteModified).
				Set("valid", boolInt(rec.Valid)).
				Set("modified_at", formatTime(now)).
				Set("confirmed", 1).
				Where(squirrel.Eq{"id": local.ID})
			if err := execBuilt(ctx, q, up); err != nil {
				return 0, err
			}
			rec.ID = local.ID
			return MergeLinked, nil
		}
	} else {
		rec.OriginID = uuid.NewString()
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ModifiedAt = now
	rec.Confirmed = true
	id, err := insertRecord(ctx, q, rec)
	if err != nil {
		return 0, err
	}
	rec.ID = id
	return MergeInserted, nil
}

// withTx runs fn against a transaction on the store's connection.
func (s *Store) withTx(ctx context.Context, fn func(querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- row helpers -------------------------------------------------------------

func insertRecord(ctx context.Context, q querier, rec *model.Record) (int64, error) {
	payload, err := model.EncodePayload(rec.Payload)
	if err != nil {
		return 0, err
	}
	query, args, err := squirrel.Insert("records").
		Columns(recordColumns[1:]...).
		Values(
			rec.OriginID,
			rec.RemoteID,
			string(rec.Kind),
			formatTime(rec.Timestamp),
			formatTime(rec.CreatedAt),
			formatTime(rec.ModifiedAt),
			rec.RemoteModified,
			boolInt(rec.Confirmed),
			boolInt(rec.Valid),
			string(payload),
		).ToSql()
	if err != nil {
		return 0, fmt.Errorf("building insert query: %w", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func execBuilt(ctx context.Context, q querier, b squirrel.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}
	_, err = q.ExecContext(ctx, query, args...)
	return err
}

func getRecordWhere(ctx context.Context, q querier, pred squirrel.Sqlizer) (*model.Record, error) {
	query, args, err := squirrel.Select(recordColumns...).
		From("records").
		Where(pred).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building record lookup: %w", err)
	}
	return scanRecord(q.QueryRowContext(ctx, query, args...))
}

func queryRecords(ctx context.Context, q querier, b squirrel.SelectBuilder) ([]*model.Record, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanRecord(s scanner) (*model.Record, error) {
	var rec model.Record
	var kind, ts, created, modified, payload string
	var confirmed, valid int

	err := s.Scan(
		&rec.ID,
		&rec.OriginID,
		&rec.RemoteID,
		&kind,
		&ts,
		&created,
		&modified,
		&rec.RemoteModified,
		&confirmed,
		&valid,
		&payload,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning record row: %w", err)
	}

	rec.Kind = model.Kind(kind)
	rec.Confirmed = confirmed != 0
	rec.Valid = valid != 0
	rec.Timestamp, _ = parseTime(ts)
	rec.CreatedAt, _ = parseTime(created)
	rec.ModifiedAt, _ = parseTime(modified)

	rec.Payload, err = model.DecodePayload(rec.Kind, []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("record id=%d: %w", rec.ID, err)
	}
	return &rec, nil
}

func kindStrings(kinds []model.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
