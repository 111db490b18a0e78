package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Toonzaza/cart-sensor/internal/protocol"
)

const defaultRecentLimit = 50

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Journal is the append-only job lifecycle log kept in SQLite. It backs the
// /jobs endpoint and warms the orchestrator's dedup state at startup.
type Journal struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
}

// New returns a Journal over db. Rows older than retention are removed by
// Tick; retention <= 0 keeps everything.
func New(db *sql.DB, retention time.Duration) *Journal {
	return &Journal{db: db, retention: retention, now: time.Now}
}

// Record appends e and returns its id. ID and CreatedAt are filled in when
// empty.
func (j *Journal) Record(ctx context.Context, e Entry) (string, error) {
	if e.JobID == "" {
		return "", fmt.Errorf("%w: job_id is empty", ErrInvalidEntry)
	}
	if e.Kind == "" {
		return "", fmt.Errorf("%w: kind is empty", ErrInvalidEntry)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.now()
	}

	var payload any
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO job_journal(
  id, job_id, kind, op, goal_id, fingerprint, dedupe_key, detail, payload, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.JobID, string(e.Kind), string(e.Op), e.GoalID, e.Fingerprint, e.DedupeKey,
		e.Detail, payload, e.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("record journal entry: %w", err)
	}
	return e.ID, nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, job_id, kind, op, goal_id, fingerprint, dedupe_key, detail, payload, created_at
FROM job_journal
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return out, nil
}

// ByJob returns every entry recorded for jobID, oldest first.
func (j *Journal) ByJob(ctx context.Context, jobID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT id, job_id, kind, op, goal_id, fingerprint, dedupe_key, detail, payload, created_at
FROM job_journal
WHERE job_id = ?
ORDER BY created_at ASC, rowid ASC;
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query journal for job %q: %w", jobID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return out, nil
}

// AcceptedKeys returns the dedup keys of jobs accepted at or after since.
func (j *Journal) AcceptedKeys(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT dedupe_key, created_at
FROM job_journal
WHERE kind = ? AND created_at >= ?;
`, string(KindAccepted), since.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("query accepted keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]time.Time)
	for rows.Next() {
		var key, createdAtS string
		if err := rows.Scan(&key, &createdAtS); err != nil {
			return nil, fmt.Errorf("scan accepted key: %w", err)
		}
		t, _ := time.Parse(time.RFC3339Nano, createdAtS)
		keys[key] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accepted keys: %w", err)
	}
	return keys, nil
}

// LastCompleted returns the most recent completion, or (nil, nil) if none.
func (j *Journal) LastCompleted(ctx context.Context) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, job_id, kind, op, goal_id, fingerprint, dedupe_key, detail, payload, created_at
FROM job_journal
WHERE kind = ?
ORDER BY created_at DESC, rowid DESC
LIMIT 1;
`, string(KindCompleted))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// Tick prunes entries older than the retention window.
func (j *Journal) Tick(ctx context.Context, now time.Time) error {
	if j.retention <= 0 {
		return nil
	}
	cutoff := now.Add(-j.retention).UTC().Format(timeLayout)
	if _, err := j.db.ExecContext(ctx, `DELETE FROM job_journal WHERE created_at < ?;`, cutoff); err != nil {
		return fmt.Errorf("prune journal: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e          Entry
		kind, op   string
		detail     sql.NullString
		payload    sql.NullString
		createdAtS string
	)
	err := s.Scan(&e.ID, &e.JobID, &kind, &op, &e.GoalID, &e.Fingerprint, &e.DedupeKey, &detail, &payload, &createdAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan journal entry: %w", err)
	}
	e.Kind = Kind(kind)
	e.Op = protocol.Operation(op)
	if detail.Valid {
		e.Detail = detail.String
	}
	if payload.Valid {
		e.Payload = []byte(payload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		e.CreatedAt = t
	}
	return &e, nil
}
