package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kguard/internal/storage"
)

const sessionColumns = `id, age_group, started_at, last_observed_at, ended_at,
	elapsed_minutes, limit_minutes, bedtime, state, end_reason, lock_reason`

type usageStore struct {
	db *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*storage.SessionRecord, error) {
	var (
		r                     storage.SessionRecord
		startedAt, observedAt int64
		endedAt               sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.AgeGroup, &startedAt, &observedAt, &endedAt,
		&r.ElapsedMinutes, &r.LimitMinutes, &r.Bedtime, &r.State, &r.EndReason, &r.LockReason); err != nil {
		return nil, err
	}
	r.StartedAt = time.Unix(0, startedAt).UTC()
	r.LastObservedAt = time.Unix(0, observedAt).UTC()
	if endedAt.Valid {
		t := time.Unix(0, endedAt.Int64).UTC()
		r.EndedAt = &t
	}
	return &r, nil
}

func (s *usageStore) UpsertSession(ctx context.Context, session storage.SessionRecord) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}

	var endedAt sql.NullInt64
	if session.EndedAt != nil {
		endedAt = sql.NullInt64{Int64: session.EndedAt.UnixNano(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			age_group = excluded.age_group,
			started_at = excluded.started_at,
			last_observed_at = excluded.last_observed_at,
			ended_at = excluded.ended_at,
			elapsed_minutes = excluded.elapsed_minutes,
			limit_minutes = excluded.limit_minutes,
			bedtime = excluded.bedtime,
			state = excluded.state,
			end_reason = excluded.end_reason,
			lock_reason = excluded.lock_reason`,
		session.ID, session.AgeGroup, session.StartedAt.UnixNano(), session.LastObservedAt.UnixNano(), endedAt,
		session.ElapsedMinutes, session.LimitMinutes, session.Bedtime, session.State, session.EndReason, session.LockReason,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

func (s *usageStore) GetSession(ctx context.Context, id string) (*storage.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	record, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return record, nil
}

func (s *usageStore) ListRecentSessions(ctx context.Context, limit int) ([]storage.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC, id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := []storage.SessionRecord{}
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *record)
	}
	return sessions, rows.Err()
}

func (s *usageStore) GetDailyUsage(ctx context.Context, date string, ageGroup string) (*storage.DailyUsage, error) {
	u := storage.DailyUsage{Date: date, AgeGroup: ageGroup}
	err := s.db.QueryRowContext(ctx,
		`SELECT total_minutes, sessions FROM daily_usage WHERE date = ? AND age_group = ?`,
		date, ageGroup,
	).Scan(&u.TotalMinutes, &u.Sessions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily usage: %w", err)
	}
	return &u, nil
}

func (s *usageStore) ListDailyUsage(ctx context.Context, date string) ([]storage.DailyUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, age_group, total_minutes, sessions FROM daily_usage WHERE date = ? ORDER BY age_group`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	usage := []storage.DailyUsage{}
	for rows.Next() {
		var u storage.DailyUsage
		if err := rows.Scan(&u.Date, &u.AgeGroup, &u.TotalMinutes, &u.Sessions); err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

func (s *usageStore) IncrementDailyUsage(ctx context.Context, date string, ageGroup string, minutes int64) error {
	if _, err := time.Parse(storage.DateFormat, date); err != nil {
		return fmt.Errorf("invalid usage date %q: %w", date, err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_usage (date, age_group, total_minutes, sessions)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(date, age_group) DO UPDATE SET
			total_minutes = total_minutes + excluded.total_minutes,
			sessions = sessions + 1`,
		date, ageGroup, minutes,
	)
	if err != nil {
		return fmt.Errorf("failed to increment daily usage: %w", err)
	}
	return nil
}

func (s *usageStore) DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM daily_usage WHERE date < ?`, cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("failed to delete daily usage: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *usageStore) DeleteEndedSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE ended_at IS NOT NULL AND started_at < ?`,
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
