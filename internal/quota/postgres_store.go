package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const usageColumns = `user_id, usage_date, requests_used, tokens_used, updated_at`

// PostgresStore handles daily_usage PostgreSQL operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, userID string, day time.Time) (*DailyUsageRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+usageColumns+` FROM daily_usage WHERE user_id = $1 AND usage_date = $2`,
		userID, Day(day)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching daily usage: %w", err)
	}
	return rec, nil
}

// Increment upserts the day's row and adds to both counters.
func (s *PostgresStore) Increment(ctx context.Context, userID string, day time.Time, requests, tokens int) (*DailyUsageRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`INSERT INTO daily_usage (user_id, usage_date, requests_used, tokens_used)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, usage_date) DO UPDATE
		 SET requests_used = daily_usage.requests_used + EXCLUDED.requests_used,
		     tokens_used = daily_usage.tokens_used + EXCLUDED.tokens_used,
		     updated_at = NOW()
		 RETURNING `+usageColumns,
		userID, Day(day), requests, tokens))
	if err != nil {
		return nil, fmt.Errorf("incrementing daily usage: %w", err)
	}
	return rec, nil
}

// ApplyEvent records eventID in usage_events and bumps the counters in the
// same transaction, so a redelivered event is a no-op.
func (s *PostgresStore) ApplyEvent(ctx context.Context, eventID, userID string, day time.Time, requests, tokens int) (*DailyUsageRecord, bool, error) {
	var rec *DailyUsageRecord
	applied := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO usage_events (event_id, user_id, usage_date, requests, tokens)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (event_id) DO NOTHING`,
			eventID, userID, Day(day), requests, tokens)
		if err != nil {
			return fmt.Errorf("recording usage event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true
		rec, err = scanRecord(tx.QueryRow(ctx,
			`INSERT INTO daily_usage (user_id, usage_date, requests_used, tokens_used)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id, usage_date) DO UPDATE
			 SET requests_used = daily_usage.requests_used + EXCLUDED.requests_used,
			     tokens_used = daily_usage.tokens_used + EXCLUDED.tokens_used,
			     updated_at = NOW()
			 RETURNING `+usageColumns,
			userID, Day(day), requests, tokens))
		if err != nil {
			return fmt.Errorf("applying usage event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		return rec, true, nil
	}

	rec, err = s.Get(ctx, userID, day)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		rec = &DailyUsageRecord{UserID: userID, Date: Day(day)}
	}
	return rec, false, nil
}

// ReserveRequest bumps requests_used in a single conditional upsert so two
// concurrent callers can never both take the last slot.
func (s *PostgresStore) ReserveRequest(ctx context.Context, userID string, day time.Time, limit int) (*DailyUsageRecord, bool, error) {
	if limit <= 0 {
		rec, err := s.Get(ctx, userID, day)
		if err != nil {
			return nil, false, err
		}
		if rec == nil {
			rec = &DailyUsageRecord{UserID: userID, Date: Day(day)}
		}
		return rec, false, nil
	}

	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`INSERT INTO daily_usage (user_id, usage_date, requests_used, tokens_used)
		 VALUES ($1, $2, 1, 0)
		 ON CONFLICT (user_id, usage_date) DO UPDATE
		 SET requests_used = daily_usage.requests_used + 1,
		     updated_at = NOW()
		 WHERE daily_usage.requests_used < $3
		 RETURNING `+usageColumns,
		userID, Day(day), limit))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("reserving daily request: %w", err)
	}

	// Conflict row was at the ceiling; report its current state.
	rec, err = s.Get(ctx, userID, day)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, fmt.Errorf("reserving daily request: row vanished for %s", userID)
	}
	return rec, false, nil
}

func (s *PostgresStore) ListRange(ctx context.Context, userID string, from, to time.Time) ([]DailyUsageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+usageColumns+`
		 FROM daily_usage
		 WHERE user_id = $1 AND usage_date BETWEEN $2 AND $3
		 ORDER BY usage_date ASC`,
		userID, Day(from), Day(to))
	if err != nil {
		return nil, fmt.Errorf("listing daily usage: %w", err)
	}
	defer rows.Close()

	var records []DailyUsageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning daily usage: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanRecord(row pgx.Row) (*DailyUsageRecord, error) {
	var rec DailyUsageRecord
	if err := row.Scan(&rec.UserID, &rec.Date, &rec.RequestsUsed, &rec.TokensUsed, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Date = Day(rec.Date)
	return &rec, nil
}
