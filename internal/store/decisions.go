// Package store persists engine decisions to SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"randreply/internal/domain"
)

// DecisionLog is an append-only SQLite log of engine decisions.
type DecisionLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the decision log at dbPath.
func Open(dbPath string, logger *slog.Logger) (*DecisionLog, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &DecisionLog{db: db, logger: logger}, nil
}

// LogDecision appends rec. A zero CreatedAt is set to now.
func (s *DecisionLog) LogDecision(ctx context.Context, rec domain.DecisionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (kind, channel, group_id, user_id, reason, request_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Kind, rec.Channel, rec.GroupID, rec.UserID, rec.Reason, rec.RequestID, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first. An empty kind matches all.
func (s *DecisionLog) Recent(ctx context.Context, kind string, limit int) ([]domain.DecisionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, channel, group_id, user_id, reason, request_id, created_at
		 FROM decisions WHERE (? = '' OR kind = ?)
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		kind, kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.DecisionRecord
	for rows.Next() {
		var (
			r                                           domain.DecisionRecord
			channel, groupID, userID, reason, requestID sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Kind, &channel, &groupID, &userID, &reason, &requestID, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Channel, r.GroupID, r.UserID = channel.String, groupID.String, userID.String
		r.Reason, r.RequestID = reason.String, requestID.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Counts returns the number of records per kind since the given time.
func (s *DecisionLog) Counts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM decisions WHERE created_at >= ? GROUP BY kind`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("count decisions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// Prune deletes records older than before and returns how many were removed.
func (s *DecisionLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune decisions: %w", err)
	}
	return res.RowsAffected()
}

func (s *DecisionLog) Close() error {
	return s.db.Close()
}
