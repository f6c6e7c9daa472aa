package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/TobiSchelling/sourcetrace/internal/session"
)

// SaveRun archives a finished run and its log. It makes *DB a
// session.Archive. Saving the same run twice replaces it.
func (db *DB) SaveRun(ctx context.Context, run *session.Run) error {
	keywords, err := json.Marshal(nonNilStrings(run.Fingerprint.Keywords))
	if err != nil {
		return err
	}
	bigrams, err := json.Marshal(nonNilStrings(run.Fingerprint.Bigrams))
	if err != nil {
		return err
	}
	var sourceID *string
	if run.Source != nil {
		sourceID = &run.Source.ID
	}
	var finished *string
	if !run.FinishedAt.IsZero() {
		s := formatTime(run.FinishedAt)
		finished = &s
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save run: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM analysis_runs WHERE id = ?", run.ID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO analysis_runs
		(id, session_id, tweet_id, tweet_url, status, mode, keywords, bigrams, low_hour, high_hour,
		 iterations, source_post_id, low_confidence, reason, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullString(run.SessionID), nullString(run.Request.TweetID), nullString(run.Request.TweetURL),
		string(run.Status), nullString(run.Mode), string(keywords), string(bigrams),
		run.Window.LowHour, run.Window.HighHour, run.Iterations, sourceID, boolInt(run.LowConfidence),
		nullString(run.Reason), formatTime(run.StartedAt), finished,
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	for i, entry := range run.Log {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_log (run_id, seq, logged_at, level, message) VALUES (?, ?, ?, ?, ?)`,
			run.ID, i, formatTime(entry.Timestamp), entry.Level, entry.Message,
		); err != nil {
			return fmt.Errorf("inserting log line %d: %w", i, err)
		}
	}
	return tx.Commit()
}

const runColumns = `id, session_id, tweet_id, tweet_url, status, mode, keywords, bigrams, low_hour, high_hour,
	iterations, source_post_id, low_confidence, reason, started_at, finished_at`

// ListRuns returns the most recent archived runs, newest first, without
// their logs.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+runColumns+` FROM analysis_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRun returns an archived run with its log, or nil if absent.
func (db *DB) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+runColumns+` FROM analysis_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT logged_at, level, message FROM run_log WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry session.LogEntry
		var logged string
		if err := rows.Scan(&logged, &entry.Level, &entry.Message); err != nil {
			return nil, err
		}
		if t, err := parseTime(logged); err == nil {
			entry.Timestamp = t
		}
		r.Log = append(r.Log, entry)
	}
	return r, rows.Err()
}

func scanRun(row scanner) (*RunRecord, error) {
	var r RunRecord
	var sessionID *string
	var keywords, bigrams *string
	var lowConfidence int
	if err := row.Scan(&r.ID, &sessionID, &r.TweetID, &r.TweetURL, &r.Status, &r.Mode,
		&keywords, &bigrams, &r.LowHour, &r.HighHour, &r.Iterations, &r.SourcePostID,
		&lowConfidence, &r.Reason, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	if sessionID != nil {
		r.SessionID = *sessionID
	}
	r.LowConfidence = lowConfidence != 0
	r.Keywords = decodeStrings(keywords)
	r.Bigrams = decodeStrings(bigrams)
	return &r, nil
}

func decodeStrings(s *string) []string {
	out := []string{}
	if s != nil {
		if err := json.Unmarshal([]byte(*s), &out); err != nil {
			return []string{}
		}
	}
	return out
}

// GetStats returns aggregate database statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{}

	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM posts", &s.Posts},
		{"SELECT COUNT(*) FROM authors", &s.Authors},
		{"SELECT COUNT(*) FROM posts WHERE media IS NOT NULL", &s.MediaPosts},
		{"SELECT COUNT(*) FROM analysis_runs", &s.Runs},
		{"SELECT COUNT(*) FROM analysis_runs WHERE status = 'found'", &s.FoundRuns},
		{"SELECT COUNT(*) FROM analysis_runs WHERE status = 'failed'", &s.FailedRuns},
	}
	for _, q := range queries {
		if err := db.conn.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, err
		}
	}

	if err := db.conn.QueryRowContext(ctx,
		"SELECT MIN(created_at), MAX(created_at) FROM posts",
	).Scan(&s.FirstPost, &s.LastPost); err != nil {
		return nil, err
	}
	return s, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
