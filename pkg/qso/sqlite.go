package qso

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver.
)

// timeLayout has a fixed width so created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore keeps records in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("qso migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS qso_records (
			id INTEGER PRIMARY KEY,
			created_at TEXT NOT NULL,
			direction TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			message_morse TEXT NOT NULL,
			message_text TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			play_time TEXT NOT NULL DEFAULT '[]',
			play_interval TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_qso_created_at ON qso_records(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_qso_direction ON qso_records(direction);`,
		`CREATE INDEX IF NOT EXISTS idx_qso_sender ON qso_records(sender);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, r Record) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	play, err := json.Marshal(orEmpty(r.PlayTimes))
	if err != nil {
		return 0, err
	}
	gaps, err := json.Marshal(orEmpty(r.Gaps))
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO qso_records (created_at, direction, sender, message_morse, message_text, duration_ms, play_time, play_interval)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CreatedAt.UTC().Format(timeLayout),
		string(r.Direction),
		r.Sender,
		r.Morse,
		r.Text,
		r.DurationMS,
		string(play),
		string(gaps),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func orEmpty(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}

func (s *SQLiteStore) List(ctx context.Context, q Query) ([]Record, int, error) {
	page := max(1, q.Page)
	size := q.PageSize
	if size <= 0 {
		size = 50
	}

	clauses := []string{"1=1"}
	args := []any{}
	if kw := strings.TrimSpace(q.Keyword); kw != "" {
		like := "%" + kw + "%"
		clauses = append(clauses, "(sender LIKE ? OR message_text LIKE ? OR message_morse LIKE ?)")
		args = append(args, like, like, like)
	}
	if q.Direction != "" {
		clauses = append(clauses, "direction = ?")
		args = append(args, string(q.Direction))
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, q.Since.UTC().Format(timeLayout))
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, q.Until.UTC().Format(timeLayout))
	}
	where := strings.Join(clauses, " AND ")
	order := "DESC"
	if q.Ascending {
		order = "ASC"
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM qso_records WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT id, created_at, direction, sender, message_morse, message_text, duration_ms, play_time, play_interval
		FROM qso_records WHERE %s ORDER BY created_at %s, id %s LIMIT ? OFFSET ?`, where, order, order)
	rows, err := s.db.QueryContext(ctx, query, append(args, size, (page-1)*size)...)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	var out []Record
	for rows.Next() {
		var (
			r                Record
			created, dir     string
			playRaw, gapsRaw string
		)
		if err := rows.Scan(&r.ID, &created, &dir, &r.Sender, &r.Morse, &r.Text, &r.DurationMS, &playRaw, &gapsRaw); err != nil {
			return nil, 0, err
		}
		r.Direction = Direction(dir)
		if t, err := time.Parse(timeLayout, created); err == nil {
			r.CreatedAt = t
		}
		// a damaged timeline leaves the record readable
		_ = json.Unmarshal([]byte(playRaw), &r.PlayTimes)
		_ = json.Unmarshal([]byte(gapsRaw), &r.Gaps)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, ids ...int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM qso_records WHERE id IN ("+marks+")", args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
