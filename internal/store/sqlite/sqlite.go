package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/procsentry/procsentry/internal/store"
	"github.com/procsentry/procsentry/pkg/types"
)

type Store struct {
	db *sql.DB
}

var _ store.AlertStore = (*Store)(nil)

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS alerts (
			alert_id TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			category TEXT NOT NULL,
			pid INTEGER NOT NULL,
			name TEXT NOT NULL,
			path TEXT,
			cpu_percent REAL NOT NULL,
			memory_mb REAL NOT NULL,
			parent TEXT,
			message TEXT NOT NULL,
			enforce INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_category_ts ON alerts(category, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_pid ON alerts(pid);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_name ON alerts(name);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) AppendAlert(ctx context.Context, a types.Alert) error {
	if a.ID == "" {
		return fmt.Errorf("alert missing id")
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts(
			alert_id, ts_unix_ns, category, pid, name, path,
			cpu_percent, memory_mb, parent, message, enforce
		) VALUES(?,?,?,?,?,?,?,?,?,?,?);`,
		a.ID,
		a.Timestamp.UTC().UnixNano(),
		string(a.Category),
		a.PID,
		a.Name,
		nullable(a.Path),
		a.CPU,
		a.MemoryMB,
		nullable(a.Parent),
		a.Message,
		boolToInt(a.Enforce),
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *Store) QueryAlerts(ctx context.Context, q types.AlertQuery) ([]types.Alert, error) {
	where, args := whereClause(q)

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := store.EffectiveLimit(q.Limit)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT alert_id, ts_unix_ns, category, pid, name, path, cpu_percent, memory_mb, parent, message, enforce
		 FROM alerts WHERE `+where+` ORDER BY ts_unix_ns `+order+`, alert_id `+order+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []types.Alert
	for rows.Next() {
		var (
			a        types.Alert
			tsNs     int64
			category string
			path     sql.NullString
			parent   sql.NullString
			enforce  int
		)
		if err := rows.Scan(&a.ID, &tsNs, &category, &a.PID, &a.Name, &path, &a.CPU, &a.MemoryMB, &parent, &a.Message, &enforce); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Timestamp = time.Unix(0, tsNs).UTC()
		a.Category = types.Category(category)
		a.Path = path.String
		a.Parent = parent.String
		a.Enforce = enforce != 0
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query alerts rows: %w", err)
	}
	return out, nil
}

// CountByCategory returns alert counts per category for alerts matching q.
// Paging fields of q are ignored.
func (s *Store) CountByCategory(ctx context.Context, q types.AlertQuery) (map[types.Category]int, error) {
	where, args := whereClause(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM alerts WHERE `+where+` GROUP BY category`, args...)
	if err != nil {
		return nil, fmt.Errorf("count alerts: %w", err)
	}
	defer rows.Close()

	out := make(map[types.Category]int)
	for rows.Next() {
		var (
			c string
			n int
		)
		if err := rows.Scan(&c, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[types.Category(c)] = n
	}
	return out, rows.Err()
}

func whereClause(q types.AlertQuery) (string, []any) {
	where := []string{"1=1"}
	var args []any

	if len(q.Categories) > 0 {
		place := make([]string, 0, len(q.Categories))
		for _, c := range q.Categories {
			place = append(place, "?")
			args = append(args, string(c))
		}
		where = append(where, "category IN ("+strings.Join(place, ",")+")")
	}
	if q.PID > 0 {
		where = append(where, "pid = ?")
		args = append(args, q.PID)
	}
	if q.NameLike != "" {
		where = append(where, "name LIKE ?")
		args = append(args, "%"+q.NameLike+"%")
	}
	if q.Since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if q.Until != nil {
		where = append(where, "ts_unix_ns <= ?")
		args = append(args, q.Until.UTC().UnixNano())
	}
	return strings.Join(where, " AND "), args
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
