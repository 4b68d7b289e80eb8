package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"threadcast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteSpool persists digest entries so offline users don't lose their
// pending digest across a restart.
type sqliteSpool struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLiteSpool(cfg SpoolConfig, log logx.Logger) (DigestSpool, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	sp := &sqliteSpool{db: db, log: log}
	if err := sp.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sp, nil
}

func (s *sqliteSpool) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteSpool) Append(ctx context.Context, e DigestEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO digest_spool(user_id, thread_id, message_id, rendered, at_ms) VALUES(?,?,?,?,?)`,
		e.UserID, e.ThreadID, e.MessageID, e.Rendered, e.At.UnixMilli(),
	)
	return err
}

func (s *sqliteSpool) Pending(ctx context.Context) ([]DigestEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, thread_id, message_id, rendered, at_ms FROM digest_spool ORDER BY user_id, at_ms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DigestEntry
	for rows.Next() {
		var e DigestEntry
		var ms int64
		if err := rows.Scan(&e.UserID, &e.ThreadID, &e.MessageID, &e.Rendered, &ms); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteSpool) Clear(ctx context.Context, userID string, upTo time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM digest_spool WHERE user_id = ? AND at_ms <= ?`,
		userID, upTo.UnixMilli(),
	)
	return err
}

func (s *sqliteSpool) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
