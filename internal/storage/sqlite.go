package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "gams/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	closed atomic.Bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) usable() error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) AppendRecord(ctx context.Context, r Record) error {
	if err := s.usable(); err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records(at, kind, key, data) VALUES(?,?,?,?)`,
		r.At.UnixNano(), r.Kind, nullStr(r.Key), nullStr(r.JSON),
	)
	return err
}

func (s *sqliteStore) RecentRecords(ctx context.Context, kind string, limit int) ([]Record, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if kind == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT at, kind, key, data FROM records ORDER BY at DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT at, kind, key, data FROM records WHERE kind = ? ORDER BY at DESC, id DESC LIMIT ?`, kind, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var (
			at        int64
			r         Record
			key, data sql.NullString
		)
		if err := rows.Scan(&at, &r.Kind, &key, &data); err != nil {
			return nil, err
		}
		r.At = time.Unix(0, at)
		r.Key = key.String
		r.JSON = data.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneRecords(ctx context.Context, kind string, before time.Time) (int, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	var (
		res sql.Result
		err error
	)
	if kind == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM records WHERE at < ?`, before.UnixNano())
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND at < ?`, kind, before.UnixNano())
	}
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) PutSnapshot(ctx context.Context, key string, data []byte) error {
	if err := s.usable(); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("snapshot key is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots(key, data, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		key, data, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetSnapshot(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.usable(); err != nil {
		return nil, false, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
