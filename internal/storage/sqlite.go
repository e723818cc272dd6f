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
	"time"

	logx "tgrelay/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) HasFingerprint(ctx context.Context, fp string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM fingerprints WHERE fp = ?`, strings.TrimSpace(fp)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) AddFingerprints(ctx context.Context, fps []string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, fp := range fps {
		fp = strings.TrimSpace(fp)
		if fp == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fingerprints(fp, added_at) VALUES(?, ?) ON CONFLICT(fp) DO NOTHING`,
			fp, at.UnixMilli(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) SaveSubmission(ctx context.Context, rec SubmissionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions(id, state, fire_at, created_at, seq, payload) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET state=excluded.state, fire_at=excluded.fire_at, payload=excluded.payload`,
		rec.ID, rec.State, rec.FireAt.UnixNano(), rec.CreatedAt.UnixNano(), int64(rec.Seq), rec.Payload,
	)
	return err
}

func (s *sqliteStore) DeleteSubmission(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM submissions WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) LoadSubmissions(ctx context.Context) ([]SubmissionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, fire_at, created_at, seq, payload FROM submissions ORDER BY fire_at, created_at, seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SubmissionRecord
	for rows.Next() {
		var (
			rec             SubmissionRecord
			fireAt, created int64
			seq             int64
		)
		if err := rows.Scan(&rec.ID, &rec.State, &fireAt, &created, &seq, &rec.Payload); err != nil {
			return nil, err
		}
		rec.FireAt = time.Unix(0, fireAt).UTC()
		rec.CreatedAt = time.Unix(0, created).UTC()
		rec.Seq = uint64(seq)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDispatch(ctx context.Context, rec DispatchRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch(id, ref, caption, submission_id, published_at) VALUES(1,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET ref=excluded.ref, caption=excluded.caption,
		   submission_id=excluded.submission_id, published_at=excluded.published_at`,
		rec.Ref, rec.Caption, rec.SubmissionID, rec.PublishedAt.UnixNano(),
	)
	return err
}

func (s *sqliteStore) GetDispatch(ctx context.Context) (DispatchRecord, bool, error) {
	var (
		rec DispatchRecord
		at  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT ref, caption, submission_id, published_at FROM dispatch WHERE id = 1`,
	).Scan(&rec.Ref, &rec.Caption, &rec.SubmissionID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return DispatchRecord{}, false, nil
	}
	if err != nil {
		return DispatchRecord{}, false, err
	}
	rec.PublishedAt = time.Unix(0, at).UTC()
	return rec, true, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, action, target, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Action, nullStr(e.Target), e.OK, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) Compact(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
