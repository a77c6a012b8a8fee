package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	logx "syncedcron/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqlStore keeps records in the cron_history table. Times are unix
// milliseconds; NULL marks an absent finish or expiry.
type sqlStore struct {
	db         *sql.DB
	collection string
	log        logx.Logger
	now        func() time.Time

	claims     atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		dsn = cfg.Path
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "create directory for %s", dsn)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLStore(db, cfg.Collection, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("dsn", dsn))
	return st, nil
}

func newSQLStore(db *sql.DB, collection string, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, collection: collection, log: log, now: time.Now, pruneEvery: 500}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return errors.Wrap(err, "migrate")
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Claim inserts the record in a transaction that first drops an expired
// record with the same key. The primary key makes the insert the arbiter.
func (s *sqlStore) Claim(ctx context.Context, r Record) error {
	r, err := r.normalize(s.collection)
	if err != nil {
		return err
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin claim")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cron_history
		 WHERE collection = ? AND id = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		s.collection, r.ID, now.UnixMilli(),
	); err != nil {
		return errors.Wrap(err, "drop expired record")
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO cron_history(collection, id, name, intended_at, started_at, expires_at, claimed_by)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(collection, id) DO NOTHING`,
		s.collection, r.ID, r.Name, r.IntendedAt.UnixMilli(), r.StartedAt.UnixMilli(),
		nullMillis(r.ExpiresAt), nullStr(r.ClaimedBy),
	)
	if err != nil {
		return errors.Wrapf(err, "insert %s", r.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "insert rows affected")
	}
	if n == 0 {
		return ErrDuplicate
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit claim")
	}

	if s.claims.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if err := s.pruneExpired(pctx); err != nil {
			s.log.Debug("prune expired records failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *sqlStore) Load(ctx context.Context, k Key) (Record, error) {
	var (
		r                         Record
		intended, started         int64
		finished, expires         sql.NullInt64
		result, errStr, claimedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, intended_at, started_at, finished_at, result, err, expires_at, claimed_by
		 FROM cron_history WHERE collection = ? AND id = ?`,
		s.collection, k.ID(s.collection),
	).Scan(&r.ID, &r.Name, &intended, &started, &finished, &result, &errStr, &expires, &claimedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "load record")
	}

	r.IntendedAt = time.UnixMilli(intended).UTC()
	r.StartedAt = time.UnixMilli(started).UTC()
	r.FinishedAt = millisPtr(finished)
	r.ExpiresAt = millisPtr(expires)
	if result.Valid {
		r.Result = []byte(result.String)
	}
	r.Error = errStr.String
	r.ClaimedBy = claimedBy.String
	if r.Expired(s.now()) {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *sqlStore) Finish(ctx context.Context, k Key, o Outcome) error {
	var r Record
	r.apply(o)

	var result any
	if r.Result != nil {
		result = string(r.Result)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_history SET finished_at = ?, result = ?, err = ?
		 WHERE collection = ? AND id = ?`,
		r.FinishedAt.UnixMilli(), result, nullStr(r.Error),
		s.collection, k.ID(s.collection),
	)
	if err != nil {
		return errors.Wrap(err, "finish record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "finish rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cron_history
		 WHERE collection = ? AND (expires_at IS NULL OR expires_at > ?)`,
		s.collection, s.now().UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count records")
	}
	return n, nil
}

func (s *sqlStore) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cron_history WHERE collection = ?`, s.collection)
	return errors.Wrap(err, "reset collection")
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cron_history WHERE collection = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		s.collection, s.now().UnixMilli(),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func (s *sqlStore) ID(k Key) string { return k.ID(s.collection) }
