package storage

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "syncedcron/pkg/logx"
)

// fileStore keeps one JSON document per record:
//
//	<path>/<collection>/<name>_<YYYYMMDDTHHMMSSZ>.json
//
// Claims use O_CREATE|O_EXCL, which is atomic on local filesystems and on
// NFSv3+, so processes sharing the directory get at-most-once execution.
// Updates are written to a temp file and renamed over the record.
type fileStore struct {
	dir        string
	collection string
	log        logx.Logger
	now        func() time.Time

	// mu serializes read-modify-write cycles within this process.
	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := filepath.Join(strings.TrimSpace(cfg.Path), sanitizeSegment(cfg.Collection))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create store directory %s", dir)
	}
	log.Debug("file store opened", logx.String("dir", dir))
	return &fileStore{dir: dir, collection: cfg.Collection, log: log, now: time.Now}, nil
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return strings.NewReplacer("/", "_", "\\", "_").Replace(s)
}

func (s *fileStore) path(k Key) string { return filepath.Join(s.dir, k.fileName()) }

func (s *fileStore) Claim(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, err := r.normalize(s.collection)
	if err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	p := s.path(r.Key())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	// At most two attempts: the second follows removal of an expired record.
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.Write(b)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(p)
				return errors.Wrap(errors.CombineErrors(werr, cerr), "write record")
			}
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return errors.Wrapf(err, "claim %s", r.ID)
		}

		cur, rerr := readRecord(p)
		if rerr != nil || !cur.Expired(s.now()) {
			// An unreadable file is most likely a claim being written.
			return ErrDuplicate
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errors.Wrap(err, "remove expired record")
		}
	}
	return ErrDuplicate
}

func (s *fileStore) Load(ctx context.Context, k Key) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r, err := readRecord(s.path(k))
	if err != nil {
		return Record{}, err
	}
	if r.Expired(s.now()) {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *fileStore) Finish(ctx context.Context, k Key, o Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	p := s.path(k)
	r, err := readRecord(p)
	if err != nil {
		return err
	}
	r.apply(o)
	b, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrap(err, "write record")
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "replace record")
	}
	return nil
}

func (s *fileStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, errors.Wrap(err, "list records")
	}
	now := s.now()
	n := 0
	for _, e := range ents {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		p := filepath.Join(s.dir, e.Name())
		r, err := readRecord(p)
		if err == nil && r.Expired(now) {
			_ = os.Remove(p)
			continue
		}
		n++
	}
	return n, nil
}

func (s *fileStore) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.dir); err != nil {
		return errors.Wrap(err, "reset collection")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, "reset collection")
	}
	s.log.Debug("file store reset", logx.String("dir", s.dir))
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func readRecord(p string) (Record, error) {
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "read record")
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, errors.Wrapf(err, "decode record %s", filepath.Base(p))
	}
	return r, nil
}

func (s *fileStore) ID(k Key) string { return k.ID(s.collection) }
