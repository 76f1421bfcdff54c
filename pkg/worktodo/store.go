package worktodo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/primeloop/pkg/lockfile"
)

// Store loads and persists the work queue file.
//
// Every access holds the file's lock (worktodo.ini.lck), which the
// computation engine honours as well. Writes go to a temp file in the same
// directory and are renamed into place, so readers never observe a partial
// queue.
type Store struct {
	path string
	lock lockfile.Options
}

func NewStore(path string, lock lockfile.Options) *Store {
	return &Store{path: strings.TrimSpace(path), lock: lock}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the current queue. A missing file is an empty queue.
func (s *Store) Load(ctx context.Context) (*Queue, error) {
	var q *Queue
	err := lockfile.With(ctx, s.path, s.lock, func() error {
		var err error
		q, err = s.read()
		return err
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Store replaces the queue file with q.
func (s *Store) Store(ctx context.Context, q *Queue) error {
	return lockfile.With(ctx, s.path, s.lock, func() error {
		return s.write(q)
	})
}

// Update runs a read-modify-write cycle under a single lock acquisition.
// The file is only rewritten when fn returns nil.
func (s *Store) Update(ctx context.Context, fn func(q *Queue) error) error {
	return lockfile.With(ctx, s.path, s.lock, func() error {
		q, err := s.read()
		if err != nil {
			return err
		}
		if err := fn(q); err != nil {
			return err
		}
		return s.write(q)
	})
}

func (s *Store) read() (*Queue, error) {
	if s.path == "" {
		return nil, fmt.Errorf("work queue path is empty")
	}
	// #nosec G304 -- path comes from the operator-configured work dir
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewQueue(), nil
		}
		return nil, fmt.Errorf("read work queue: %w", err)
	}
	return Parse(bytes.NewReader(b))
}

func (s *Store) write(q *Queue) error {
	if q == nil {
		return fmt.Errorf("work queue is nil")
	}

	var buf bytes.Buffer
	if _, err := q.WriteTo(&buf); err != nil {
		return fmt.Errorf("serialize work queue: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp work queue: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp work queue: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp work queue: %w", err)
	}
	// #nosec G302 -- queue file is shared with the computation engine
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod temp work queue: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename work queue: %w", err)
	}
	return nil
}
