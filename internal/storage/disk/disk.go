// Package disk keeps objects on a local filesystem. Objects live at
// <root>/objects/<namespace>/<key> with a JSON sidecar holding the ETag and
// content type. Every write lands through a synced temp file and a rename,
// so a crash leaves either the old or the new object, never a torn one.
//
// A key cannot also be a directory prefix of another key ("a" and "a/b").
// The transaction log and the file store never produce such pairs.
package disk

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pkt.systems/xacoord/internal/storage"
)

const (
	lockFileName = "LOCK"
	metaSuffix   = ".meta.json"
	lockStripes  = 64
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	Now  func() time.Time
	// DisableLock skips the exclusive root lock. Tests that open the same
	// root twice to simulate a restart set it.
	DisableLock bool
}

// Store is a storage.Backend and storage.Copier on the local filesystem.
type Store struct {
	root      string
	tmpDir    string
	objectDir string
	now       func() time.Time

	stripes  [lockStripes]sync.Mutex
	rootLock *os.File
}

// New prepares the directory layout under cfg.Root and takes the exclusive
// root lock unless disabled. A root held by another process fails with
// storage.ErrLocked.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	s := &Store{
		root: filepath.Clean(cfg.Root),
		now:  cfg.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.tmpDir = filepath.Join(s.root, "tmp")
	s.objectDir = filepath.Join(s.root, "objects")
	for _, dir := range []string{s.tmpDir, s.objectDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	if cfg.DisableLock {
		return s, nil
	}
	f, err := os.OpenFile(filepath.Join(s.root, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open root lock: %w", err)
	}
	if err := tryLockFile(f); err != nil {
		f.Close()
		if errors.Is(err, storage.ErrLocked) {
			return nil, fmt.Errorf("disk: %s: %w", s.root, err)
		}
		return nil, fmt.Errorf("disk: lock root: %w", err)
	}
	s.rootLock = f
	return s, nil
}

// Root returns the directory the store writes under.
func (s *Store) Root() string {
	return s.root
}

// Close releases the root lock.
func (s *Store) Close() error {
	f := s.rootLock
	if f == nil {
		return nil
	}
	s.rootLock = nil
	unlockErr := unlockFile(f)
	closeErr := f.Close()
	return errors.Join(unlockErr, closeErr)
}

// lock serialises conditional writes per object path. Unrelated paths may
// share a stripe.
func (s *Store) lock(paths ...string) func() {
	idx := make([]int, 0, len(paths))
	for _, p := range paths {
		h := fnv.New32a()
		_, _ = h.Write([]byte(p))
		i := int(h.Sum32() % lockStripes)
		if !containsInt(idx, i) {
			idx = append(idx, i)
		}
	}
	if len(idx) == 2 && idx[0] > idx[1] {
		idx[0], idx[1] = idx[1], idx[0]
	}
	for _, i := range idx {
		s.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.stripes[idx[j]].Unlock()
		}
	}
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func (s *Store) namespaceDir(namespace string) (string, error) {
	if err := storage.ValidateNamespace(namespace); err != nil {
		return "", err
	}
	return filepath.Join(s.objectDir, namespace), nil
}

// objectPath maps key to its data file. Keys are cleaned against a virtual
// root so ".." segments cannot leave the namespace.
func (s *Store) objectPath(namespace, key string) (string, error) {
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return "", err
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if key == "" || clean == "" || strings.HasSuffix(clean, metaSuffix) {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}
