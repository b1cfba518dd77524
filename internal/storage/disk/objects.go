package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"pkt.systems/pslog"
	"pkt.systems/xacoord/internal/storage"
	"pkt.systems/xacoord/internal/svcfields"
)

// meta is the sidecar written next to every data file.
type meta struct {
	ETag        string `json:"etag"`
	Digest      string `json:"sha256"`
	ContentType string `json:"content_type,omitempty"`
	Modified    int64  `json:"modified_unix_nano"`
}

func (s *Store) logger(ctx context.Context, namespace, key string) pslog.Logger {
	return svcfields.FromContext(ctx, nil).With("storage_backend", "disk", "namespace", namespace, "key", key)
}

// readMeta returns the sidecar for dataPath, or ErrNotFound when the object
// is absent. A data file without a sidecar is an interrupted write.
func (s *Store) readMeta(dataPath string) (*meta, os.FileInfo, error) {
	st, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return nil, nil, storage.ErrNotFound
		}
		return nil, nil, fmt.Errorf("disk: stat %s: %w", dataPath, err)
	}
	if st.IsDir() {
		return nil, nil, storage.ErrNotFound
	}
	raw, err := os.ReadFile(dataPath + metaSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, storage.ErrNotFound
		}
		return nil, nil, fmt.Errorf("disk: read metadata: %w", err)
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("disk: decode metadata for %s: %w", dataPath, err)
	}
	return &m, st, nil
}

func (s *Store) writeMeta(dataPath string, m meta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	f, err := s.stage(func(w io.Writer) error {
		_, err := w.Write(raw)
		return err
	})
	if err != nil {
		return err
	}
	return s.install(f, dataPath+metaSuffix)
}

// stage writes fill into a synced temp file and returns its path.
func (s *Store) stage(fill func(io.Writer) error) (string, error) {
	f, err := os.CreateTemp(s.tmpDir, "obj-*")
	if err != nil {
		return "", fmt.Errorf("disk: create temp: %w", err)
	}
	name := f.Name()
	err = fill(f)
	if err == nil {
		err = syncFile(f)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("disk: write temp: %w", err)
	}
	return name, nil
}

// install renames a staged file into place and syncs the parent directory.
func (s *Store) install(tmp, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("disk: prepare %s: %w", filepath.Dir(dst), err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("disk: install %s: %w", dst, err)
	}
	return syncDir(filepath.Dir(dst))
}

func (s *Store) newMeta(digest []byte, contentType string) meta {
	now := s.now().UnixNano()
	sum := hex.EncodeToString(digest)
	return meta{
		ETag:        sum[:32] + "-" + strconv.FormatInt(now, 36),
		Digest:      sum,
		ContentType: contentType,
		Modified:    now,
	}
}

func checkCondition(current *meta, expectedETag string, ifNotExists bool) error {
	switch {
	case ifNotExists && current != nil:
		return storage.ErrCASMismatch
	case expectedETag != "" && (current == nil || current.ETag != expectedETag):
		return storage.ErrCASMismatch
	}
	return nil
}

// GetObject opens the data file for reading.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	dataPath, err := s.objectPath(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	m, st, err := s.readMeta(dataPath)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, fmt.Errorf("disk: open %s: %w", key, err)
	}
	return storage.GetObjectResult{Reader: f, Info: m.info(key, st.Size())}, nil
}

func (m *meta) info(key string, size int64) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         m.ETag,
		Size:         size,
		ContentType:  m.ContentType,
		LastModified: unixNano(m.Modified),
	}
}

// PutObject stages body, checks the conditions under the key lock and
// installs data then metadata.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	dataPath, err := s.objectPath(namespace, key)
	if err != nil {
		return nil, err
	}
	hash := sha256.New()
	var size int64
	tmp, err := s.stage(func(w io.Writer) error {
		n, err := io.Copy(io.MultiWriter(w, hash), body)
		size = n
		return err
	})
	if err != nil {
		return nil, err
	}
	unlock := s.lock(dataPath)
	defer unlock()

	current, _, err := s.readMeta(dataPath)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		_ = os.Remove(tmp)
		return nil, err
	}
	if err := checkCondition(current, opts.ExpectedETag, opts.IfNotExists); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	if err := s.install(tmp, dataPath); err != nil {
		return nil, err
	}
	m := s.newMeta(hash.Sum(nil), opts.ContentType)
	if err := s.writeMeta(dataPath, m); err != nil {
		return nil, err
	}
	s.logger(ctx, namespace, key).Trace("disk.put_object.success", "size", size)
	return m.info(key, size), nil
}

// CopyObject hard links the source data into place so large staged files
// are published without rewriting their bytes. Filesystems without link
// support fall back to a byte copy.
func (s *Store) CopyObject(ctx context.Context, namespace, srcKey, dstKey string, opts storage.CopyObjectOptions) (*storage.ObjectInfo, error) {
	srcPath, err := s.objectPath(namespace, srcKey)
	if err != nil {
		return nil, err
	}
	dstPath, err := s.objectPath(namespace, dstKey)
	if err != nil {
		return nil, err
	}
	unlock := s.lock(srcPath, dstPath)
	defer unlock()

	src, st, err := s.readMeta(srcPath)
	if err != nil {
		return nil, err
	}
	tmp, err := s.linkOrCopy(srcPath)
	if err != nil {
		return nil, err
	}
	if err := s.install(tmp, dstPath); err != nil {
		return nil, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = src.ContentType
	}
	digest, err := hex.DecodeString(src.Digest)
	if err != nil || len(digest) == 0 {
		digest = []byte(src.ETag)
	}
	m := s.newMeta(digest, contentType)
	if err := s.writeMeta(dstPath, m); err != nil {
		return nil, err
	}
	s.logger(ctx, namespace, dstKey).Trace("disk.copy_object.success", "src", srcKey, "size", st.Size())
	return m.info(dstKey, st.Size()), nil
}

func (s *Store) linkOrCopy(srcPath string) (string, error) {
	name, err := s.stage(func(io.Writer) error { return nil })
	if err != nil {
		return "", err
	}
	if err := os.Remove(name); err != nil {
		return "", fmt.Errorf("disk: reserve link name: %w", err)
	}
	if err := os.Link(srcPath, name); err == nil {
		return name, nil
	}
	in, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("disk: open copy source: %w", err)
	}
	defer in.Close()
	return s.stage(func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// DeleteObject removes data and metadata, then prunes empty parent
// directories up to the namespace directory.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	dataPath, err := s.objectPath(namespace, key)
	if err != nil {
		return err
	}
	unlock := s.lock(dataPath)
	defer unlock()

	current, _, err := s.readMeta(dataPath)
	if errors.Is(err, storage.ErrNotFound) {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	// Metadata goes first so a crash leaves an orphan data file, which reads
	// as absent.
	for _, p := range []string{dataPath + metaSuffix, dataPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("disk: delete %s: %w", key, err)
		}
	}
	nsDir, _ := s.namespaceDir(namespace)
	s.prune(filepath.Dir(dataPath), nsDir)
	s.logger(ctx, namespace, key).Trace("disk.delete_object.success")
	return nil
}

// prune removes empty directories from dir upward, stopping at stop or the
// first directory that still has entries.
func (s *Store) prune(dir, stop string) {
	for dir != stop && len(dir) > len(stop) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	_ = syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("disk: open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := syncFile(d); err != nil {
		return fmt.Errorf("disk: sync dir %s: %w", dir, err)
	}
	return nil
}
