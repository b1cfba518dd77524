package afs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/storage"
)

// MaxReadChunk caps the bytes returned by one read.
const MaxReadChunk = 4 << 20

// Stage is the per-transaction view that file operations run against.
type Stage struct {
	p     *Participant
	txnID string

	mu         sync.Mutex
	writes     map[string]int64
	deletes    map[string]struct{}
	prepared   bool
	closed     bool
	lastActive time.Time
}

func newStage(p *Participant, txnID string) *Stage {
	return &Stage{
		p:          p,
		txnID:      txnID,
		writes:     make(map[string]int64),
		deletes:    make(map[string]struct{}),
		lastActive: p.now(),
	}
}

func (s *Stage) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

// openLocked rejects operations on an expired stage. s.mu must be held.
func (s *Stage) openLocked() error {
	if s.closed {
		return fmt.Errorf("%w: %s expired", participant.ErrUnknownTransaction, s.txnID)
	}
	return nil
}

// mutableLocked additionally rejects changes after prepare.
func (s *Stage) mutableLocked() error {
	if err := s.openLocked(); err != nil {
		return err
	}
	if s.prepared {
		return participant.ErrInvalidState
	}
	return nil
}

// TxnID returns the owning transaction id.
func (s *Stage) TxnID() string { return s.txnID }

func (s *Stage) isPrepared() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepared
}

func (s *Stage) manifestLocked(now time.Time) Manifest {
	m := Manifest{TxnID: s.txnID, PreparedAtUnix: now.Unix()}
	for path, size := range s.writes {
		m.Writes = append(m.Writes, ManifestFile{Path: path, StagedKey: stagedKey(s.txnID, path), Size: size})
	}
	for path := range s.deletes {
		m.Deletes = append(m.Deletes, path)
	}
	sort.Slice(m.Writes, func(i, j int) bool { return m.Writes[i].Path < m.Writes[j].Path })
	sort.Strings(m.Deletes)
	return m
}

// WriteArgs is the argument of write. A zero offset replaces the staged
// file; any other offset must equal the staged size and appends.
type WriteArgs struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
}

// WriteResult reports the staged size after a write.
type WriteResult struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// PathArgs names one file.
type PathArgs struct {
	Path string `json:"path"`
}

// ReadArgs is the argument of read. A non-positive length reads up to
// MaxReadChunk bytes.
type ReadArgs struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// ReadResult carries one chunk of a file.
type ReadResult struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
	EOF    bool   `json:"eof"`
}

// ListArgs filters list by path prefix.
type ListArgs struct {
	Prefix string `json:"prefix"`
}

// FileInfo describes one file as seen by the transaction.
type FileInfo struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Staged bool   `json:"staged,omitempty"`
}

// ListResult is returned by list.
type ListResult struct {
	Files []FileInfo `json:"files"`
}

// StagedResult describes what a commit would publish.
type StagedResult struct {
	Writes   []FileInfo `json:"writes"`
	Deletes  []string   `json:"deletes"`
	Prepared bool       `json:"prepared"`
}

// DefaultOperations returns a registry with the file operations write,
// delete, read, list and staged.
func DefaultOperations() *participant.Registry[*Stage] {
	reg := participant.NewRegistry[*Stage]()
	reg.MustRegister("write", participant.Unary(func(ctx context.Context, s *Stage, in WriteArgs) (WriteResult, error) {
		return s.Write(ctx, in)
	}))
	reg.MustRegister("delete", participant.Unary(func(ctx context.Context, s *Stage, in PathArgs) (WriteResult, error) {
		return s.Delete(ctx, in)
	}))
	reg.MustRegister("read", participant.Unary(func(ctx context.Context, s *Stage, in ReadArgs) (ReadResult, error) {
		return s.Read(ctx, in)
	}))
	reg.MustRegister("list", participant.Unary(func(ctx context.Context, s *Stage, in ListArgs) (ListResult, error) {
		return s.List(ctx, in)
	}))
	reg.MustRegister("staged", participant.Nullary(func(ctx context.Context, s *Stage) (StagedResult, error) {
		return s.Staged(ctx)
	}))
	return reg
}

// Write stages content for a file.
func (s *Stage) Write(ctx context.Context, in WriteArgs) (WriteResult, error) {
	path, err := CleanPath(in.Path)
	if err != nil {
		return WriteResult{}, err
	}
	if in.Offset < 0 {
		return WriteResult{}, fmt.Errorf("%w: negative offset %d", ErrOffsetMismatch, in.Offset)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return WriteResult{}, err
	}
	newSize := in.Offset + int64(len(in.Data))
	if s.p.maxFile > 0 && newSize > s.p.maxFile {
		return WriteResult{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, newSize, s.p.maxFile)
	}
	key := stagedKey(s.txnID, path)
	var body io.Reader = bytes.NewReader(in.Data)
	if in.Offset > 0 {
		size, staged := s.writes[path]
		if !staged || size != in.Offset {
			return WriteResult{}, fmt.Errorf("%w: %s has %d staged bytes, got offset %d", ErrOffsetMismatch, path, size, in.Offset)
		}
		obj, err := s.p.backend.GetObject(ctx, s.p.namespace, key)
		if err != nil {
			return WriteResult{}, fmt.Errorf("afs: load staged %s: %w", path, err)
		}
		defer obj.Reader.Close()
		body = io.MultiReader(obj.Reader, body)
	}
	if _, err := s.p.backend.PutObject(ctx, s.p.namespace, key, body, storage.PutObjectOptions{ContentType: storage.ContentTypeOctetStream}); err != nil {
		return WriteResult{}, fmt.Errorf("afs: stage %s: %w", path, err)
	}
	s.writes[path] = newSize
	delete(s.deletes, path)
	return WriteResult{Path: path, Size: newSize}, nil
}

// Delete stages the removal of a file.
func (s *Stage) Delete(ctx context.Context, in PathArgs) (WriteResult, error) {
	path, err := CleanPath(in.Path)
	if err != nil {
		return WriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return WriteResult{}, err
	}
	if _, deleted := s.deletes[path]; deleted {
		return WriteResult{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if _, staged := s.writes[path]; staged {
		if err := s.p.backend.DeleteObject(ctx, s.p.namespace, stagedKey(s.txnID, path), storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
			return WriteResult{}, fmt.Errorf("afs: unstage %s: %w", path, err)
		}
		delete(s.writes, path)
	} else {
		obj, err := s.p.backend.GetObject(ctx, s.p.namespace, fileKey(path))
		if errors.Is(err, storage.ErrNotFound) {
			return WriteResult{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		if err != nil {
			return WriteResult{}, err
		}
		obj.Reader.Close()
	}
	s.deletes[path] = struct{}{}
	return WriteResult{Path: path}, nil
}

// Read returns a chunk of a file, preferring staged content.
func (s *Stage) Read(ctx context.Context, in ReadArgs) (ReadResult, error) {
	path, err := CleanPath(in.Path)
	if err != nil {
		return ReadResult{}, err
	}
	if in.Offset < 0 {
		return ReadResult{}, fmt.Errorf("%w: negative offset %d", ErrOffsetMismatch, in.Offset)
	}
	length := in.Length
	if length <= 0 || length > MaxReadChunk {
		length = MaxReadChunk
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return ReadResult{}, err
	}
	if _, deleted := s.deletes[path]; deleted {
		return ReadResult{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	key := fileKey(path)
	if _, staged := s.writes[path]; staged {
		key = stagedKey(s.txnID, path)
	}
	obj, err := s.p.backend.GetObject(ctx, s.p.namespace, key)
	if errors.Is(err, storage.ErrNotFound) {
		return ReadResult{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if err != nil {
		return ReadResult{}, err
	}
	defer obj.Reader.Close()
	if in.Offset > 0 {
		if _, err := io.CopyN(io.Discard, obj.Reader, in.Offset); err != nil && !errors.Is(err, io.EOF) {
			return ReadResult{}, fmt.Errorf("afs: seek %s: %w", path, err)
		}
	}
	buf, err := io.ReadAll(io.LimitReader(obj.Reader, length+1))
	if err != nil {
		return ReadResult{}, fmt.Errorf("afs: read %s: %w", path, err)
	}
	eof := int64(len(buf)) <= length
	if !eof {
		buf = buf[:length]
	}
	return ReadResult{Path: path, Offset: in.Offset, Data: buf, EOF: eof}, nil
}

// List returns committed files merged with the stage.
func (s *Stage) List(ctx context.Context, in ListArgs) (ListResult, error) {
	prefix := strings.TrimLeft(strings.TrimSpace(in.Prefix), "/")
	if strings.Contains(prefix, "..") || strings.ContainsAny(prefix, "\\\x00") {
		return ListResult{}, fmt.Errorf("%w: prefix %q", ErrInvalidPath, in.Prefix)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return ListResult{}, err
	}
	files := make(map[string]FileInfo)
	err := storage.Walk(ctx, s.p.backend, s.p.namespace, filesPrefix+prefix, func(obj storage.ObjectInfo) error {
		path := strings.TrimPrefix(obj.Key, filesPrefix)
		files[path] = FileInfo{Path: path, Size: obj.Size}
		return nil
	})
	if err != nil {
		return ListResult{}, fmt.Errorf("afs: list: %w", err)
	}
	for path, size := range s.writes {
		if strings.HasPrefix(path, prefix) {
			files[path] = FileInfo{Path: path, Size: size, Staged: true}
		}
	}
	for path := range s.deletes {
		delete(files, path)
	}
	out := ListResult{Files: make([]FileInfo, 0, len(files))}
	for _, f := range files {
		out.Files = append(out.Files, f)
	}
	sort.Slice(out.Files, func(i, j int) bool { return out.Files[i].Path < out.Files[j].Path })
	return out, nil
}

// Staged reports the pending writes and deletes of the transaction.
func (s *Stage) Staged(_ context.Context) (StagedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return StagedResult{}, err
	}
	m := s.manifestLocked(s.lastActive)
	out := StagedResult{Writes: make([]FileInfo, 0, len(m.Writes)), Deletes: m.Deletes, Prepared: s.prepared}
	for _, w := range m.Writes {
		out.Writes = append(out.Writes, FileInfo{Path: w.Path, Size: w.Size, Staged: true})
	}
	if out.Deletes == nil {
		out.Deletes = []string{}
	}
	return out, nil
}
