package disk

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"pkt.systems/xacoord/internal/storage"
)

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// ListObjects walks the namespace directory and returns keys in lexical
// order. Data files without a sidecar are skipped.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	nsDir, err := s.namespaceDir(namespace)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = filepath.WalkDir(nsDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(nsDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, opts.Prefix) || key <= opts.StartAfter {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)

	res := &storage.ListResult{}
	for _, key := range keys {
		if opts.Limit > 0 && len(res.Objects) == opts.Limit {
			res.Truncated = true
			break
		}
		dataPath := filepath.Join(nsDir, filepath.FromSlash(key))
		m, st, err := s.readMeta(dataPath)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res.Objects = append(res.Objects, *m.info(key, st.Size()))
		res.NextStartAfter = key
	}
	if !res.Truncated {
		res.NextStartAfter = ""
	}
	return res, nil
}
