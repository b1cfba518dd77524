package afs

import (
	"fmt"
	"path"
	"strings"
)

const (
	filesPrefix    = "files/"
	stagingPrefix  = "staging/"
	preparedPrefix = "prepared/"
	manifestSuffix = ".json"
)

// CleanPath normalises a caller-supplied file path into a relative,
// slash-separated path without dot segments.
func CleanPath(p string) (string, error) {
	raw := strings.TrimSpace(p)
	if raw == "" {
		return "", fmt.Errorf("%w: path required", ErrInvalidPath)
	}
	if strings.ContainsAny(raw, "\\\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(strings.Trim(raw, "/"), "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q escapes the root", ErrInvalidPath, p)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+raw), "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return cleaned, nil
}

func validTxnID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: invalid transaction id %q", ErrInvalidPath, id)
	}
	return nil
}

func fileKey(p string) string { return filesPrefix + p }

func stagingRoot(txnID string) string { return stagingPrefix + txnID + "/" }

func stagedKey(txnID, p string) string { return stagingRoot(txnID) + p }

func manifestKey(txnID string) string { return preparedPrefix + txnID + manifestSuffix }
