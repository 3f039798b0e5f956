package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SizeMismatchError reports a short or long read against the advertised length.
type SizeMismatchError struct {
	Key      string
	Expected int64
	Got      int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch for %s: expected %d bytes, got %d", e.Key, e.Expected, e.Got)
}

// DownloadFile streams key into dstPath, creating parent directories.
//
// The object is written to a temporary sibling and renamed into place, so a
// failed download never leaves a partial file at dstPath.
func DownloadFile(ctx context.Context, p Provider, key, dstPath string) (int64, error) {
	body, size, err := p.GetObject(ctx, key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	dir := filepath.Dir(dstPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	n, err := io.Copy(tmp, body)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", key, err)
	}
	if size >= 0 && n != size {
		return n, &SizeMismatchError{Key: key, Expected: size, Got: n}
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dstPath); err != nil {
		return n, fmt.Errorf("rename into %s: %w", dstPath, err)
	}
	return n, nil
}

// UploadFile puts the contents of srcPath at key.
func UploadFile(ctx context.Context, p Provider, key, srcPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("%s is a directory", srcPath)
	}
	return p.PutObject(ctx, key, f, st.Size())
}
