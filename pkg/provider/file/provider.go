// Package file implements provider.Provider over a local directory tree.
//
// Each bucket is a directory under the configured root, and keys are relative
// paths inside it. Used for local runs and tests in place of S3.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/3leaps/jobline/pkg/provider"
)

// Provider implements provider.Provider for one bucket directory.
type Provider struct {
	bucket  string
	baseDir string
}

var _ provider.Provider = (*Provider)(nil)

type Config struct {
	// Root holds one directory per bucket.
	Root string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("root dir is required")
	}
	return nil
}

// Opener hands out providers rooted at Root/<bucket>.
type Opener struct {
	root string
}

var _ provider.Opener = (*Opener)(nil)

func NewOpener(cfg Config) (*Opener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Opener{root: filepath.Clean(cfg.Root)}, nil
}

// Open returns the provider for bucket. The directory is created lazily on first write.
func (o *Opener) Open(_ context.Context, bucket string) (provider.Provider, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return nil, &provider.ProviderError{Op: "Open", Provider: provider.ProviderFile, Bucket: bucket, Err: provider.ErrBucketNotFound}
	}
	return &Provider{bucket: bucket, baseDir: filepath.Join(o.root, bucket)}, nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) Head(_ context.Context, key string) (*provider.ObjectMeta, error) {
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	if st.IsDir() {
		return nil, p.wrapError("Head", key, provider.ErrNotFound)
	}
	return &provider.ObjectMeta{Key: strings.TrimPrefix(key, "/"), Size: st.Size(), LastModified: st.ModTime()}, nil
}

func (p *Provider) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	full, err := p.fullPath(key)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, 0, p.wrapError("GetObject", key, provider.ErrNotFound)
	}
	return f, st.Size(), nil
}

func (p *Provider) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return p.wrapError("PutObject", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".jobline-put-*")
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

func (p *Provider) DeleteObject(_ context.Context, key string) error {
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

// fullPath maps key onto the bucket directory. Keys must already be in
// canonical form: no empty, "." or ".." segments. Rewriting a key instead
// would let two distinct keys share one file.
func (p *Provider) fullPath(key string) (string, error) {
	rel := strings.TrimPrefix(key, "/")
	if rel == "" || path.Clean(rel) != rel {
		return "", fmt.Errorf("%w: %q", provider.ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", provider.ErrInvalidKey, key)
		}
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(rel)), nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Bucket: p.bucket, Key: key, Err: err}
	switch {
	case os.IsNotExist(err):
		wrapped.Err = provider.ErrNotFound
	case os.IsPermission(err):
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
