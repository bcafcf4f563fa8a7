package task

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sys/unix"
)

// fuseSuperMagic is the statfs type of FUSE mounts.
const fuseSuperMagic = 0x65735546

// FileChecker validates local package files and copies files the package
// daemon cannot read into a private cache.
type FileChecker struct {
	FS       afero.Fs
	CacheDir string
	// IsNative reports whether the daemon can read path in place.
	IsNative func(path string) (bool, error)
}

// NewFileChecker returns a checker on the real filesystem.
func NewFileChecker(cacheDir string) *FileChecker {
	return &FileChecker{
		FS:       afero.NewOsFs(),
		CacheDir: cacheDir,
		IsNative: statfsNative,
	}
}

// DefaultCacheDir returns $XDG_CACHE_HOME/session-installer/native-cache.
func DefaultCacheDir() string {
	cacheHome := os.Getenv("XDG_CACHE_HOME")
	if cacheHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		cacheHome = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheHome, "session-installer", "native-cache")
}

func statfsNative(path string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(st.Type) != fuseSuperMagic, nil
}

// listFormat renders a multierror on one line.
func listFormat(errs []error) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, ", ")
}

// CheckExist returns one error listing every file that does not exist.
func (c *FileChecker) CheckExist(files []string) error {
	var result *multierror.Error
	for _, f := range files {
		if _, err := c.FS.Stat(f); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s", f))
		}
	}
	if result != nil {
		result.ErrorFormat = listFormat
	}
	return result.ErrorOrNil()
}

// ContentType sniffs the MIME type of a file.
func (c *FileChecker) ContentType(path string) (string, error) {
	f, err := c.FS.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return "", fmt.Errorf("detecting type of %s: %w", path, err)
	}
	return mt.String(), nil
}

// CheckSupported returns one error listing every file whose content type is
// not in supported.
func (c *FileChecker) CheckSupported(files, supported []string) error {
	var result *multierror.Error
	for _, f := range files {
		ct, err := c.ContentType(f)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s", f))
			continue
		}
		if !typeSupported(ct, supported) {
			result = multierror.Append(result, fmt.Errorf("%s (%s)", f, ct))
		}
	}
	if result != nil {
		result.ErrorFormat = listFormat
	}
	return result.ErrorOrNil()
}

func typeSupported(contentType string, supported []string) bool {
	mt := mimetype.Lookup(contentType)
	for _, s := range supported {
		if s == contentType || (mt != nil && mt.Is(s)) {
			return true
		}
	}
	return false
}

// NonNative returns the files that live on filesystems the daemon may not
// be able to read.
func (c *FileChecker) NonNative(files []string) ([]string, error) {
	if c.IsNative == nil {
		return nil, nil
	}
	var out []string
	for _, f := range files {
		native, err := c.IsNative(f)
		if err != nil {
			return nil, err
		}
		if !native {
			out = append(out, f)
		}
	}
	return out, nil
}

// CopyToCache copies src into <cache>/<blake2b of content>/<basename> and
// returns the new path. Identical content always lands on the same path, and
// concurrent copies never observe a partial file.
func (c *FileChecker) CopyToCache(ctx context.Context, src string) (string, error) {
	if c.CacheDir == "" {
		return "", fmt.Errorf("no cache directory configured")
	}
	if err := c.FS.MkdirAll(c.CacheDir, 0o700); err != nil {
		return "", fmt.Errorf("creating cache dir: %w", err)
	}

	in, err := c.FS.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	tmp, err := afero.TempFile(c.FS, c.CacheDir, ".copy-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		c.FS.Remove(tmpName) //nolint:errcheck
	}

	h, _ := blake2b.New256(nil)
	if _, err := io.Copy(io.MultiWriter(tmp, h), &ctxReader{ctx: ctx, r: in}); err != nil {
		cleanup()
		return "", fmt.Errorf("copying %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		c.FS.Remove(tmpName) //nolint:errcheck
		return "", err
	}

	dir := filepath.Join(c.CacheDir, hex.EncodeToString(h.Sum(nil)))
	if err := c.FS.MkdirAll(dir, 0o700); err != nil {
		c.FS.Remove(tmpName) //nolint:errcheck
		return "", fmt.Errorf("creating cache entry: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(src))
	if _, err := c.FS.Stat(dst); err == nil {
		c.FS.Remove(tmpName) //nolint:errcheck
		return dst, nil
	}
	if err := c.FS.Chmod(tmpName, 0o644); err != nil {
		c.FS.Remove(tmpName) //nolint:errcheck
		return "", err
	}
	if err := c.FS.Rename(tmpName, dst); err != nil {
		c.FS.Remove(tmpName) //nolint:errcheck
		return "", fmt.Errorf("publishing cache entry: %w", err)
	}
	return dst, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
