package sessionstore

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// File stores one file per session, named by the session id, in a directory. Writes go to
// a temporary file first and are renamed into place, so a reader never sees a partial
// document. Expiry follows the file modification time.
type File struct {
	dir     string
	tempDir string
	ttl     time.Duration
	now     func() time.Time
}

// FileOption configures a File store.
type FileOption func(*File)

// WithTempDir sets where documents are staged before the rename. It defaults to dir. A
// temp dir on another device makes the rename fail, in which case the store falls back to
// copying the file and removing the staged one.
func WithTempDir(tempDir string) FileOption {
	return func(f *File) { f.tempDir = tempDir }
}

// NewFile creates a store in dir, creating the directory if needed.
func NewFile(dir string, ttl time.Duration, opts ...Option) (*File, error) {
	return NewFileWithOptions(dir, ttl, nil, opts...)
}

// NewFileWithOptions is NewFile with File specific options.
func NewFileWithOptions(dir string, ttl time.Duration, fileOpts []FileOption, opts ...Option) (*File, error) {
	cfg := applyOptions(opts)
	f := &File{
		dir:     dir,
		tempDir: dir,
		ttl:     ttlOrDefault(ttl),
		now:     cfg.now,
	}
	for _, opt := range fileOpts {
		opt(f)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create session dir %s", dir)
	}
	if err := os.MkdirAll(f.tempDir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create session temp dir %s", f.tempDir)
	}
	return f, nil
}

// Read implements mcp.SessionStore.
func (f *File) Read(_ context.Context, id uuid.UUID) ([]byte, bool, error) {
	path := f.path(id)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "stat session %s", id)
	}
	if f.expired(info) {
		if err := removeIfExists(path); err != nil {
			return nil, false, errors.Wrapf(err, "remove expired session %s", id)
		}
		return nil, false, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "read session %s", id)
	}
	return data, true, nil
}

// Write implements mcp.SessionStore.
func (f *File) Write(_ context.Context, id uuid.UUID, data []byte) error {
	tmp, err := os.CreateTemp(f.tempDir, ".session-*")
	if err != nil {
		return errors.Wrap(err, "create temp session file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "write session %s", id)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "close session %s", id)
	}

	path := f.path(id)
	if err := os.Rename(tmpPath, path); err != nil {
		if cErr := copyFile(tmpPath, path); cErr != nil {
			_ = os.Remove(tmpPath)
			return errors.Wrapf(errors.CombineErrors(err, cErr), "move session %s into place", id)
		}
		_ = os.Remove(tmpPath)
	}

	// Expiry is based on mtime, which must follow the store clock.
	now := f.now()
	if err := os.Chtimes(path, now, now); err != nil {
		return errors.Wrapf(err, "touch session %s", id)
	}
	return nil
}

// Destroy implements mcp.SessionStore.
func (f *File) Destroy(_ context.Context, id uuid.UUID) error {
	if err := removeIfExists(f.path(id)); err != nil {
		return errors.Wrapf(err, "destroy session %s", id)
	}
	return nil
}

// Exists implements mcp.SessionStore.
func (f *File) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	info, err := os.Stat(f.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "stat session %s", id)
	}
	if f.expired(info) {
		return false, f.Destroy(ctx, id)
	}
	return true, nil
}

// GC implements mcp.SessionStore. Files whose name is not a session id are left alone.
func (f *File) GC(ctx context.Context) ([]uuid.UUID, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list session dir %s", f.dir)
	}

	var deleted []uuid.UUID
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if entry.IsDir() {
			continue
		}
		id, err := uuid.Parse(entry.Name())
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return deleted, errors.Wrapf(err, "stat session %s", id)
		}
		if !f.expired(info) {
			continue
		}
		if err := removeIfExists(f.path(id)); err != nil {
			return deleted, errors.Wrapf(err, "remove expired session %s", id)
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}

func (f *File) path(id uuid.UUID) string {
	return filepath.Join(f.dir, id.String())
}

func (f *File) expired(info fs.FileInfo) bool {
	return f.now().Sub(info.ModTime()) > f.ttl
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
