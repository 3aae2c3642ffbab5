package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/franksops/dmove/job"
)

// ErrOffsetBeyondEnd is returned when a resumed write would leave a hole
// because the destination is shorter than the resume offset.
var ErrOffsetBeyondEnd = errors.New("resume offset beyond end of destination")

// ModeFileInfo is implemented by FileInfo values that carry permission bits.
type ModeFileInfo interface {
	FileInfo
	Mode() os.FileMode
}

type localFileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
	mode    os.FileMode
}

func (l *localFileInfo) Name() string       { return l.name }
func (l *localFileInfo) Size() int64        { return l.size }
func (l *localFileInfo) IsDir() bool        { return l.isDir }
func (l *localFileInfo) ModTime() time.Time { return l.modTime }
func (l *localFileInfo) Mode() os.FileMode  { return l.mode }

func wrapOSFileInfo(info os.FileInfo) *localFileInfo {
	return &localFileInfo{
		name:    info.Name(),
		size:    info.Size(),
		isDir:   info.IsDir(),
		modTime: info.ModTime(),
		mode:    info.Mode().Perm(),
	}
}

var (
	_ Provider        = (*LocalProvider)(nil)
	_ TokenProvider   = (*LocalProvider)(nil)
	_ RangeReader     = (*LocalProvider)(nil)
	_ ResumableWriter = (*LocalProvider)(nil)
)

// LocalProvider implements the Provider interface for posix-compliant local filesystems.
type LocalProvider struct {
	basePath     string
	preserveMode bool
}

// NewLocalProvider creates a new LocalProvider rooted at basePath.
// If basePath is empty, it acts upon absolute or relative paths directly.
func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{
		basePath:     basePath,
		preserveMode: true,
	}
}

// WithPreserveMode controls whether source permission bits are applied to
// written files.
func (p *LocalProvider) WithPreserveMode(preserve bool) *LocalProvider {
	p.preserveMode = preserve
	return p
}

func (p *LocalProvider) resolve(path string) string {
	if p.basePath == "" {
		return path
	}
	return filepath.Join(p.basePath, filepath.Clean(path))
}

func notExist(err error, path string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	return err
}

func (p *LocalProvider) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(p.resolve(path))
	if err != nil {
		return nil, notExist(err, path)
	}
	return wrapOSFileInfo(info), nil
}

func (p *LocalProvider) List(ctx context.Context, path string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(p.resolve(path))
	if err != nil {
		return nil, notExist(err, path)
	}

	var infos []FileInfo
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // skip files that disappeared between ReadDir and Info
		}
		infos = append(infos, wrapOSFileInfo(info))
	}
	return infos, nil
}

// ValidationToken fingerprints a local file by its modification time and size.
func (p *LocalProvider) ValidationToken(ctx context.Context, path string) (job.ValidationToken, error) {
	info, err := p.Stat(ctx, path)
	if err != nil {
		return job.ValidationToken{}, err
	}
	return TokenFromInfo(info), nil
}

func (p *LocalProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	return p.OpenReadAt(ctx, path, 0)
}

func (p *LocalProvider) OpenReadAt(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(p.resolve(path))
	if err != nil {
		return nil, notExist(err, path)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to seek %s to %d: %w", path, offset, err)
		}
	}
	return f, nil
}

func (p *LocalProvider) OpenWrite(ctx context.Context, path string, metadata FileInfo) (io.WriteCloser, error) {
	return p.open(ctx, path, 0, metadata, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
}

// OpenWriteAt reopens a partially written file and positions it at offset.
// Anything past offset is discarded.
func (p *LocalProvider) OpenWriteAt(ctx context.Context, path string, offset int64, metadata FileInfo) (io.WriteCloser, error) {
	if offset == 0 {
		return p.OpenWrite(ctx, path, metadata)
	}

	info, err := os.Stat(p.resolve(path))
	if err != nil {
		return nil, notExist(err, path)
	}
	if info.Size() < offset {
		return nil, fmt.Errorf("%w: %s has %d bytes, resume at %d", ErrOffsetBeyondEnd, path, info.Size(), offset)
	}
	return p.open(ctx, path, offset, metadata, os.O_WRONLY)
}

func (p *LocalProvider) open(ctx context.Context, path string, offset int64, metadata FileInfo, flag int) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath := p.resolve(path)

	// Create parent directories if they don't exist
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, err
	}

	mode := os.FileMode(0644)
	if m := modeOf(metadata); p.preserveMode && m != 0 {
		mode = m
	}

	file, err := os.OpenFile(fullPath, flag, mode)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if err := file.Truncate(offset); err != nil {
			file.Close()
			return nil, err
		}
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
	}

	return &localWriteCloser{
		File:         file,
		fullPath:     fullPath,
		metadata:     metadata,
		preserveMode: p.preserveMode,
	}, nil
}

// localWriteCloser wraps an os.File and applies metadata (such as timestamps) upon close.
// This is necessary because writing to the file updates its mtime.
type localWriteCloser struct {
	*os.File
	fullPath     string
	metadata     FileInfo
	preserveMode bool
}

func (l *localWriteCloser) Close() error {
	if err := l.File.Close(); err != nil {
		return err
	}

	if m := modeOf(l.metadata); l.preserveMode && m != 0 {
		// Ignore permission errors, the data itself is intact
		_ = os.Chmod(l.fullPath, m)
	}

	if l.metadata != nil && !l.metadata.ModTime().IsZero() {
		// Ignore errors on applying timestamp
		_ = os.Chtimes(l.fullPath, time.Now(), l.metadata.ModTime())
	}

	return nil
}
