package provider

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/franksops/dmove/job"
)

// ErrNotExist is returned (possibly wrapped) when an object does not exist.
var ErrNotExist = errors.New("object does not exist")

// FileInfo represents the standard metadata for a file or a directory
// across different storage abstractions.
type FileInfo interface {
	Name() string
	Size() int64
	IsDir() bool
	ModTime() time.Time
}

// Provider represents a storage backend abstraction.
// A typical Provider might be local storage, S3, MinIO, etc.
type Provider interface {
	// Stat returns the FileInfo for the given path.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// List returns the contents of the given directory.
	List(ctx context.Context, path string) ([]FileInfo, error)

	// OpenRead opens a file for streaming reads.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)

	// OpenWrite opens a file for streaming writes, applying metadata if supported.
	OpenWrite(ctx context.Context, path string, metadata FileInfo) (io.WriteCloser, error)
}

// TokenProvider reports the current validation token of an object, used to
// decide whether a checkpoint can still be resumed.
type TokenProvider interface {
	ValidationToken(ctx context.Context, path string) (job.ValidationToken, error)
}

// RangeReader opens an object for reading starting at offset.
type RangeReader interface {
	OpenReadAt(ctx context.Context, path string, offset int64) (io.ReadCloser, error)
}

// ResumableWriter opens an object for writing at offset, keeping the bytes
// before it.
type ResumableWriter interface {
	OpenWriteAt(ctx context.Context, path string, offset int64, metadata FileInfo) (io.WriteCloser, error)
}

// ContentTypeWriter opens an object for writing with an explicit content type.
type ContentTypeWriter interface {
	OpenWriteWithType(ctx context.Context, path string, metadata FileInfo, contentType string) (io.WriteCloser, error)
}

// MetadataReader returns the user metadata stored with an object.
type MetadataReader interface {
	Metadata(ctx context.Context, path string) (map[string]string, error)
}

// MetadataFileInfo is a FileInfo that carries user metadata for the object
// being written. Writers that can store metadata apply it.
type MetadataFileInfo interface {
	FileInfo
	Metadata() map[string]string
}

type metadataFileInfo struct {
	FileInfo
	metadata map[string]string
}

func (m metadataFileInfo) Metadata() map[string]string { return m.metadata }

// Unwrap returns the FileInfo the metadata was attached to.
func (m metadataFileInfo) Unwrap() FileInfo { return m.FileInfo }

// WithMetadata attaches user metadata to info. Keys in md replace those
// already carried by info.
func WithMetadata(info FileInfo, md map[string]string) FileInfo {
	if info == nil || len(md) == 0 {
		return info
	}
	merged := make(map[string]string, len(md))
	for k, v := range metadataOf(info) {
		merged[k] = v
	}
	for k, v := range md {
		merged[k] = v
	}
	if m, ok := info.(metadataFileInfo); ok {
		info = m.FileInfo
	}
	return metadataFileInfo{FileInfo: info, metadata: merged}
}

// modeOf returns the permission bits carried by info, or 0.
func modeOf(info FileInfo) os.FileMode {
	if m, ok := info.(interface{ Unwrap() FileInfo }); ok {
		info = m.Unwrap()
	}
	if mi, ok := info.(ModeFileInfo); ok {
		return mi.Mode()
	}
	return 0
}

// metadataOf returns the user metadata carried by info, if any.
func metadataOf(info FileInfo) map[string]string {
	if mi, ok := info.(MetadataFileInfo); ok {
		return mi.Metadata()
	}
	return nil
}

// CopyState reports the progress of a server-side copy.
type CopyState struct {
	Done        bool
	BytesCopied int64
	TotalBytes  int64
}

// AsyncCopier performs copies inside the storage service. StartCopy returns
// an identifier that stays valid across process restarts; ContinueCopy
// advances or polls that operation until it reports Done.
//
// StartCopy carries the source's user metadata and content type over to
// the destination; a non-empty contentType overrides the source's. When
// etag is set, ContinueCopy fails with job.ErrStaleCheckpoint as soon as
// the source no longer matches it.
type AsyncCopier interface {
	StartCopy(ctx context.Context, src, dst job.Location, contentType string) (copyID string, err error)
	ContinueCopy(ctx context.Context, src, dst job.Location, copyID, etag string) (CopyState, error)
	AbortCopy(ctx context.Context, dst job.Location, copyID string) error
}

// ErrCopyNotFound is returned by ContinueCopy when the service no longer
// knows the copy identifier.
var ErrCopyNotFound = errors.New("copy operation not found")

// TokenFromInfo builds a validation token from listing metadata for
// providers that have no stronger fingerprint.
func TokenFromInfo(info FileInfo) job.ValidationToken {
	return job.ValidationToken{
		LastModified: info.ModTime(),
		Size:         info.Size(),
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}
