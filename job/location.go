package job

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Kind identifies what sort of endpoint a Location describes.
type Kind string

const (
	KindLocalPath      Kind = "local"
	KindCloudBlob      Kind = "blob"
	KindCloudFile      Kind = "file"
	KindCloudDirectory Kind = "directory"
	KindURI            Kind = "uri"
)

// Endpoint schemes used to pick a provider for a Location.
const (
	SchemeFile  = "file"
	SchemeS3    = "s3"
	SchemeMinio = "minio"
)

// Location describes one end of a transfer. It is immutable: every getter
// returns a copy, so a Location can be shared between a job and its copies.
// The zero value is not a valid Location.
type Location struct {
	kind       Kind
	scheme     string
	address    string
	name       string
	credential string
	metadata   map[string]string
}

// LocationOption configures optional Location attributes.
type LocationOption func(*Location)

// WithCredential sets the name of the credential handle used to reach the
// endpoint. Secrets themselves are never stored on a Location.
func WithCredential(ref string) LocationOption {
	return func(l *Location) {
		l.credential = ref
	}
}

// WithMetadata attaches content metadata to the Location.
func WithMetadata(md map[string]string) LocationOption {
	return func(l *Location) {
		l.metadata = copyMetadata(md)
	}
}

// WithScheme overrides the provider scheme of a cloud Location.
func WithScheme(scheme string) LocationOption {
	return func(l *Location) {
		l.scheme = scheme
	}
}

func newLocation(kind Kind, scheme, address, name string, opts []LocationOption) Location {
	l := Location{
		kind:    kind,
		scheme:  scheme,
		address: address,
		name:    name,
	}
	for _, opt := range opts {
		opt(&l)
	}
	return l
}

// NewLocalPath returns a Location for a path on the local filesystem.
func NewLocalPath(p string, opts ...LocationOption) Location {
	return newLocation(KindLocalPath, SchemeFile, p, "", opts)
}

// NewCloudBlob returns a Location for an object in a bucket.
func NewCloudBlob(bucket, key string, opts ...LocationOption) Location {
	return newLocation(KindCloudBlob, SchemeS3, bucket, strings.TrimPrefix(key, "/"), opts)
}

// NewCloudFile returns a Location for a file on a cloud file share.
func NewCloudFile(share, filePath string, opts ...LocationOption) Location {
	return newLocation(KindCloudFile, SchemeS3, share, strings.TrimPrefix(filePath, "/"), opts)
}

// NewCloudDirectory returns a Location for a directory (key prefix) in a
// bucket or share.
func NewCloudDirectory(bucket, prefix string, opts ...LocationOption) Location {
	return newLocation(KindCloudDirectory, SchemeS3, bucket, strings.Trim(prefix, "/"), opts)
}

// NewURI returns a Location for an arbitrary readable URI.
func NewURI(raw string, opts ...LocationOption) Location {
	scheme := ""
	if u, err := url.Parse(raw); err == nil {
		scheme = u.Scheme
	}
	return newLocation(KindURI, scheme, raw, "", opts)
}

// ParseLocation turns a command line argument into a Location.
// "s3://bucket/key" and "minio://bucket/key" become cloud blobs (or
// directories when the key ends in "/"), anything else is a local path.
func ParseLocation(s string, opts ...LocationOption) (Location, error) {
	if s == "" {
		return Location{}, fmt.Errorf("%w: empty location", ErrInvalidArgument)
	}

	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return NewLocalPath(s, opts...), nil
	}

	switch scheme {
	case SchemeS3, SchemeMinio:
		bucket, key, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Location{}, fmt.Errorf("%w: missing bucket in %q", ErrInvalidArgument, s)
		}
		opts = append([]LocationOption{WithScheme(scheme)}, opts...)
		if key == "" || strings.HasSuffix(key, "/") {
			return NewCloudDirectory(bucket, key, opts...), nil
		}
		return NewCloudBlob(bucket, key, opts...), nil
	case SchemeFile:
		return NewLocalPath(rest, opts...), nil
	default:
		return NewURI(s, opts...), nil
	}
}

// Kind returns the kind of endpoint.
func (l Location) Kind() Kind { return l.kind }

// Scheme returns the provider scheme (file, s3, minio, ...).
func (l Location) Scheme() string { return l.scheme }

// Address returns the endpoint address: a local path, a bucket or share
// name, or a raw URI.
func (l Location) Address() string { return l.address }

// Name returns the object name within the endpoint (empty for local paths).
func (l Location) Name() string { return l.name }

// Credential returns the credential handle name, if any.
func (l Location) Credential() string { return l.credential }

// Metadata returns a copy of the content metadata.
func (l Location) Metadata() map[string]string {
	return copyMetadata(l.metadata)
}

// IsZero reports whether l is the zero (null) Location.
func (l Location) IsZero() bool {
	return l.kind == "" && l.address == "" && l.name == ""
}

// IsCloud reports whether l lives on a cloud storage service.
func (l Location) IsCloud() bool {
	switch l.kind {
	case KindCloudBlob, KindCloudFile, KindCloudDirectory:
		return true
	}
	return false
}

// Path returns the provider-relative path of the object: the local path
// for local Locations and the object key for cloud Locations.
func (l Location) Path() string {
	if l.IsCloud() {
		return l.name
	}
	return l.address
}

// SameService reports whether l and other are served by the same cloud
// endpoint, which allows a server-side copy between them.
func (l Location) SameService(other Location) bool {
	return l.IsCloud() && other.IsCloud() &&
		l.scheme == other.scheme && l.credential == other.credential
}

// Child returns a Location for the entry rel below the directory l.
func (l Location) Child(rel string, isDir bool) Location {
	rel = strings.TrimPrefix(rel, "/")
	c := l
	c.metadata = copyMetadata(l.metadata)

	switch l.kind {
	case KindLocalPath:
		c.address = filepath.Join(l.address, rel)
	case KindURI:
		c.address = strings.TrimSuffix(l.address, "/") + "/" + rel
	default:
		c.name = strings.TrimPrefix(path.Join(l.name, rel), "/")
		if isDir {
			c.kind = KindCloudDirectory
		} else if l.kind == KindCloudDirectory {
			c.kind = KindCloudBlob
		}
	}
	return c
}

// Equal reports whether two Locations describe the same endpoint.
func (l Location) Equal(other Location) bool {
	if l.kind != other.kind || l.scheme != other.scheme || l.address != other.address ||
		l.name != other.name || l.credential != other.credential || len(l.metadata) != len(other.metadata) {
		return false
	}
	for k, v := range l.metadata {
		if ov, ok := other.metadata[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (l Location) String() string {
	switch {
	case l.IsZero():
		return "<none>"
	case l.IsCloud():
		return fmt.Sprintf("%s://%s/%s", l.scheme, l.address, l.name)
	default:
		return l.address
	}
}

func copyMetadata(md map[string]string) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
