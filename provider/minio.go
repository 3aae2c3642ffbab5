package provider

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/franksops/dmove/job"
)

var (
	_ Provider          = (*MinioProvider)(nil)
	_ TokenProvider     = (*MinioProvider)(nil)
	_ RangeReader       = (*MinioProvider)(nil)
	_ ContentTypeWriter = (*MinioProvider)(nil)
	_ MetadataReader    = (*MinioProvider)(nil)
)

// minioPartSize bounds the buffer used when the object size is unknown.
const minioPartSize = 16 << 20

// MinioConfig holds the connection settings of an S3 compatible endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	// Region skips the bucket location lookup when set.
	Region string
	Secure bool
}

// MinioProvider implements Provider for S3 compatible services reached
// through minio-go.
type MinioProvider struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioProvider returns a provider for bucket on the configured endpoint.
func NewMinioProvider(cfg MinioConfig, bucket, prefix string) (*MinioProvider, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup minio client: %w", err)
	}
	return &MinioProvider{client: client, bucket: bucket, prefix: prefix}, nil
}

func (p *MinioProvider) key(subPath string) string {
	subPath = strings.TrimPrefix(subPath, "/")
	if p.prefix == "" {
		return subPath
	}
	return strings.TrimPrefix(path.Join(p.prefix, subPath), "/")
}

func (p *MinioProvider) translate(err error, pth string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%w: %s", ErrNotExist, pth)
	}
	return fmt.Errorf("minio request for %q failed: %w", pth, err)
}

func (p *MinioProvider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	key := p.key(pth)
	info, err := p.client.StatObject(ctx, p.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return &s3FileInfo{
			name:    path.Base(key),
			size:    info.Size,
			isDir:   strings.HasSuffix(key, "/"),
			modTime: info.LastModified,
		}, nil
	}
	if err = p.translate(err, pth); !isNotExist(err) {
		return nil, err
	}

	dirPrefix := key + "/"
	if key == "" {
		dirPrefix = ""
	}
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range p.client.ListObjects(listCtx, p.bucket, minio.ListObjectsOptions{Prefix: dirPrefix, MaxKeys: 1}) {
		if obj.Err != nil {
			return nil, p.translate(obj.Err, pth)
		}
		return &s3FileInfo{name: path.Base(key), isDir: true}, nil
	}
	return nil, err
}

func (p *MinioProvider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	dirPrefix := p.key(pth)
	if dirPrefix != "" && !strings.HasSuffix(dirPrefix, "/") {
		dirPrefix += "/"
	}

	var infos []FileInfo
	for obj := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: dirPrefix}) {
		if obj.Err != nil {
			return nil, p.translate(obj.Err, pth)
		}
		name := strings.TrimPrefix(obj.Key, dirPrefix)
		if name == "" {
			continue
		}
		isDir := strings.HasSuffix(name, "/")
		infos = append(infos, &s3FileInfo{
			name:    strings.TrimSuffix(name, "/"),
			size:    obj.Size,
			isDir:   isDir,
			modTime: obj.LastModified,
		})
	}
	return infos, nil
}

// ValidationToken fingerprints an object by ETag, LastModified and size.
func (p *MinioProvider) ValidationToken(ctx context.Context, pth string) (job.ValidationToken, error) {
	info, err := p.client.StatObject(ctx, p.bucket, p.key(pth), minio.StatObjectOptions{})
	if err != nil {
		return job.ValidationToken{}, p.translate(err, pth)
	}
	return job.ValidationToken{
		ETag:         info.ETag,
		LastModified: info.LastModified,
		Size:         info.Size,
	}, nil
}

// Metadata returns the object's user metadata with lower-case keys.
func (p *MinioProvider) Metadata(ctx context.Context, pth string) (map[string]string, error) {
	info, err := p.client.StatObject(ctx, p.bucket, p.key(pth), minio.StatObjectOptions{})
	if err != nil {
		return nil, p.translate(err, pth)
	}
	md := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		md[strings.ToLower(k)] = v
	}
	return md, nil
}

func (p *MinioProvider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	return p.OpenReadAt(ctx, pth, 0)
}

func (p *MinioProvider) OpenReadAt(ctx context.Context, pth string, offset int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if offset > 0 {
		if err := opts.SetRange(offset, 0); err != nil {
			return nil, fmt.Errorf("invalid range for %q: %w", pth, err)
		}
	}
	obj, err := p.client.GetObject(ctx, p.bucket, p.key(pth), opts)
	if err != nil {
		return nil, p.translate(err, pth)
	}
	return obj, nil
}

func (p *MinioProvider) OpenWrite(ctx context.Context, pth string, metadata FileInfo) (io.WriteCloser, error) {
	return p.OpenWriteWithType(ctx, pth, metadata, "")
}

func (p *MinioProvider) OpenWriteWithType(ctx context.Context, pth string, metadata FileInfo, contentType string) (io.WriteCloser, error) {
	key := p.key(pth)
	if metadata != nil && metadata.IsDir() {
		if !strings.HasSuffix(key, "/") {
			key += "/"
		}
		_, err := p.client.PutObject(ctx, p.bucket, key, strings.NewReader(""), 0, minio.PutObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to write directory placeholder: %w", err)
		}
		return &dummyWriter{}, nil
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	opts := minio.PutObjectOptions{
		ContentType:          contentType,
		UserMetadata:         metadataOf(metadata),
		PartSize:             minioPartSize,
		DisableContentSha256: true,
	}
	size := int64(-1)
	if metadata != nil {
		size = metadata.Size()
	}
	return newPipeUpload(func(body io.Reader) error {
		_, err := p.client.PutObject(ctx, p.bucket, key, body, size, opts)
		return err
	}), nil
}
