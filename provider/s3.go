package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/franksops/dmove/job"
)

// DefaultCopyPartSize is the size of each server-side part copy. S3 requires
// every part except the last to be at least 5 MiB.
const DefaultCopyPartSize = 64 * 1024 * 1024

// S3API is the subset of the S3 client used by S3Provider.
type S3API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
}

var (
	_ Provider          = (*S3Provider)(nil)
	_ TokenProvider     = (*S3Provider)(nil)
	_ RangeReader       = (*S3Provider)(nil)
	_ ContentTypeWriter = (*S3Provider)(nil)
	_ AsyncCopier       = (*S3Provider)(nil)
	_ MetadataReader    = (*S3Provider)(nil)
)

type s3FileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func (f *s3FileInfo) Name() string       { return f.name }
func (f *s3FileInfo) Size() int64        { return f.size }
func (f *s3FileInfo) IsDir() bool        { return f.isDir }
func (f *s3FileInfo) ModTime() time.Time { return f.modTime }

type S3Provider struct {
	client   S3API
	bucket   string
	prefix   string
	uploader *manager.Uploader
	partSize int64
}

// NewS3Provider creates a new S3Provider using the default AWS config chain.
// bucket is the S3 bucket name.
func NewS3Provider(ctx context.Context, bucket string, prefix string) (*S3Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return NewS3ProviderWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewS3ProviderWithClient creates an S3Provider around an existing client.
func NewS3ProviderWithClient(client S3API, bucket, prefix string) *S3Provider {
	return &S3Provider{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
		partSize: DefaultCopyPartSize,
	}
}

// WithCopyPartSize overrides the part size used for server-side copies.
func (p *S3Provider) WithCopyPartSize(size int64) *S3Provider {
	if size > 0 {
		p.partSize = size
	}
	return p
}

// buildKey constructs the full S3 key based on the provider's prefix
func (p *S3Provider) buildKey(subPath string) string {
	subPath = strings.TrimPrefix(subPath, "/")
	if p.prefix == "" {
		return subPath
	}
	// Avoid double slashes
	key := path.Join(p.prefix, subPath)
	return strings.TrimPrefix(key, "/")
}

func (p *S3Provider) head(ctx context.Context, bucket, key string) (*s3.HeadObjectOutput, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotExist, bucket, key)
		}
		return nil, fmt.Errorf("failed to head s3://%s/%s: %w", bucket, key, err)
	}
	return out, nil
}

// Stat returns the FileInfo for the given path.
func (p *S3Provider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	key := p.buildKey(pth)

	// exact match
	headOut, err := p.head(ctx, p.bucket, key)
	if err == nil {
		return &s3FileInfo{
			name:    path.Base(key),
			size:    aws.ToInt64(headOut.ContentLength),
			isDir:   strings.HasSuffix(key, "/"),
			modTime: aws.ToTime(headOut.LastModified),
		}, nil
	}
	if !errors.Is(err, ErrNotExist) {
		return nil, err
	}

	// maybe a directory? Let's check prefix
	dirPrefix := key + "/"
	if key == "" {
		dirPrefix = ""
	}

	listOut, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(dirPrefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("stat failed for %q: %w", pth, err)
	}

	if len(listOut.Contents) > 0 || len(listOut.CommonPrefixes) > 0 {
		return &s3FileInfo{
			name:  path.Base(key),
			isDir: true,
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNotExist, pth)
}

// List returns the contents of the given directory.
func (p *S3Provider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	dirPrefix := p.buildKey(pth)
	if dirPrefix != "" && !strings.HasSuffix(dirPrefix, "/") {
		dirPrefix += "/"
	}

	var infos []FileInfo
	var continuationToken *string

	for {
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(dirPrefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", pth, err)
		}

		// Add common prefixes as directories
		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), dirPrefix), "/")
			infos = append(infos, &s3FileInfo{
				name:  name,
				isDir: true,
			})
		}

		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), dirPrefix)
			if name == "" { // sometimes the dir itself is in the results
				continue
			}
			isDir := strings.HasSuffix(name, "/")
			infos = append(infos, &s3FileInfo{
				name:    strings.TrimSuffix(name, "/"),
				size:    aws.ToInt64(obj.Size),
				isDir:   isDir,
				modTime: aws.ToTime(obj.LastModified),
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}

	return infos, nil
}

// ValidationToken fingerprints an object by ETag, LastModified and size.
func (p *S3Provider) ValidationToken(ctx context.Context, pth string) (job.ValidationToken, error) {
	out, err := p.head(ctx, p.bucket, p.buildKey(pth))
	if err != nil {
		return job.ValidationToken{}, err
	}
	return job.ValidationToken{
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
		Size:         aws.ToInt64(out.ContentLength),
	}, nil
}

// Metadata returns the user metadata stored with an object.
func (p *S3Provider) Metadata(ctx context.Context, pth string) (map[string]string, error) {
	out, err := p.head(ctx, p.bucket, p.buildKey(pth))
	if err != nil {
		return nil, err
	}
	return out.Metadata, nil
}

// OpenRead opens a file for streaming reads.
func (p *S3Provider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	return p.OpenReadAt(ctx, pth, 0)
}

// OpenReadAt opens an object for reading from offset using a ranged GET.
func (p *S3Provider) OpenReadAt(ctx context.Context, pth string, offset int64) (io.ReadCloser, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.buildKey(pth)),
	}
	if offset > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	out, err := p.client.GetObject(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("failed to open read %q: %w", pth, err)
	}
	return out.Body, nil
}

// OpenWrite opens a file for streaming writes.
func (p *S3Provider) OpenWrite(ctx context.Context, pth string, metadata FileInfo) (io.WriteCloser, error) {
	return p.OpenWriteWithType(ctx, pth, metadata, "")
}

// OpenWriteWithType opens an object for streaming writes and sets its
// Content-Type when contentType is not empty.
func (p *S3Provider) OpenWriteWithType(ctx context.Context, pth string, metadata FileInfo, contentType string) (io.WriteCloser, error) {
	key := p.buildKey(pth)

	// Check if this is just a directory placeholder we need to create
	if metadata != nil && metadata.IsDir() {
		// S3 doesn't have true directories, but writing a 0-byte object ending in '/' simulates it
		if !strings.HasSuffix(key, "/") {
			key += "/"
		}

		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
			Body:   strings.NewReader(""),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to write directory placeholder: %w", err)
		}
		return &dummyWriter{}, nil
	}

	in := &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if md := metadataOf(metadata); len(md) > 0 {
		in.Metadata = md
	}

	return newPipeUpload(func(body io.Reader) error {
		in.Body = body
		_, err := p.uploader.Upload(ctx, in)
		return err
	}), nil
}

// StartCopy begins a server-side copy of src into dst as a multipart
// upload. The upload ID is the copy identifier; it survives restarts and
// ContinueCopy resumes from the parts the service already holds.
func (p *S3Provider) StartCopy(ctx context.Context, src, dst job.Location, contentType string) (string, error) {
	srcHead, err := p.head(ctx, src.Address(), src.Name())
	if err != nil {
		return "", err
	}

	in := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.buildKey(dst.Name())),
	}
	applyCopyMetadata(in, srcHead, dst.Metadata(), contentType)

	out, err := p.client.CreateMultipartUpload(ctx, in)
	if err != nil {
		return "", fmt.Errorf("failed to start copy of %s: %w", src, err)
	}
	return aws.ToString(out.UploadId), nil
}

// applyCopyMetadata carries the source's user metadata and content type to
// the upload. Destination metadata and an explicit content type win.
func applyCopyMetadata(in *s3.CreateMultipartUploadInput, srcHead *s3.HeadObjectOutput, dstMetadata map[string]string, contentType string) {
	if len(srcHead.Metadata)+len(dstMetadata) > 0 {
		in.Metadata = make(map[string]string, len(srcHead.Metadata)+len(dstMetadata))
		for k, v := range srcHead.Metadata {
			in.Metadata[k] = v
		}
		for k, v := range dstMetadata {
			in.Metadata[k] = v
		}
	}

	switch {
	case contentType != "":
		in.ContentType = aws.String(contentType)
	case srcHead.ContentType != nil:
		in.ContentType = srcHead.ContentType
	}
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}

// ContinueCopy copies the next missing part of an in-flight copy, or
// completes the upload once every part is present.
func (p *S3Provider) ContinueCopy(ctx context.Context, src, dst job.Location, copyID, etag string) (CopyState, error) {
	srcHead, err := p.head(ctx, src.Address(), src.Name())
	if err != nil {
		return CopyState{}, err
	}
	if etag != "" && aws.ToString(srcHead.ETag) != etag {
		return CopyState{}, fmt.Errorf("%w: %s changed during copy", job.ErrStaleCheckpoint, src)
	}
	size := aws.ToInt64(srcHead.ContentLength)
	key := p.buildKey(dst.Name())

	done, err := p.listParts(ctx, key, copyID)
	if err != nil {
		return CopyState{}, err
	}

	parts := int32(1)
	if size > p.partSize {
		parts = int32((size + p.partSize - 1) / p.partSize)
	}

	var copied int64
	for n := int32(1); n <= parts; n++ {
		start := int64(n-1) * p.partSize
		end := min(start+p.partSize, size)

		if _, ok := done[n]; ok {
			copied += end - start
			continue
		}

		in := &s3.UploadPartCopyInput{
			Bucket:     aws.String(p.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(copyID),
			PartNumber: aws.Int32(n),
			CopySource: aws.String(src.Address() + "/" + src.Name()),
		}
		if parts > 1 {
			in.CopySourceRange = aws.String(fmt.Sprintf("bytes=%d-%d", start, end-1))
		}
		if etag != "" {
			in.CopySourceIfMatch = aws.String(etag)
		}
		if _, err := p.client.UploadPartCopy(ctx, in); err != nil {
			if isPreconditionFailed(err) {
				return CopyState{}, fmt.Errorf("%w: %s changed during copy", job.ErrStaleCheckpoint, src)
			}
			return CopyState{}, fmt.Errorf("failed to copy part %d of %s: %w", n, src, err)
		}
		return CopyState{BytesCopied: copied + end - start, TotalBytes: size}, nil
	}

	completed := make([]types.CompletedPart, 0, len(done))
	for n, etag := range done {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(n),
			ETag:       aws.String(etag),
		})
	}
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	_, err = p.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(p.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(copyID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return CopyState{}, fmt.Errorf("failed to complete copy of %s: %w", src, err)
	}
	return CopyState{Done: true, BytesCopied: size, TotalBytes: size}, nil
}

func (p *S3Provider) listParts(ctx context.Context, key, copyID string) (map[int32]string, error) {
	done := make(map[int32]string)
	var marker *string

	for {
		out, err := p.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(p.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(copyID),
			PartNumberMarker: marker,
		})
		if err != nil {
			var nsu *types.NoSuchUpload
			if errors.As(err, &nsu) {
				return nil, fmt.Errorf("%w: %s", ErrCopyNotFound, copyID)
			}
			return nil, fmt.Errorf("failed to list parts of %s: %w", copyID, err)
		}

		for _, part := range out.Parts {
			done[aws.ToInt32(part.PartNumber)] = aws.ToString(part.ETag)
		}
		if !aws.ToBool(out.IsTruncated) {
			return done, nil
		}
		marker = out.NextPartNumberMarker
	}
}

// AbortCopy discards an in-flight copy and its parts.
func (p *S3Provider) AbortCopy(ctx context.Context, dst job.Location, copyID string) error {
	_, err := p.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(p.bucket),
		Key:      aws.String(p.buildKey(dst.Name())),
		UploadId: aws.String(copyID),
	})
	if err != nil {
		return fmt.Errorf("failed to abort copy %s: %w", copyID, err)
	}
	return nil
}

// pipeUpload streams writes into an upload running in the background.
// Close waits for the upload to finish.
type pipeUpload struct {
	pw      *io.PipeWriter
	errChan <-chan error
}

func newPipeUpload(upload func(io.Reader) error) *pipeUpload {
	pr, pw := io.Pipe()
	errChan := make(chan error, 1)

	go func() {
		err := upload(pr)
		pr.CloseWithError(err)
		errChan <- err
	}()

	return &pipeUpload{pw: pw, errChan: errChan}
}

func (w *pipeUpload) Write(p []byte) (n int, err error) {
	return w.pw.Write(p)
}

func (w *pipeUpload) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	// Wait for upload to complete
	if err := <-w.errChan; err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	return nil
}

// CloseWithError aborts the upload. Nothing is stored at the destination.
func (w *pipeUpload) CloseWithError(cause error) error {
	w.pw.CloseWithError(cause)
	<-w.errChan
	return nil
}

type dummyWriter struct{}

func (w *dummyWriter) Write(p []byte) (n int, err error) {
	return len(p), nil
}

func (w *dummyWriter) Close() error {
	return nil
}
