package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/franksops/dmove/job"
)

// ErrUnsupportedScheme is returned when no provider is registered for a
// Location's scheme.
var ErrUnsupportedScheme = errors.New("unsupported location scheme")

// Factory builds a provider for one bucket (or share) of a service. Local
// providers receive an empty bucket.
type Factory func(ctx context.Context, bucket string) (Provider, error)

// Registry resolves Locations to providers, creating at most one provider
// per scheme and bucket.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	cache     map[string]Provider
}

// NewRegistry returns a registry that serves local paths. Cloud schemes are
// added with Register.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		cache:     make(map[string]Provider),
	}
	r.Register(job.SchemeFile, func(context.Context, string) (Provider, error) {
		return NewLocalProvider(""), nil
	})
	return r
}

// Register installs the factory used for scheme, replacing any previous one.
func (r *Registry) Register(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = f
	for k := range r.cache {
		delete(r.cache, k)
	}
}

// RegisterS3 serves s3:// Locations from the default AWS config chain.
func (r *Registry) RegisterS3() {
	r.Register(job.SchemeS3, func(ctx context.Context, bucket string) (Provider, error) {
		return NewS3Provider(ctx, bucket, "")
	})
}

// RegisterMinio serves minio:// Locations from the given endpoint.
func (r *Registry) RegisterMinio(cfg MinioConfig) {
	r.Register(job.SchemeMinio, func(_ context.Context, bucket string) (Provider, error) {
		return NewMinioProvider(cfg, bucket, "")
	})
}

// Resolve returns the provider serving loc and the path of loc within it.
func (r *Registry) Resolve(ctx context.Context, loc job.Location) (Provider, string, error) {
	bucket := ""
	if loc.IsCloud() {
		bucket = loc.Address()
	}
	key := loc.Scheme() + "://" + bucket

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cache[key]; ok {
		return p, loc.Path(), nil
	}
	f, ok := r.factories[loc.Scheme()]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q in %s", ErrUnsupportedScheme, loc.Scheme(), loc)
	}
	p, err := f(ctx, bucket)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create provider for %s: %w", loc, err)
	}
	r.cache[key] = p
	return p, loc.Path(), nil
}
