package objstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Store moves files between the local filesystem and a remote location
// addressed by URI.
type Store interface {
	Upload(ctx context.Context, localPath, uri string) error
	Download(ctx context.Context, uri, localPath string) error
}

// Registry maps URI schemes to stores.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]Store
}

// NewRegistry creates a registry with the local file store registered.
func NewRegistry() *Registry {
	r := &Registry{stores: make(map[string]Store)}
	r.Register("file", LocalStore{})
	return r
}

// Register adds a store for the given scheme, replacing any previous one.
func (r *Registry) Register(scheme string, s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[scheme] = s
}

// For returns the store that serves uri. A leading "zip+" tag is ignored.
func (r *Registry) For(uri string) (Store, error) {
	scheme := Scheme(uri)
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[scheme]
	if !ok {
		return nil, fmt.Errorf("no store registered for scheme %q", scheme)
	}
	return s, nil
}

// Scheme returns the URI scheme with any "zip+" tag removed.
func Scheme(uri string) string {
	scheme, _, ok := strings.Cut(strings.TrimPrefix(uri, "zip+"), "://")
	if !ok {
		return ""
	}
	return scheme
}

// SplitBucketKey splits s3://bucket/some/key into bucket and key.
func SplitBucketKey(uri string) (bucket, key string, err error) {
	u, err := url.Parse(strings.TrimPrefix(uri, "zip+"))
	if err != nil {
		return "", "", fmt.Errorf("parsing %q: %w", uri, err)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("uri %q must name a bucket and a key", uri)
	}
	return u.Host, key, nil
}
