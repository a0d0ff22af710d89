// Package storage resolves dataset locations to local files and releases
// any temporary copies made along the way.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound  = errors.New("object not found")
	ErrDownloadFailed  = errors.New("download failed")
	ErrUnsupportedPath = errors.New("unsupported dataset location")
)

// Fetcher makes a dataset available as a local file.
type Fetcher interface {
	// Fetch returns a local path for identifier (fetchToLocalPath).
	Fetch(ctx context.Context, identifier string) (string, error)
	// Release gives back a path obtained from Fetch (releaseLocalPath).
	// Failures are reported but must not be treated as fatal by callers.
	Release(localPath string) error
}

// Local serves identifiers that already are local paths. Release is a no-op:
// the file belongs to the caller.
type Local struct{}

func (Local) Fetch(ctx context.Context, identifier string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p := strings.TrimPrefix(identifier, "file://")
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrUnsupportedPath)
	}
	return filepath.Clean(p), nil
}

func (Local) Release(string) error { return nil }

// Router dispatches identifiers to a Fetcher by URI scheme; identifiers
// without a registered scheme go to the local fetcher.
type Router struct {
	mu      sync.Mutex
	local   Fetcher
	schemes map[string]Fetcher
	owners  map[string]Fetcher
}

// NewRouter creates a router with a Local fallback.
func NewRouter() *Router {
	return &Router{local: Local{}, schemes: map[string]Fetcher{}, owners: map[string]Fetcher{}}
}

// Handle registers f for identifiers starting with scheme + "://".
// It is safe to call while fetches are in flight.
func (r *Router) Handle(scheme string, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemes[strings.ToLower(scheme)] = f
}

func (r *Router) pick(identifier string) Fetcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := strings.Index(identifier, "://"); i > 0 {
		if f, ok := r.schemes[strings.ToLower(identifier[:i])]; ok {
			return f
		}
	}
	return r.local
}

// Fetch resolves identifier with the matching fetcher and remembers which
// fetcher owns the returned path.
func (r *Router) Fetch(ctx context.Context, identifier string) (string, error) {
	f := r.pick(identifier)
	p, err := f.Fetch(ctx, identifier)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.owners[p] = f
	r.mu.Unlock()
	return p, nil
}

// Release hands the path back to the fetcher that produced it.
func (r *Router) Release(localPath string) error {
	r.mu.Lock()
	f, ok := r.owners[localPath]
	delete(r.owners, localPath)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return f.Release(localPath)
}
