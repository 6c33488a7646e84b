package filesystem

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/types"
	"github.com/objectfs/fscache/pkg/utils"
)

// Constructor builds a backend for one location: the bucket of a bucketed
// scheme, or "" for schemes addressed by plain paths.
type Constructor func(ctx context.Context, location string) (types.Backend, error)

// Scheme describes one registered URL scheme.
type Scheme struct {
	Name string
	New  Constructor

	// Bucketed schemes address objects as scheme://bucket/key; others as
	// scheme://path.
	Bucketed bool
}

// cachePrefixes force persistent caching for a single URL, as in
// "filecache::s3://bucket/key".
var cachePrefixes = []string{"filecache::", "simplecache::"}

// Target is a resolved URL.
type Target struct {
	Backend types.Backend
	Path    string

	// Cached is set when the URL asked for persistent caching.
	Cached bool
}

// Registry maps URL schemes to backend constructors. Backends are built
// once per scheme and location and then reused.
type Registry struct {
	mu       sync.Mutex
	schemes  map[string]Scheme
	backends map[string]types.Backend
	fallback string
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. URLs without a scheme resolve to
// defaultScheme.
func NewRegistry(defaultScheme string, logger *slog.Logger) *Registry {
	return &Registry{
		schemes:  make(map[string]Scheme),
		backends: make(map[string]types.Backend),
		fallback: defaultScheme,
		logger:   utils.OrDefault(logger).With("component", "registry"),
	}
}

// Register adds or replaces a scheme.
func (r *Registry) Register(s Scheme) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.ToLower(s.Name)
	r.schemes[name] = s
	for key := range r.backends {
		if strings.HasPrefix(key, name+"://") {
			delete(r.backends, key)
		}
	}
}

// RegisterBackend registers a scheme served by one fixed backend.
func (r *Registry) RegisterBackend(b types.Backend) {
	r.Register(Scheme{
		Name: b.Scheme(),
		New:  func(context.Context, string) (types.Backend, error) { return b, nil },
	})
}

// Schemes returns the registered scheme names, sorted.
func (r *Registry) Schemes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.schemes))
	for name := range r.schemes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Resolve turns a URL into a backend and a backend path.
func (r *Registry) Resolve(ctx context.Context, rawURL string) (Target, error) {
	var target Target
	for _, p := range cachePrefixes {
		if rest, ok := strings.CutPrefix(rawURL, p); ok {
			rawURL, target.Cached = rest, true
			break
		}
	}

	name, rest := utils.SplitURL(rawURL, r.fallback)
	r.mu.Lock()
	scheme, ok := r.schemes[name]
	r.mu.Unlock()
	if !ok {
		return Target{}, errors.Newf(errors.ErrCodeUnsupported, "no backend registered for scheme %q", name).
			WithComponent("registry").
			WithContext("url", rawURL)
	}

	location, path, err := splitLocation(scheme, rest)
	if err != nil {
		return Target{}, errors.Wrap(err, errors.ErrCodeNotFound, "invalid path").
			WithComponent("registry").
			WithContext("url", rawURL)
	}

	backend, err := r.backend(ctx, scheme, location)
	if err != nil {
		return Target{}, err
	}
	target.Backend, target.Path = backend, path
	return target, nil
}

func splitLocation(s Scheme, rest string) (location, path string, err error) {
	if !s.Bucketed {
		if strings.HasPrefix(rest, "/") || filepath.IsAbs(rest) {
			return "", filepath.Clean(rest), nil
		}
		path, err = utils.CleanKey(rest)
		return "", path, err
	}
	location, key, _ := strings.Cut(rest, "/")
	if location == "" {
		return "", "", errors.New(errors.ErrCodeNotFound, "missing bucket")
	}
	path, err = utils.CleanKey(key)
	return location, path, err
}

func (r *Registry) backend(ctx context.Context, s Scheme, location string) (types.Backend, error) {
	key := strings.ToLower(s.Name) + "://" + location

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[key]; ok {
		return b, nil
	}
	b, err := s.New(ctx, location)
	if err != nil {
		return nil, err
	}
	r.backends[key] = b
	r.logger.Debug("backend created", "scheme", s.Name, "location", location)
	return b, nil
}
