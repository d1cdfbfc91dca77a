// Package registry maps agent names to their memory stores for the
// lifetime of a session.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/rcliao/troupe-memory/internal/embedding"
	"github.com/rcliao/troupe-memory/internal/store"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidateName rejects agent names that cannot be used as a file name stem.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: invalid agent name %q", store.ErrValidation, name)
	}
	return nil
}

// Registry holds one open store per agent. All stores share the embedder,
// so they are bound to the same model.
type Registry struct {
	dir      string
	embedder embedding.Embedder
	opts     []store.Option
	logger   *zap.Logger

	mu     sync.Mutex
	stores map[string]*store.SQLiteStore
}

// New creates an empty Registry whose stores live in dir.
func New(dir string, embedder embedding.Embedder, logger *zap.Logger, opts ...store.Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		dir:      dir,
		embedder: embedder,
		opts:     opts,
		logger:   logger.With(zap.String("component", "registry")),
		stores:   make(map[string]*store.SQLiteStore),
	}
}

// Dir returns the directory holding the memory files.
func (r *Registry) Dir() string { return r.dir }

// Open returns the agent's store, opening it on first use.
func (r *Registry) Open(name string) (*store.SQLiteStore, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[name]; ok {
		return s, nil
	}

	path := store.PathFor(r.dir, name)
	opts := append([]store.Option{store.WithLogger(r.logger.With(zap.String("agent", name)))}, r.opts...)
	s, err := store.NewSQLiteStore(path, r.embedder, opts...)
	if err != nil {
		return nil, fmt.Errorf("open memory for %s: %w", name, err)
	}
	r.stores[name] = s
	r.logger.Debug("opened agent memory", zap.String("agent", name), zap.String("path", path))
	return s, nil
}

// Get looks up an open store. Returns nil if the agent has not been opened.
func (r *Registry) Get(name string) *store.SQLiteStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stores[name]
}

// Names returns the open agents in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every store and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.stores = make(map[string]*store.SQLiteStore)
	return errors.Join(errs...)
}

const fileSuffix = "_memory.db"

// Discover lists the agents that have a memory file in dir, sorted.
// A missing dir has no agents.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read memory dir: %w", err)
	}

	names := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), fileSuffix)
		if ValidateName(name) == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// OpenAll opens every agent found in the registry's directory.
func (r *Registry) OpenAll() ([]string, error) {
	names, err := Discover(filepath.Clean(r.dir))
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if _, err := r.Open(name); err != nil {
			return nil, err
		}
	}
	return names, nil
}
