package rules

import (
	"io"
	"log/slog"

	"github.com/procsentry/procsentry/pkg/hotreload"
)

// Store holds the active RuleSet and replaces it on reload. Reads are lock free.
type Store struct {
	path    string
	current *hotreload.Reloadable[RuleSet]
	logger  *slog.Logger
}

// NewStore loads path, degrading to Disabled() when it cannot be loaded.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initial := LoadOrDisabled(path, logger)
	logger.Info("rules loaded", "path", path, "enabled", initial.EnabledCategories())
	return &Store{
		path:    path,
		current: hotreload.NewReloadable(initial),
		logger:  logger,
	}
}

// NewStaticStore wraps an already built RuleSet.
func NewStaticStore(rs *RuleSet) *Store {
	if rs == nil {
		rs = Disabled()
	}
	return &Store{
		current: hotreload.NewReloadable(rs),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Current returns the active RuleSet.
func (s *Store) Current() *RuleSet {
	return s.current.Get()
}

// Version counts successful replacements since startup.
func (s *Store) Version() int64 { return s.current.Version() }

func (s *Store) Path() string { return s.path }

// Validate implements hotreload.Loader.
func (s *Store) Validate(path string) error {
	_, err := LoadFile(path)
	return err
}

// LoadFromPath implements hotreload.Loader. A document that fails to load
// leaves the active RuleSet in place.
func (s *Store) LoadFromPath(path string) error {
	rs, err := LoadFile(path)
	if err != nil {
		s.logger.Error("rules reload rejected, keeping previous rules", "path", path, "error", err)
		return err
	}
	s.current.Swap(rs)
	s.logger.Info("rules reloaded", "path", path, "enabled", rs.EnabledCategories(), "version", s.current.Version())
	return nil
}

// Reload re-reads the configured path.
func (s *Store) Reload() error {
	return s.LoadFromPath(s.path)
}

var _ hotreload.Loader = (*Store)(nil)
