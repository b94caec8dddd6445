package rules

import (
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"

	"github.com/Pirikara/registrygate/internal/config"
	"github.com/Pirikara/registrygate/internal/logger"
)

// Whitelist is the whitelist-mode membership set. Reads are lock-free
// against an immutable snapshot; runtime mutations build a new snapshot
// under a single writer lock, so concurrent evaluations always observe
// a consistent view.
type Whitelist struct {
	mu   sync.Mutex
	snap atomic.Pointer[whitelistSnapshot]
	log  *logger.Logger
}

type whitelistSnapshot struct {
	packages map[string]bool
	patterns []Pattern
	ranges   map[string]*semver.Constraints
}

// NewWhitelist builds the whitelist from configuration.
func NewWhitelist(cfg config.Whitelist, log *logger.Logger) *Whitelist {
	w := &Whitelist{log: log}

	snap := &whitelistSnapshot{
		packages: make(map[string]bool, len(cfg.Packages)),
		patterns: CompilePatterns(cfg.Patterns, log),
		ranges:   make(map[string]*semver.Constraints, len(cfg.VersionRanges)),
	}
	for _, p := range cfg.Packages {
		if p != "" {
			snap.packages[p] = true
		}
	}
	for name, raw := range cfg.VersionRanges {
		constraints, err := semver.NewConstraint(raw)
		if err != nil {
			if log != nil {
				log.Warn("invalid_whitelist_range", "Dropping unparseable whitelist range", map[string]interface{}{
					"package": name,
					"range":   raw,
				})
			}
			continue
		}
		snap.ranges[name] = constraints
	}

	w.snap.Store(snap)
	return w
}

// Empty reports whether the whitelist has no members at all.
func (w *Whitelist) Empty() bool {
	s := w.snap.Load()
	return len(s.packages) == 0 && len(s.patterns) == 0
}

// Allows reports whether the package (and, when given, the version) is
// whitelisted. Membership is an exact name, a pattern match, or a
// scoped-pattern match; a per-package version range, when configured,
// additionally constrains the version.
func (w *Whitelist) Allows(name, version string) bool {
	s := w.snap.Load()

	member := s.packages[name]
	if !member {
		for _, p := range s.patterns {
			if p.Match(name) {
				member = true
				break
			}
		}
	}
	if !member {
		return false
	}

	if version == "" {
		return true
	}
	constraints, ok := s.ranges[name]
	if !ok {
		return true
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return constraints.Check(v)
}

// AddPackage whitelists an exact package name at runtime.
func (w *Whitelist) AddPackage(name string) {
	if name == "" {
		return
	}
	w.mutate(func(s *whitelistSnapshot) {
		s.packages[name] = true
	})
}

// RemovePackage removes an exact package name from the whitelist.
func (w *Whitelist) RemovePackage(name string) {
	w.mutate(func(s *whitelistSnapshot) {
		delete(s.packages, name)
	})
}

// AddPattern whitelists a name pattern at runtime. An invalid pattern
// never matches, consistent with load-time behavior.
func (w *Whitelist) AddPattern(raw string) {
	if raw == "" {
		return
	}
	w.mutate(func(s *whitelistSnapshot) {
		s.patterns = append(s.patterns, CompilePatterns([]string{raw}, w.log)...)
	})
}

// mutate applies fn to a copy of the current snapshot and publishes it.
func (w *Whitelist) mutate(fn func(*whitelistSnapshot)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	old := w.snap.Load()
	next := &whitelistSnapshot{
		packages: make(map[string]bool, len(old.packages)+1),
		patterns: make([]Pattern, len(old.patterns), len(old.patterns)+1),
		ranges:   old.ranges,
	}
	for k, v := range old.packages {
		next.packages[k] = v
	}
	copy(next.patterns, old.patterns)

	fn(next)
	w.snap.Store(next)
}
