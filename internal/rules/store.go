// Package rules normalizes raw gate configuration into validated,
// compiled rule structures. The store is read-only after construction
// except for the whitelist, which supports atomic runtime mutation.
package rules

import (
	"strings"

	"github.com/Pirikara/registrygate/internal/config"
	"github.com/Pirikara/registrygate/internal/logger"
)

// Store holds the compiled policy rules shared by every evaluation.
type Store struct {
	Mode      config.Mode
	Whitelist *Whitelist

	exactBlocks   map[string]bool
	blockPatterns []Pattern
	allowedScopes map[string]bool
	blockedScopes map[string]bool
	rangeRules    []RangeRule

	log *logger.Logger
}

// NewStore validates and compiles the configured policies. Malformed
// entries are dropped with a structured warning; construction never
// fails.
func NewStore(cfg *config.Policy, log *logger.Logger) *Store {
	s := &Store{
		Mode:          cfg.Mode,
		Whitelist:     NewWhitelist(cfg.Whitelist, log),
		exactBlocks:   make(map[string]bool, len(cfg.BlockedPackages)),
		blockPatterns: CompilePatterns(cfg.BlockedPatterns, log),
		allowedScopes: make(map[string]bool, len(cfg.Scopes.Allowed)),
		blockedScopes: make(map[string]bool, len(cfg.Scopes.Blocked)),
		rangeRules:    LoadVersionRangeRules(cfg.VersionRules, log),
		log:           log,
	}

	for _, entry := range cfg.BlockedPackages {
		// The version separator is the last "@"; scoped names carry a
		// leading "@" of their own.
		idx := strings.LastIndex(entry, "@")
		if idx <= 0 || idx == len(entry)-1 {
			if log != nil {
				log.Warn("invalid_block_entry", "Dropping blocked package entry without a version", map[string]interface{}{
					"entry": entry,
				})
			}
			continue
		}
		s.exactBlocks[entry] = true
	}

	for _, scope := range cfg.Scopes.Allowed {
		s.allowedScopes[strings.TrimPrefix(scope, "@")] = true
	}
	for _, scope := range cfg.Scopes.Blocked {
		s.blockedScopes[strings.TrimPrefix(scope, "@")] = true
	}

	return s
}

// IsExactBlocked reports whether the exact package@version pair is
// block-listed.
func (s *Store) IsExactBlocked(name, version string) bool {
	if version == "" {
		return false
	}
	return s.exactBlocks[name+"@"+version]
}

// MatchBlockedPattern returns the first blocked-name pattern matching
// the package name, or "" when none matches.
func (s *Store) MatchBlockedPattern(name string) string {
	for _, p := range s.blockPatterns {
		if p.Match(name) {
			return p.Raw
		}
	}
	return ""
}

// CheckScope reports whether scope policy blocks the package and why.
// Scoped packages are blocked when the scope is deny-listed or, with a
// non-empty allow-list, absent from it. An allow-list implies "scoped
// packages only", so unscoped packages are blocked while one is set.
func (s *Store) CheckScope(scope string) (blocked bool, reason string) {
	if scope == "" {
		if len(s.allowedScopes) > 0 {
			return true, "unscoped packages are not allowed when a scope allow-list is configured"
		}
		return false, ""
	}
	if s.blockedScopes[scope] {
		return true, "scope @" + scope + " is blocked"
	}
	if len(s.allowedScopes) > 0 && !s.allowedScopes[scope] {
		return true, "scope @" + scope + " is not in the allowed scopes"
	}
	return false, ""
}

// RangeRules returns the compiled range rules in configuration order.
func (s *Store) RangeRules() []RangeRule {
	return s.rangeRules
}
