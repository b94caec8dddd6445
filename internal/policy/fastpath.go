package policy

import (
	"fmt"

	"github.com/Pirikara/registrygate/internal/config"
	"github.com/Pirikara/registrygate/internal/logger"
	"github.com/Pirikara/registrygate/internal/registry"
	"github.com/Pirikara/registrygate/internal/rules"
)

// FastPath runs the cheap, synchronous checks usable before full
// package metadata is available. It performs no I/O and completes in
// time proportional to the number of configured patterns and rules.
type FastPath struct {
	store *rules.Store
	log   *logger.Logger
}

// NewFastPath creates a fast-path evaluator over the given rule store.
func NewFastPath(store *rules.Store, log *logger.Logger) *FastPath {
	return &FastPath{store: store, log: log}
}

// Evaluate decides block/allow for a package reference. version may be
// empty for metadata requests. Checks run cheapest-and-most-restrictive
// first and short-circuit on the first hit: whitelist membership,
// blocked pattern, scope policy, exact version block, range-rule block.
func (f *FastPath) Evaluate(name, version string) Decision {
	if f.store.Mode == config.ModeWhitelist {
		if !f.store.Whitelist.Allows(name, version) {
			return Block(BlockedByWhitelist, fmt.Sprintf("package %s is not in whitelist", name))
		}
	}

	if pattern := f.store.MatchBlockedPattern(name); pattern != "" {
		return Block(BlockedByPattern, fmt.Sprintf("package name matches blocked pattern %q", pattern))
	}

	if blocked, reason := f.store.CheckScope(registry.Scope(name)); blocked {
		return Block(BlockedByScope, reason)
	}

	if f.store.IsExactBlocked(name, version) {
		return Block(BlockedByVersion, fmt.Sprintf("%s@%s is blocked by policy", name, version))
	}

	if version != "" {
		if rule := f.store.MatchRange(name, version); rule != nil && rule.Strategy == rules.StrategyBlock {
			reason := rule.Reason
			if reason == "" {
				reason = fmt.Sprintf("version %s matches blocked range %s", version, rule.RawRange)
			}
			return Block(BlockedByRange, reason)
		}
	}

	return Allow()
}
