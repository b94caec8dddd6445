package rules

import (
	"github.com/Masterminds/semver/v3"

	"github.com/Pirikara/registrygate/internal/config"
	"github.com/Pirikara/registrygate/internal/logger"
)

// Strategy selects what happens to versions matched by a range rule.
type Strategy string

const (
	StrategyBlock    Strategy = "block"
	StrategyFallback Strategy = "fallback"
)

// RangeRule is a validated semver range rule. Rules keep their
// configuration order; the first match wins.
type RangeRule struct {
	Package         string
	RawRange        string
	Range           *semver.Constraints
	Strategy        Strategy
	FallbackVersion string
	Reason          string
}

// LoadVersionRangeRules validates and compiles the configured range
// rules. Invalid entries are dropped with a warning; loading never
// fails. The result is the valid subset in configuration order.
func LoadVersionRangeRules(entries []config.VersionRule, log *logger.Logger) []RangeRule {
	rules := make([]RangeRule, 0, len(entries))

	warn := func(entry config.VersionRule, reason string) {
		if log != nil {
			log.Warn("invalid_version_rule", "Dropping invalid version range rule", map[string]interface{}{
				"package": entry.Package,
				"range":   entry.Range,
				"reason":  reason,
			})
		}
	}

	for _, entry := range entries {
		if entry.Package == "" || entry.Range == "" || entry.Strategy == "" {
			warn(entry, "package, range and strategy are required")
			continue
		}
		strategy := Strategy(entry.Strategy)
		if strategy != StrategyBlock && strategy != StrategyFallback {
			warn(entry, "strategy must be block or fallback")
			continue
		}
		if strategy == StrategyFallback && entry.FallbackVersion == "" {
			warn(entry, "fallback strategy requires fallbackVersion")
			continue
		}
		constraints, err := semver.NewConstraint(entry.Range)
		if err != nil {
			warn(entry, "range does not parse: "+err.Error())
			continue
		}
		rules = append(rules, RangeRule{
			Package:         entry.Package,
			RawRange:        entry.Range,
			Range:           constraints,
			Strategy:        strategy,
			FallbackVersion: entry.FallbackVersion,
			Reason:          entry.Reason,
		})
	}

	return rules
}

// MatchRange returns the first rule whose package equals name and whose
// range is satisfied by version. A malformed version string is treated
// as "no match" with a warning, never as an error. Pre-release versions
// only satisfy ranges that include a pre-release component, per semver
// precedence.
func (s *Store) MatchRange(name, version string) *RangeRule {
	v, err := semver.NewVersion(version)
	if err != nil {
		if s.log != nil {
			s.log.Warn("unparseable_version", "Version does not parse as semver, skipping range rules", map[string]interface{}{
				"package": name,
				"version": version,
			})
		}
		return nil
	}

	for i := range s.rangeRules {
		rule := &s.rangeRules[i]
		if rule.Package != name {
			continue
		}
		if rule.Range.Check(v) {
			return rule
		}
	}
	return nil
}
