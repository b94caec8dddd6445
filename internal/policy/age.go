package policy

import (
	"fmt"
	"sort"
	"time"

	"github.com/Pirikara/registrygate/internal/config"
	"github.com/Pirikara/registrygate/internal/registry"
)

const dayMillis = 24 * 60 * 60 * 1000

// AgeChecker enforces minimum package and version age. Missing
// timestamp data means "cannot determine" and always admits: absence of
// declared data is not evidence of risk, unlike a lookup error.
type AgeChecker struct {
	cfg config.AgePolicy
	now func() time.Time
}

// NewAgeChecker creates an age checker.
func NewAgeChecker(cfg config.AgePolicy) *AgeChecker {
	return &AgeChecker{cfg: cfg, now: time.Now}
}

// AgeOutcome is the result of the age check: either a whole-package
// decision or a set of individual versions to prune.
type AgeOutcome struct {
	Decision      Decision
	PruneVersions []string
	Advisories    []string // warn-only findings, never blocking
}

// Check evaluates package and per-version age against the configured
// minimums.
func (c *AgeChecker) Check(pkg *registry.Packument) AgeOutcome {
	if !c.cfg.Enabled {
		return AgeOutcome{Decision: Allow()}
	}

	now := c.now()

	if c.cfg.MinPackageAgeDays > 0 {
		created, ok := packageCreated(pkg)
		if ok {
			days := elapsedDays(created, now)
			if days < c.cfg.MinPackageAgeDays {
				finding := fmt.Sprintf("package %s is %d days old, minimum is %d",
					pkg.Name, days, c.cfg.MinPackageAgeDays)
				if c.cfg.WarnOnly {
					return AgeOutcome{Decision: Allow(), Advisories: []string{finding}}
				}
				return AgeOutcome{Decision: Block(BlockedByAge, finding)}
			}
		}
	}

	out := AgeOutcome{Decision: Allow()}
	if c.cfg.MinVersionAgeDays <= 0 {
		return out
	}

	ids := make([]string, 0, len(pkg.Versions))
	for id := range pkg.Versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		published, ok := versionTime(pkg, id)
		if !ok {
			continue
		}
		days := elapsedDays(published, now)
		if days >= c.cfg.MinVersionAgeDays {
			continue
		}
		finding := fmt.Sprintf("version %s is %d days old, minimum is %d", id, days, c.cfg.MinVersionAgeDays)
		if c.cfg.WarnOnly {
			out.Advisories = append(out.Advisories, finding)
			continue
		}
		out.PruneVersions = append(out.PruneVersions, id)
	}

	return out
}

// elapsedDays returns whole elapsed days, floored at millisecond
// resolution.
func elapsedDays(from, to time.Time) int {
	ms := to.UnixMilli() - from.UnixMilli()
	if ms < 0 {
		return 0
	}
	return int(ms / dayMillis)
}

// packageCreated derives the package creation time: an explicit
// "created" timestamp when present, else the earliest per-version
// timestamp.
func packageCreated(pkg *registry.Packument) (time.Time, bool) {
	if raw, ok := pkg.Time["created"]; ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t, true
		}
	}

	var earliest time.Time
	found := false
	for id := range pkg.Versions {
		t, ok := versionTime(pkg, id)
		if !ok {
			continue
		}
		if !found || t.Before(earliest) {
			earliest = t
			found = true
		}
	}
	return earliest, found
}

// versionTime returns the publish time of a version, when recorded.
func versionTime(pkg *registry.Packument, id string) (time.Time, bool) {
	raw, ok := pkg.Time[id]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
