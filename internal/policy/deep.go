package policy

import (
	"context"
	"fmt"

	"github.com/Pirikara/registrygate/internal/audit"
	"github.com/Pirikara/registrygate/internal/config"
	"github.com/Pirikara/registrygate/internal/logger"
	"github.com/Pirikara/registrygate/internal/registry"
	"github.com/Pirikara/registrygate/internal/rules"
	"github.com/Pirikara/registrygate/internal/vuln"
)

// Deep runs the checks that need full package metadata and external
// data: CVE, license, age and author, in that fixed order, then applies
// the resulting removals and fallbacks to the document.
type Deep struct {
	store   *rules.Store
	cve     *CVEChecker
	license *LicenseChecker
	age     *AgeChecker
	author  *AuthorChecker
	errors  config.ErrorHandling
	rec     audit.Recorder
	log     *logger.Logger
}

// NewDeep wires a deep evaluator. svc may be nil when the CVE check is
// disabled; rec may be nil to discard decision events.
func NewDeep(store *rules.Store, svc vuln.Service, cfg *config.Policy, rec audit.Recorder, log *logger.Logger) *Deep {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Deep{
		store:   store,
		cve:     NewCVEChecker(svc, cfg.CVE, cfg.ErrorHandling.OnCVECheckError),
		license: NewLicenseChecker(cfg.License, cfg.ErrorHandling.OnLicenseCheckError),
		age:     NewAgeChecker(cfg.Age),
		author:  NewAuthorChecker(cfg.Authors, DefaultRegionDomains()),
		errors:  cfg.ErrorHandling,
		rec:     rec,
		log:     log,
	}
}

// FilterMetadata is the primary deep-evaluation entry point. It never
// returns an error: internal failures are mapped through onFilterError,
// yielding either the untouched input (fail-open) or a fully-blocked
// annotated document (fail-closed).
func (d *Deep) FilterMetadata(ctx context.Context, pkg *registry.Packument) (out *registry.Packument) {
	defer func() {
		if r := recover(); r != nil {
			out = d.handleFilterError(pkg, fmt.Sprintf("internal evaluator error: %v", r))
		}
	}()

	filtered, err := d.filter(ctx, pkg)
	if err != nil {
		return d.handleFilterError(pkg, err.Error())
	}
	return filtered
}

// handleFilterError applies the onFilterError policy.
func (d *Deep) handleFilterError(pkg *registry.Packument, reason string) *registry.Packument {
	if d.log != nil {
		d.log.Error("filter_error", "Deep evaluation failed", map[string]interface{}{
			"package": pkg.Name,
			"reason":  reason,
		})
	}
	if d.errors.OnFilterError == config.FailClosed {
		d.rec.Record(audit.NewEvent(audit.KindBlock, pkg.Name, "", reason))
		return pkg.Blocked(reason, []string{string(BlockedByError)})
	}
	return pkg
}

// filter runs the check pipeline over one metadata document.
func (d *Deep) filter(ctx context.Context, pkg *registry.Packument) (*registry.Packument, error) {
	removed := make(map[string]string)
	fallbacks := make(map[string]registry.FallbackSpec)

	// Exact blocks and range rules first: they need no I/O and they
	// bind individual versions, not the whole package.
	for id := range pkg.Versions {
		if d.store.IsExactBlocked(pkg.Name, id) {
			removed[id] = fmt.Sprintf("%s@%s is blocked by policy", pkg.Name, id)
			continue
		}
		rule := d.store.MatchRange(pkg.Name, id)
		if rule == nil {
			continue
		}
		reason := rule.Reason
		if reason == "" {
			reason = fmt.Sprintf("version %s matches range %s", id, rule.RawRange)
		}
		switch rule.Strategy {
		case rules.StrategyBlock:
			removed[id] = reason
		case rules.StrategyFallback:
			fallbacks[id] = registry.FallbackSpec{Source: rule.FallbackVersion, Reason: reason}
		}
	}

	cveOut := d.cve.Check(ctx, pkg)
	for id, advisories := range cveOut.Vulnerable {
		for _, adv := range advisories {
			e := audit.NewEvent(audit.KindCVEDetected, pkg.Name, id, adv.Summary)
			e.Metadata = map[string]any{"advisory": adv.ID, "severity": string(adv.Severity)}
			d.rec.Record(e)
		}
	}
	if cveOut.Decision.Blocked {
		return d.blockPackage(pkg, cveOut.Decision), nil
	}

	if decision := d.license.Check(pkg); decision.Blocked {
		d.rec.Record(audit.NewEvent(audit.KindLicenseBlocked, pkg.Name, "", decision.Reason))
		return d.blockPackage(pkg, decision), nil
	}

	ageOut := d.age.Check(pkg)
	for _, advisory := range ageOut.Advisories {
		if d.log != nil {
			d.log.Warn("age_advisory", advisory, map[string]interface{}{"package": pkg.Name})
		}
	}
	if ageOut.Decision.Blocked {
		d.rec.Record(audit.NewEvent(audit.KindPackageTooNew, pkg.Name, "", ageOut.Decision.Reason))
		return d.blockPackage(pkg, ageOut.Decision), nil
	}
	for _, id := range ageOut.PruneVersions {
		if _, exists := fallbacks[id]; !exists {
			removed[id] = fmt.Sprintf("version %s is newer than the minimum age", id)
		}
	}

	if decision := d.author.Check(pkg); decision.Blocked {
		d.rec.Record(audit.NewEvent(audit.KindAuthorBlocked, pkg.Name, "", decision.Reason))
		return d.blockPackage(pkg, decision), nil
	}

	if len(removed) == 0 && len(fallbacks) == 0 {
		return pkg, nil
	}

	outcome := registry.Rewrite(pkg.Versions, removed, fallbacks)
	for _, id := range outcome.BlockedVersions {
		reason := removed[id]
		if reason == "" {
			reason = "fallback version is not available"
		}
		d.rec.Record(audit.NewEvent(audit.KindBlock, pkg.Name, id, reason))
	}
	for _, fb := range outcome.Fallbacks {
		e := audit.NewEvent(audit.KindFallback, pkg.Name, fb.Original, fallbacks[fb.Original].Reason)
		e.Metadata = map[string]any{"fallback": fb.Fallback}
		d.rec.Record(e)
	}

	result := *pkg
	result.Versions = outcome.Versions
	result.DistTags = registry.RederiveDistTags(pkg.DistTags, outcome.Versions)
	return &result, nil
}

// blockPackage emits the block event and synthesizes the fully-blocked
// document.
func (d *Deep) blockPackage(pkg *registry.Packument, decision Decision) *registry.Packument {
	d.rec.Record(audit.NewEvent(audit.KindBlock, pkg.Name, "", decision.Reason))
	if d.log != nil {
		d.log.LogDecision(pkg.Name, "", true, string(decision.BlockedBy), decision.Reason, "")
	}
	return pkg.Blocked(decision.Reason, []string{string(decision.BlockedBy)})
}
