package gateway

import (
	"fmt"
	"strings"

	"github.com/Pirikara/registrygate/internal/audit"
	"github.com/Pirikara/registrygate/internal/config"
	"github.com/Pirikara/registrygate/internal/logger"
	"github.com/Pirikara/registrygate/internal/rules"
)

// Validator is the publish-validation entry point. A nil error means
// the publish may proceed; a non-nil error carries the human-readable
// rejection reason.
type Validator struct {
	store  *rules.Store
	limits config.PublishConfig
	rec    audit.Recorder
	log    *logger.Logger
}

// NewValidator creates a publish validator.
func NewValidator(store *rules.Store, limits config.PublishConfig, rec audit.Recorder, log *logger.Logger) *Validator {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Validator{store: store, limits: limits, rec: rec, log: log}
}

// Validate rejects a publish when the name contains hostile characters,
// the tarball size is out of bounds, the exact package@version is
// block-listed, or a block-strategy range rule matches. tarballSize < 0
// means unknown and skips the size check.
func (v *Validator) Validate(name, version string, tarballSize int64) error {
	if err := validateName(name); err != nil {
		return v.reject(name, version, err)
	}

	if tarballSize >= 0 {
		if v.limits.MinPackageSize > 0 && tarballSize < v.limits.MinPackageSize {
			return v.reject(name, version, fmt.Errorf(
				"tarball size %d is below the minimum of %d bytes", tarballSize, v.limits.MinPackageSize))
		}
		if v.limits.MaxPackageSize > 0 && tarballSize > v.limits.MaxPackageSize {
			return v.reject(name, version, fmt.Errorf(
				"tarball size %d exceeds the maximum of %d bytes", tarballSize, v.limits.MaxPackageSize))
		}
	}

	if v.store.IsExactBlocked(name, version) {
		return v.reject(name, version, fmt.Errorf("%s@%s is blocked by policy", name, version))
	}

	if rule := v.store.MatchRange(name, version); rule != nil && rule.Strategy == rules.StrategyBlock {
		reason := rule.Reason
		if reason == "" {
			reason = fmt.Sprintf("version %s matches blocked range %s", version, rule.RawRange)
		}
		return v.reject(name, version, fmt.Errorf("%s", reason))
	}

	return nil
}

// reject records the publish rejection and returns the error unchanged.
func (v *Validator) reject(name, version string, err error) error {
	v.rec.Record(audit.NewEvent(audit.KindPublishRejected, name, version, err.Error()))
	if v.log != nil {
		v.log.Warn("publish_rejected", err.Error(), map[string]interface{}{
			"package": name,
			"version": version,
		})
	}
	return err
}

// validateName rejects names with control characters or path-hostile
// sequences.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("package name is empty")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "\\<>") {
		return fmt.Errorf("package name %q contains path-hostile characters", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("package name contains control characters")
		}
	}
	// A single "/" is only legal as the scope separator.
	if strings.Count(name, "/") > 1 || (strings.Contains(name, "/") && !strings.HasPrefix(name, "@")) {
		return fmt.Errorf("package name %q is malformed", name)
	}
	return nil
}
