package policy

import (
	"fmt"
	"strings"

	"github.com/github/go-spdx/v2/spdxexp"

	"github.com/Pirikara/registrygate/internal/config"
	"github.com/Pirikara/registrygate/internal/registry"
)

// LicenseChecker enforces the license compliance policy against the
// license declared by a package's relevant version record.
type LicenseChecker struct {
	cfg     config.LicensePolicy
	onError config.FailureMode
}

// NewLicenseChecker creates a license checker. onError applies when a
// declared license expression cannot be evaluated at all.
func NewLicenseChecker(cfg config.LicensePolicy, onError config.FailureMode) *LicenseChecker {
	return &LicenseChecker{cfg: cfg, onError: onError}
}

// Check evaluates the license of the version the package currently
// resolves to (the "latest" dist-tag, else any version). Absence of a
// declared license is only a violation when requireLicense is set.
func (c *LicenseChecker) Check(pkg *registry.Packument) Decision {
	if !c.cfg.Enabled {
		return Allow()
	}

	rec := resolveCurrent(pkg)
	if rec == nil {
		// Nothing published yet; nothing to judge.
		return Allow()
	}

	license := strings.TrimSpace(registry.ExtractLicense(rec.License))
	if license == "" || strings.EqualFold(license, "UNLICENSED") {
		if c.cfg.RequireLicense {
			return Block(BlockedByLicense, fmt.Sprintf("package %s declares no license", pkg.Name))
		}
		return Allow()
	}

	tokens := licenseTokens(license)
	if len(tokens) == 0 {
		// A declared expression that yields no identifiers cannot be
		// judged; the failure-mode policy decides.
		if c.onError == config.FailClosed {
			return Block(BlockedByLicense,
				fmt.Sprintf("license expression %q could not be evaluated", license))
		}
		return Allow()
	}

	for _, token := range tokens {
		for _, blocked := range c.cfg.Blocked {
			if strings.EqualFold(token, blocked) {
				return Block(BlockedByLicense, fmt.Sprintf("license %s is blocked", token))
			}
		}
	}

	if len(c.cfg.Allowed) > 0 {
		for _, token := range tokens {
			for _, allowed := range c.cfg.Allowed {
				if strings.EqualFold(token, allowed) {
					return Allow()
				}
			}
		}
		return Block(BlockedByLicense, fmt.Sprintf("license %q is not in the allowed list", license))
	}

	return Allow()
}

// licenseTokens splits an SPDX compound expression into individual
// license identifiers. The SPDX parser handles well-formed expressions;
// anything it rejects falls back to splitting on the OR/AND keywords so
// sloppy real-world license strings still get judged token by token.
func licenseTokens(expr string) []string {
	if extracted, err := spdxexp.ExtractLicenses(expr); err == nil && len(extracted) > 0 {
		return extracted
	}

	cleaned := strings.NewReplacer("(", " ", ")", " ").Replace(expr)
	fields := strings.Fields(cleaned)

	var tokens []string
	for _, f := range fields {
		if strings.EqualFold(f, "OR") || strings.EqualFold(f, "AND") {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// resolveCurrent picks the version record a client would install by
// default: the "latest" dist-tag when present, otherwise the
// lexically-highest version id so the choice is deterministic.
func resolveCurrent(pkg *registry.Packument) *registry.VersionRecord {
	if latest := pkg.DistTags["latest"]; latest != "" {
		if rec, ok := pkg.Versions[latest]; ok {
			return rec
		}
	}
	var bestID string
	for id := range pkg.Versions {
		if id > bestID {
			bestID = id
		}
	}
	if bestID == "" {
		return nil
	}
	return pkg.Versions[bestID]
}
