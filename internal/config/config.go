package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Mode represents the gate enforcement mode
type Mode string

const (
	// ModeEnforce blocks only what the configured rules reject.
	ModeEnforce Mode = "enforce"
	// ModeWhitelist blocks everything that is not explicitly whitelisted.
	ModeWhitelist Mode = "whitelist"
)

// FailureMode controls what happens when a check cannot complete.
type FailureMode string

const (
	FailOpen   FailureMode = "fail-open"
	FailClosed FailureMode = "fail-closed"
)

// Policy is the full gate configuration. It is loaded once at startup
// and treated as read-only afterwards; runtime whitelist mutations go
// through the rule store, never through this struct.
type Policy struct {
	Mode Mode `yaml:"mode"`

	// BlockedPackages are exact "name@version" pairs that are always blocked.
	BlockedPackages []string `yaml:"blockedPackages"`

	// BlockedPatterns are regular expressions matched against package names.
	BlockedPatterns []string `yaml:"blockedPatterns"`

	Scopes        ScopePolicy   `yaml:"scopes"`
	VersionRules  []VersionRule `yaml:"versionRules"`
	Whitelist     Whitelist     `yaml:"whitelist"`
	CVE           CVEPolicy     `yaml:"cve"`
	License       LicensePolicy `yaml:"license"`
	Age           AgePolicy     `yaml:"age"`
	Authors       AuthorPolicy  `yaml:"authors"`
	ErrorHandling ErrorHandling `yaml:"errorHandling"`
	Server        ServerConfig  `yaml:"server"`
	Publish       PublishConfig `yaml:"publish"`
}

// ScopePolicy controls which npm scopes are admitted. A non-empty
// Allowed list implies "scoped packages only": unscoped packages are
// blocked while it is set.
type ScopePolicy struct {
	Allowed []string `yaml:"allowed"`
	Blocked []string `yaml:"blocked"`
}

// VersionRule is a raw semver range rule as written in the config file.
// Validation and range compilation happen in the rule store.
type VersionRule struct {
	Package         string `yaml:"package"`
	Range           string `yaml:"range"`
	Strategy        string `yaml:"strategy"` // "block" or "fallback"
	FallbackVersion string `yaml:"fallbackVersion"`
	Reason          string `yaml:"reason"`
}

// Whitelist configures whitelist-mode membership.
type Whitelist struct {
	Packages []string `yaml:"packages"`
	Patterns []string `yaml:"patterns"`

	// VersionRanges constrains whitelisted packages to a semver range.
	VersionRanges map[string]string `yaml:"versionRanges"`
}

// CVEPolicy configures the vulnerability check.
type CVEPolicy struct {
	Enabled     bool   `yaml:"enabled"`
	AutoBlock   bool   `yaml:"autoBlock"`
	MinSeverity string `yaml:"minSeverity"` // low, moderate, high, critical
}

// LicensePolicy configures the license compliance check.
type LicensePolicy struct {
	Enabled        bool     `yaml:"enabled"`
	RequireLicense bool     `yaml:"requireLicense"`
	Blocked        []string `yaml:"blocked"`
	Allowed        []string `yaml:"allowed"`
}

// AgePolicy configures the package/version age check.
type AgePolicy struct {
	Enabled           bool `yaml:"enabled"`
	MinPackageAgeDays int  `yaml:"minPackageAgeDays"`
	MinVersionAgeDays int  `yaml:"minVersionAgeDays"`
	WarnOnly          bool `yaml:"warnOnly"`
}

// AuthorPolicy configures the publisher identity check.
type AuthorPolicy struct {
	Enabled              bool     `yaml:"enabled"`
	RequireVerifiedEmail bool     `yaml:"requireVerifiedEmail"`
	BlockedAuthors       []string `yaml:"blockedAuthors"` // names or emails, exact or regex
	BlockedDomains       []string `yaml:"blockedDomains"`
	BlockedRegions       []string `yaml:"blockedRegions"`
}

// ErrorHandling selects fail-open or fail-closed behavior per check
// category. All categories default to fail-open.
type ErrorHandling struct {
	OnFilterError       FailureMode `yaml:"onFilterError"`
	OnCVECheckError     FailureMode `yaml:"onCveCheckError"`
	OnLicenseCheckError FailureMode `yaml:"onLicenseCheckError"`
}

// ServerConfig configures the gateway listener.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	Upstream string `yaml:"upstream"`
	AuditLog string `yaml:"auditLog"`
	VulnDB   string `yaml:"vulnDb"`
}

// PublishConfig bounds accepted tarball sizes on publish.
type PublishConfig struct {
	MinPackageSize int64 `yaml:"minPackageSize"`
	MaxPackageSize int64 `yaml:"maxPackageSize"`
}

// Default returns the configuration used when nothing else is provided.
func Default() *Policy {
	p := &Policy{}
	p.normalize()
	return p
}

// Load loads the gate configuration with 3-level fallback:
// 1. Explicit path (--config flag)
// 2. Home directory (~/.registrygate/config.yaml)
// 3. Embedded default (passed as defaultData)
func Load(path string, defaultData []byte) (*Policy, error) {
	var data []byte
	var err error

	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		home, herr := os.UserHomeDir()
		if herr == nil {
			homeConfig := filepath.Join(home, ".registrygate", "config.yaml")
			if b, rerr := os.ReadFile(homeConfig); rerr == nil {
				data = b
			}
		}
		if data == nil {
			data = defaultData
		}
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	policy.normalize()
	return &policy, nil
}

// normalize fills defaults for omitted fields.
func (p *Policy) normalize() {
	if p.Mode == "" {
		p.Mode = ModeEnforce
	}
	if p.CVE.MinSeverity == "" {
		p.CVE.MinSeverity = "low"
	}
	if p.ErrorHandling.OnFilterError == "" {
		p.ErrorHandling.OnFilterError = FailOpen
	}
	if p.ErrorHandling.OnCVECheckError == "" {
		p.ErrorHandling.OnCVECheckError = FailOpen
	}
	if p.ErrorHandling.OnLicenseCheckError == "" {
		p.ErrorHandling.OnLicenseCheckError = FailOpen
	}
	if p.Server.Addr == "" {
		p.Server.Addr = "127.0.0.1:8484"
	}
	if p.Server.Upstream == "" {
		p.Server.Upstream = "https://registry.npmjs.org"
	}
}
