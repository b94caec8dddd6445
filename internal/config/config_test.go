package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
mode: whitelist
blockedPackages:
  - event-stream@3.3.6
blockedPatterns:
  - "^evil-"
scopes:
  blocked:
    - malice
versionRules:
  - package: lodash
    range: ">=4.17.0 <4.17.21"
    strategy: fallback
    fallbackVersion: "4.17.21"
    reason: prototype pollution
whitelist:
  packages:
    - lodash
  versionRanges:
    lodash: ">=4.0.0"
cve:
  enabled: true
  autoBlock: true
  minSeverity: high
license:
  enabled: true
  blocked:
    - GPL-3.0
age:
  enabled: true
  minPackageAgeDays: 7
authors:
  enabled: true
  blockedRegions:
    - ru
errorHandling:
  onFilterError: fail-closed
server:
  addr: "0.0.0.0:9999"
  upstream: "https://registry.example.com"
publish:
  maxPackageSize: 1048576
`

func TestLoadExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	if p.Mode != ModeWhitelist {
		t.Errorf("Mode = %s, want whitelist", p.Mode)
	}
	if len(p.BlockedPackages) != 1 || p.BlockedPackages[0] != "event-stream@3.3.6" {
		t.Errorf("BlockedPackages = %v", p.BlockedPackages)
	}
	if len(p.VersionRules) != 1 {
		t.Fatalf("VersionRules = %v", p.VersionRules)
	}
	rule := p.VersionRules[0]
	if rule.Package != "lodash" || rule.Strategy != "fallback" || rule.FallbackVersion != "4.17.21" {
		t.Errorf("rule = %+v", rule)
	}
	if p.Whitelist.VersionRanges["lodash"] != ">=4.0.0" {
		t.Errorf("VersionRanges = %v", p.Whitelist.VersionRanges)
	}
	if !p.CVE.Enabled || p.CVE.MinSeverity != "high" {
		t.Errorf("CVE = %+v", p.CVE)
	}
	if p.ErrorHandling.OnFilterError != FailClosed {
		t.Errorf("OnFilterError = %s, want fail-closed", p.ErrorHandling.OnFilterError)
	}
	if p.ErrorHandling.OnCVECheckError != FailOpen {
		t.Errorf("OnCVECheckError = %s, want the fail-open default", p.ErrorHandling.OnCVECheckError)
	}
	if p.Server.Addr != "0.0.0.0:9999" {
		t.Errorf("Addr = %s", p.Server.Addr)
	}
	if p.Publish.MaxPackageSize != 1048576 {
		t.Errorf("MaxPackageSize = %d", p.Publish.MaxPackageSize)
	}
}

func TestLoadExplicitPathMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), []byte("mode: enforce")); err == nil {
		t.Error("an explicit path that does not exist must fail, not fall back")
	}
}

func TestLoadEmbeddedDefault(t *testing.T) {
	// No explicit path and no home config: the embedded default applies.
	t.Setenv("HOME", t.TempDir())

	p, err := Load("", []byte("blockedPatterns: [\"^test-\"]"))
	if err != nil {
		t.Fatal(err)
	}
	if len(p.BlockedPatterns) != 1 {
		t.Errorf("BlockedPatterns = %v, want the embedded default's", p.BlockedPatterns)
	}
}

func TestLoadHomeDirectoryFallback(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".registrygate")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("mode: whitelist"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := Load("", []byte("mode: enforce"))
	if err != nil {
		t.Fatal(err)
	}
	if p.Mode != ModeWhitelist {
		t.Errorf("Mode = %s, want the home config to win over the embedded default", p.Mode)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("mode: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, nil); err == nil {
		t.Error("malformed YAML must fail")
	}
}

func TestDefaults(t *testing.T) {
	p := Default()
	if p.Mode != ModeEnforce {
		t.Errorf("Mode = %s, want enforce", p.Mode)
	}
	if p.CVE.MinSeverity != "low" {
		t.Errorf("MinSeverity = %s, want low", p.CVE.MinSeverity)
	}
	if p.ErrorHandling.OnFilterError != FailOpen {
		t.Errorf("OnFilterError = %s, want fail-open", p.ErrorHandling.OnFilterError)
	}
	if p.Server.Addr != "127.0.0.1:8484" {
		t.Errorf("Addr = %s", p.Server.Addr)
	}
	if p.Server.Upstream != "https://registry.npmjs.org" {
		t.Errorf("Upstream = %s", p.Server.Upstream)
	}
}
