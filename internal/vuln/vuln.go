// Package vuln defines the vulnerability lookup contract the evaluator
// consumes, plus an OSV-backed implementation with caching and circuit
// breaking.
package vuln

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the lookup backend could not be reached.
// Callers must treat it as an error, never as "not vulnerable".
var ErrUnavailable = errors.New("vulnerability service unavailable")

// Severity is a normalized advisory severity.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for minimum-severity filtering. Unknown
// severities rank lowest so they never satisfy a configured floor by
// accident.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityModerate:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// ParseSeverity normalizes the severity spellings advisory sources use.
func ParseSeverity(raw string) Severity {
	switch raw {
	case "low", "LOW":
		return SeverityLow
	case "moderate", "MODERATE", "medium", "MEDIUM":
		return SeverityModerate
	case "high", "HIGH":
		return SeverityHigh
	case "critical", "CRITICAL":
		return SeverityCritical
	}
	return Severity(raw)
}

// Advisory describes one vulnerability affecting a package version.
type Advisory struct {
	ID               string    `json:"id"`
	Severity         Severity  `json:"severity"`
	Summary          string    `json:"summary"`
	AffectedVersions []string  `json:"affected_versions,omitempty"`
	FixedVersion     string    `json:"fixed_version,omitempty"`
	PublishedAt      time.Time `json:"published_at"`
	Source           string    `json:"source"`
}

// Result is the outcome of one lookup.
type Result struct {
	IsVulnerable bool       `json:"is_vulnerable"`
	Advisories   []Advisory `json:"advisories"`
}

// Service is the lookup contract consumed by the policy evaluator.
type Service interface {
	Query(ctx context.Context, name, version string) (*Result, error)
}
