// Package registry models npm registry metadata documents and the
// transformations the gate applies to them.
package registry

import (
	"regexp"
	"strings"
)

// Packument is the registry metadata document for a package.
type Packument struct {
	ID          string                    `json:"_id,omitempty"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	DistTags    map[string]string         `json:"dist-tags"`
	Versions    map[string]*VersionRecord `json:"versions"`
	Time        map[string]string         `json:"time,omitempty"`
	Author      interface{}               `json:"author,omitempty"`
	Maintainers []interface{}             `json:"maintainers,omitempty"`
	Security    *SecurityAnnotation       `json:"security,omitempty"`
}

// VersionRecord is the per-version metadata, plus the additive fallback
// annotations the gate attaches. The annotation fields are never part
// of upstream-provided data.
type VersionRecord struct {
	Name         string            `json:"name,omitempty"`
	Version      string            `json:"version"`
	Description  string            `json:"description,omitempty"`
	License      interface{}       `json:"license,omitempty"`
	Author       interface{}       `json:"author,omitempty"`
	Maintainers  []interface{}     `json:"maintainers,omitempty"`
	Contributors []interface{}     `json:"contributors,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Deprecated   string            `json:"deprecated,omitempty"`
	Dist         *Dist             `json:"dist,omitempty"`

	IsFallback            bool   `json:"isFallback,omitempty"`
	FallbackSourceVersion string `json:"fallbackSourceVersion,omitempty"`
	FallbackReason        string `json:"fallbackReason,omitempty"`
}

// Dist is the npm distribution descriptor for a version.
type Dist struct {
	Shasum    string `json:"shasum,omitempty"`
	Tarball   string `json:"tarball,omitempty"`
	Integrity string `json:"integrity,omitempty"`
}

// SecurityAnnotation is embedded in metadata documents the gate blocks
// so client tooling can render a meaningful message instead of an
// opaque transport error.
type SecurityAnnotation struct {
	Blocked bool     `json:"blocked"`
	Reason  string   `json:"reason,omitempty"`
	Rules   []string `json:"rules,omitempty"`
}

// Blocked returns a fully-blocked copy of the document: empty version
// and dist-tag maps plus the security annotation.
func (p *Packument) Blocked(reason string, ruleNames []string) *Packument {
	return &Packument{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		DistTags:    map[string]string{},
		Versions:    map[string]*VersionRecord{},
		Security: &SecurityAnnotation{
			Blocked: true,
			Reason:  reason,
			Rules:   ruleNames,
		},
	}
}

// ExtractLicense extracts a license identifier from the duck-typed
// license field: plain string, {type: string} object, or an array of
// either.
func ExtractLicense(v interface{}) string {
	switch l := v.(type) {
	case string:
		return l
	case map[string]interface{}:
		if t, ok := l["type"].(string); ok {
			return t
		}
	case []interface{}:
		var licenses []string
		for _, item := range l {
			switch li := item.(type) {
			case string:
				licenses = append(licenses, li)
			case map[string]interface{}:
				if t, ok := li["type"].(string); ok {
					licenses = append(licenses, t)
				}
			}
		}
		return strings.Join(licenses, ",")
	}
	return ""
}

// Identity is the canonical form of an author, maintainer or
// contributor entry.
type Identity struct {
	Name  string
	Email string
	URL   string
}

// identityStringRe parses the npm "Name <email> (url)" person shorthand.
var identityStringRe = regexp.MustCompile(`^\s*([^<(]*?)\s*(?:<([^>]*)>)?\s*(?:\(([^)]*)\))?\s*$`)

// NormalizeIdentity converts a duck-typed person field (string or
// {name, email, url} object) into an Identity. Returns false when the
// value carries no usable identity at all.
func NormalizeIdentity(v interface{}) (Identity, bool) {
	switch p := v.(type) {
	case string:
		if strings.TrimSpace(p) == "" {
			return Identity{}, false
		}
		m := identityStringRe.FindStringSubmatch(p)
		if m == nil {
			return Identity{Name: strings.TrimSpace(p)}, true
		}
		id := Identity{Name: m[1], Email: m[2], URL: m[3]}
		if id.Name == "" && id.Email == "" {
			return Identity{}, false
		}
		return id, true
	case map[string]interface{}:
		id := Identity{}
		if s, ok := p["name"].(string); ok {
			id.Name = s
		}
		if s, ok := p["email"].(string); ok {
			id.Email = s
		}
		if s, ok := p["url"].(string); ok {
			id.URL = s
		}
		if id.Name == "" && id.Email == "" {
			return Identity{}, false
		}
		return id, true
	}
	return Identity{}, false
}

// Identities collects every author, maintainer and contributor identity
// declared anywhere in the document, deduplicated.
func (p *Packument) Identities() []Identity {
	seen := make(map[string]bool)
	var out []Identity

	add := func(v interface{}) {
		id, ok := NormalizeIdentity(v)
		if !ok {
			return
		}
		key := strings.ToLower(id.Name) + "|" + strings.ToLower(id.Email)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, id)
	}

	add(p.Author)
	for _, m := range p.Maintainers {
		add(m)
	}
	for _, v := range p.Versions {
		add(v.Author)
		for _, m := range v.Maintainers {
			add(m)
		}
		for _, c := range v.Contributors {
			add(c)
		}
	}

	return out
}

// Scope returns the npm scope of a package name (without the leading
// "@"), or "" for unscoped names.
func Scope(name string) string {
	if !strings.HasPrefix(name, "@") {
		return ""
	}
	idx := strings.Index(name, "/")
	if idx < 0 {
		return ""
	}
	return name[1:idx]
}
