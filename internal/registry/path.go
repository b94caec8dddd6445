package registry

import (
	"fmt"
	"net/url"
	"strings"
)

// RequestKind distinguishes the two request shapes the gate intercepts.
type RequestKind string

const (
	// RequestMetadata is a packument request: /[@scope/]name
	RequestMetadata RequestKind = "metadata"
	// RequestTarball is an artifact request: /[@scope/]name/-/name-version.tgz
	RequestTarball RequestKind = "tarball"
)

// ParsedPath is the package reference extracted from a request path.
type ParsedPath struct {
	Kind    RequestKind
	Scope   string // without the leading "@", "" if unscoped
	Name    string // full name including @scope/ when scoped
	Version string // only set for tarball requests
}

// ParseRequestPath extracts the package reference from a registry
// request path. Scoped name separators may arrive percent-encoded
// (@scope%2Fname); both forms are accepted.
func ParseRequestPath(path string) (*ParsedPath, error) {
	p := strings.TrimPrefix(path, "/")
	if idx := strings.IndexByte(p, '?'); idx >= 0 {
		p = p[:idx]
	}
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	if p == "" {
		return nil, fmt.Errorf("empty request path")
	}

	segments := strings.Split(p, "/")

	var name, scope string
	rest := segments
	if strings.HasPrefix(segments[0], "@") {
		if len(segments) < 2 {
			return nil, fmt.Errorf("scoped path %q missing package name", path)
		}
		scope = strings.TrimPrefix(segments[0], "@")
		name = segments[0] + "/" + segments[1]
		rest = segments[2:]
	} else {
		name = segments[0]
		rest = segments[1:]
	}
	if name == "" || strings.HasSuffix(name, "/") {
		return nil, fmt.Errorf("malformed package path %q", path)
	}

	if len(rest) == 0 {
		return &ParsedPath{Kind: RequestMetadata, Scope: scope, Name: name}, nil
	}

	// Tarball grammar: <name>/-/<short-name>-<version>.tgz
	if len(rest) != 2 || rest[0] != "-" {
		return nil, fmt.Errorf("unrecognized request path %q", path)
	}
	file := rest[1]
	if !strings.HasSuffix(file, ".tgz") {
		return nil, fmt.Errorf("unrecognized artifact %q", file)
	}
	file = strings.TrimSuffix(file, ".tgz")

	// The filename uses the name without its scope prefix.
	shortName := name
	if idx := strings.Index(name, "/"); idx >= 0 {
		shortName = name[idx+1:]
	}
	prefix := shortName + "-"
	if !strings.HasPrefix(file, prefix) {
		return nil, fmt.Errorf("artifact %q does not match package %q", file, name)
	}
	version := strings.TrimPrefix(file, prefix)
	if version == "" {
		return nil, fmt.Errorf("artifact %q has no version", file)
	}

	return &ParsedPath{Kind: RequestTarball, Scope: scope, Name: name, Version: version}, nil
}
