package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Pirikara/registrygate/internal/config"
	"github.com/Pirikara/registrygate/internal/registry"
)

// RegionDomains maps a region code to email-domain suffixes associated
// with it. Built once at startup and passed by reference into the
// checker; never mutated afterwards.
type RegionDomains map[string][]string

// DefaultRegionDomains returns the built-in region-to-domain table.
func DefaultRegionDomains() RegionDomains {
	return RegionDomains{
		"ru": {".ru", ".su", "mail.ru", "yandex.ru", "yandex.com", "rambler.ru", "bk.ru", "list.ru", "inbox.ru"},
		"by": {".by", "tut.by"},
		"ir": {".ir"},
		"kp": {".kp"},
		"cn": {".cn", "qq.com", "163.com", "126.com"},
	}
}

// authorRule is one blocked-author entry, matched exactly
// (case-insensitive) and, when the entry compiles, as a regex.
type authorRule struct {
	raw string
	re  *regexp.Regexp
}

func (r authorRule) matches(s string) bool {
	if s == "" {
		return false
	}
	if strings.EqualFold(r.raw, s) {
		return true
	}
	return r.re != nil && r.re.MatchString(s)
}

// AuthorChecker enforces the publisher identity policy.
type AuthorChecker struct {
	cfg     config.AuthorPolicy
	rules   []authorRule
	domains []string
	regions RegionDomains
}

// NewAuthorChecker compiles the author policy. Entries that fail to
// compile as regexes still participate as exact matches.
func NewAuthorChecker(cfg config.AuthorPolicy, regions RegionDomains) *AuthorChecker {
	if regions == nil {
		regions = DefaultRegionDomains()
	}

	c := &AuthorChecker{
		cfg:     cfg,
		regions: regions,
	}
	for _, raw := range cfg.BlockedAuthors {
		if raw == "" {
			continue
		}
		rule := authorRule{raw: raw}
		if re, err := regexp.Compile(raw); err == nil {
			rule.re = re
		}
		c.rules = append(c.rules, rule)
	}
	for _, d := range cfg.BlockedDomains {
		if d != "" {
			c.domains = append(c.domains, strings.ToLower(d))
		}
	}
	return c
}

// Check evaluates every declared identity in the document against the
// blocked-author, blocked-domain and region rules.
func (c *AuthorChecker) Check(pkg *registry.Packument) Decision {
	if !c.cfg.Enabled {
		return Allow()
	}

	identities := pkg.Identities()
	if len(identities) == 0 {
		if c.cfg.RequireVerifiedEmail {
			return Block(BlockedByAuthor, fmt.Sprintf("package %s declares no author information", pkg.Name))
		}
		return Allow()
	}

	for _, id := range identities {
		if d := c.checkIdentity(id); d.Blocked {
			return d
		}
	}
	return Allow()
}

func (c *AuthorChecker) checkIdentity(id registry.Identity) Decision {
	for _, rule := range c.rules {
		if rule.matches(id.Name) {
			return Block(BlockedByAuthor, fmt.Sprintf("author %q is blocked", id.Name))
		}
		if rule.matches(id.Email) {
			return Block(BlockedByAuthor, fmt.Sprintf("author email %q is blocked", id.Email))
		}
	}

	email := strings.ToLower(id.Email)
	if email == "" {
		return Allow()
	}

	for _, domain := range c.domains {
		if matchDomain(email, domain) {
			return Block(BlockedByAuthor, fmt.Sprintf("author email domain %q is blocked", domain))
		}
	}

	for _, region := range c.cfg.BlockedRegions {
		for _, domain := range c.regions[strings.ToLower(region)] {
			if matchDomain(email, strings.ToLower(domain)) {
				return Block(BlockedByAuthor,
					fmt.Sprintf("author email is associated with blocked region %q", region))
			}
		}
	}

	return Allow()
}

// matchDomain reports whether the email's domain part ends with or
// contains the rule domain.
func matchDomain(email, domain string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	host := email[at+1:]
	return strings.HasSuffix(host, domain) || strings.Contains(host, domain)
}
