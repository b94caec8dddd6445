package rules

import (
	"regexp"

	"github.com/Pirikara/registrygate/internal/logger"
)

// Pattern is a compiled name pattern. A pattern whose source failed to
// compile never matches; it does not abort rule loading.
type Pattern struct {
	Raw string
	re  *regexp.Regexp
}

// CompilePatterns compiles raw patterns, emitting a warning for each
// invalid one instead of failing.
func CompilePatterns(raws []string, log *logger.Logger) []Pattern {
	patterns := make([]Pattern, 0, len(raws))
	for _, raw := range raws {
		if raw == "" {
			continue
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			if log != nil {
				log.Warn("invalid_pattern", "Dropping unparseable name pattern", map[string]interface{}{
					"pattern": raw,
					"error":   err.Error(),
				})
			}
			patterns = append(patterns, Pattern{Raw: raw})
			continue
		}
		patterns = append(patterns, Pattern{Raw: raw, re: re})
	}
	return patterns
}

// Match reports whether the pattern matches the given name.
func (p Pattern) Match(name string) bool {
	if p.re == nil {
		return false
	}
	return p.re.MatchString(name)
}
