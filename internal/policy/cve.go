package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Pirikara/registrygate/internal/config"
	"github.com/Pirikara/registrygate/internal/registry"
	"github.com/Pirikara/registrygate/internal/vuln"
)

// cveBatchSize bounds concurrent outbound lookups per evaluation so the
// version fan-out respects upstream rate limits.
const cveBatchSize = 10

// CVEChecker queries the vulnerability service for every version of a
// package and applies the configured severity floor and auto-block
// policy.
type CVEChecker struct {
	svc     vuln.Service
	cfg     config.CVEPolicy
	onError config.FailureMode
	batch   int
}

// NewCVEChecker creates a CVE checker. svc may be nil when the check is
// disabled.
func NewCVEChecker(svc vuln.Service, cfg config.CVEPolicy, onError config.FailureMode) *CVEChecker {
	return &CVEChecker{svc: svc, cfg: cfg, onError: onError, batch: cveBatchSize}
}

// CVEOutcome is the result of the CVE check across a version set.
type CVEOutcome struct {
	Decision Decision
	// Vulnerable maps version id to the advisories at or above the
	// severity floor.
	Vulnerable map[string][]vuln.Advisory
	// LookupErrors maps version id to the error text of its failed
	// lookup. Individual failures never abort sibling lookups.
	LookupErrors map[string]string
}

// Check looks up advisories for every version, in bounded-size batches
// awaited sequentially. Lookups within a batch run concurrently with
// all-settled semantics. A lookup failure blocks the entire evaluation
// only under fail-closed.
func (c *CVEChecker) Check(ctx context.Context, pkg *registry.Packument) CVEOutcome {
	out := CVEOutcome{
		Decision:     Allow(),
		Vulnerable:   make(map[string][]vuln.Advisory),
		LookupErrors: make(map[string]string),
	}
	if !c.cfg.Enabled || c.svc == nil || len(pkg.Versions) == 0 {
		return out
	}

	ids := make([]string, 0, len(pkg.Versions))
	for id := range pkg.Versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	minRank := vuln.ParseSeverity(c.cfg.MinSeverity).Rank()

	type lookup struct {
		id     string
		result *vuln.Result
		err    error
	}

	for start := 0; start < len(ids); start += c.batch {
		if ctx.Err() != nil {
			// The surrounding request was abandoned; remaining lookups
			// are discardable.
			for _, id := range ids[start:] {
				out.LookupErrors[id] = ctx.Err().Error()
			}
			break
		}

		end := start + c.batch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		results := make([]lookup, len(batch))
		var wg sync.WaitGroup
		for i, id := range batch {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						results[i] = lookup{id: id, err: fmt.Errorf("lookup panic: %v", r)}
					}
				}()
				res, err := c.svc.Query(ctx, pkg.Name, id)
				results[i] = lookup{id: id, result: res, err: err}
			}(i, id)
		}
		wg.Wait()

		for _, l := range results {
			if l.err != nil {
				out.LookupErrors[l.id] = l.err.Error()
				continue
			}
			var matched []vuln.Advisory
			for _, adv := range l.result.Advisories {
				if adv.Severity.Rank() >= minRank {
					matched = append(matched, adv)
				}
			}
			if len(matched) > 0 {
				out.Vulnerable[l.id] = matched
			}
		}
	}

	if len(out.LookupErrors) > 0 && c.onError == config.FailClosed {
		out.Decision = Block(BlockedByCVE,
			fmt.Sprintf("vulnerability lookup failed for %d version(s) and policy is fail-closed", len(out.LookupErrors)))
		return out
	}

	if c.cfg.AutoBlock && len(out.Vulnerable) > 0 {
		out.Decision = Block(BlockedByCVE,
			fmt.Sprintf("package %s has %d vulnerable version(s)", pkg.Name, len(out.Vulnerable)))
	}

	return out
}
