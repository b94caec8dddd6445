package registry

import (
	"sort"

	"github.com/Masterminds/semver/v3"
)

// FallbackSpec names the version whose payload replaces a blocked one.
type FallbackSpec struct {
	Source string
	Reason string
}

// FallbackApplied records one substitution performed by the rewriter.
type FallbackApplied struct {
	Original string `json:"original"`
	Fallback string `json:"fallback"`
}

// FilterOutcome is the result of applying block/fallback decisions to a
// version map. Versions never contains an id absent from the input
// except via fallback substitution, which preserves the requested id.
type FilterOutcome struct {
	Versions        map[string]*VersionRecord
	BlockedVersions []string
	Fallbacks       []FallbackApplied
}

// Rewrite produces the new version map for a package given the ids to
// remove and the fallback substitutions to apply. A fallback whose
// source version is absent from the map degrades to a removal; blocked
// versions are never silently passed through.
func Rewrite(versions map[string]*VersionRecord, removed map[string]string, fallbacks map[string]FallbackSpec) *FilterOutcome {
	out := &FilterOutcome{
		Versions: make(map[string]*VersionRecord, len(versions)),
	}

	ids := make([]string, 0, len(versions))
	for id := range versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := versions[id]

		if fb, ok := fallbacks[id]; ok {
			src, present := versions[fb.Source]
			if !present {
				out.BlockedVersions = append(out.BlockedVersions, id)
				continue
			}
			clone := *src
			if src.Dist != nil {
				dist := *src.Dist
				clone.Dist = &dist
			}
			clone.Version = id
			clone.IsFallback = true
			clone.FallbackSourceVersion = fb.Source
			clone.FallbackReason = fb.Reason
			out.Versions[id] = &clone
			out.Fallbacks = append(out.Fallbacks, FallbackApplied{Original: id, Fallback: fb.Source})
			continue
		}

		if _, ok := removed[id]; ok {
			out.BlockedVersions = append(out.BlockedVersions, id)
			continue
		}

		out.Versions[id] = rec
	}

	return out
}

// RederiveDistTags corrects a dist-tag map after versions were removed
// or substituted: tags whose target survives are kept, tags whose
// target was removed are redirected to the highest remaining
// semver-valid version, or dropped when no version remains.
func RederiveDistTags(tags map[string]string, versions map[string]*VersionRecord) map[string]string {
	out := make(map[string]string, len(tags))
	highest := highestVersion(versions)

	for tag, target := range tags {
		if _, ok := versions[target]; ok {
			out[tag] = target
			continue
		}
		if highest != "" {
			out[tag] = highest
		}
	}

	return out
}

// highestVersion returns the highest semver-valid key in the map, or ""
// when none parses.
func highestVersion(versions map[string]*VersionRecord) string {
	var best *semver.Version
	var bestID string
	for id := range versions {
		v, err := semver.NewVersion(id)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			bestID = id
		}
	}
	return bestID
}
