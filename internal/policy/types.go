// Package policy implements the two-stage policy evaluator: a fast path
// usable before package metadata is available, and a deep evaluator
// over full metadata documents.
package policy

// BlockedBy identifies which check produced a blocking decision.
type BlockedBy string

const (
	BlockedByPattern   BlockedBy = "pattern"
	BlockedByScope     BlockedBy = "scope"
	BlockedByVersion   BlockedBy = "version"
	BlockedByRange     BlockedBy = "range"
	BlockedByWhitelist BlockedBy = "whitelist"
	BlockedByCVE       BlockedBy = "cve"
	BlockedByLicense   BlockedBy = "license"
	BlockedByAge       BlockedBy = "age"
	BlockedByAuthor    BlockedBy = "author"
	BlockedByError     BlockedBy = "error"
)

// Decision is the result of a single policy check. A non-blocking
// decision carries no semantic weight beyond "this check did not
// object".
type Decision struct {
	Blocked   bool
	Reason    string
	BlockedBy BlockedBy
}

// Allow is the non-objecting decision.
func Allow() Decision {
	return Decision{}
}

// Block builds a blocking decision.
func Block(by BlockedBy, reason string) Decision {
	return Decision{Blocked: true, Reason: reason, BlockedBy: by}
}
