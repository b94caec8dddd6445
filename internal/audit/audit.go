// Package audit emits structured decision events. Persistence is
// external to the evaluator; the core only writes through the Recorder
// interface, fire-and-forget.
package audit

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	packageurl "github.com/package-url/packageurl-go"
)

// EventKind identifies the class of a decision event.
type EventKind string

const (
	KindBlock           EventKind = "block"
	KindFallback        EventKind = "fallback"
	KindPublishRejected EventKind = "publish_rejected"
	KindCVEDetected     EventKind = "cve_detected"
	KindLicenseBlocked  EventKind = "license_blocked"
	KindPackageTooNew   EventKind = "package_too_new"
	KindAuthorBlocked   EventKind = "author_blocked"
)

// Event is one discrete decision record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Kind      EventKind      `json:"event"`
	Package   string         `json:"package"`
	Version   string         `json:"version,omitempty"`
	PURL      string         `json:"purl,omitempty"`
	Reason    string         `json:"reason"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Recorder accepts decision events. Implementations must tolerate
// concurrent calls; callers never consume a return value.
type Recorder interface {
	Record(e Event)
}

// NewEvent builds an event with id, timestamp and purl filled in.
func NewEvent(kind EventKind, pkg, version, reason string) Event {
	return Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Package:   pkg,
		Version:   version,
		PURL:      PURL(pkg, version),
		Reason:    reason,
	}
}

// PURL renders the package reference as a Package URL string.
func PURL(name, version string) string {
	namespace := ""
	pkgName := name
	if strings.HasPrefix(name, "@") && strings.Contains(name, "/") {
		parts := strings.SplitN(name, "/", 2)
		namespace = parts[0]
		pkgName = parts[1]
	}
	p := packageurl.NewPackageURL("npm", namespace, pkgName, version, nil, "")
	return p.ToString()
}

// JSONLRecorder appends events as JSON lines.
type JSONLRecorder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLRecorder creates a recorder writing to w.
func NewJSONLRecorder(w io.Writer) *JSONLRecorder {
	return &JSONLRecorder{w: w}
}

// Record writes the event. Write errors are swallowed: decision
// recording must never affect the evaluation outcome.
func (r *JSONLRecorder) Record(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.PURL == "" && e.Package != "" {
		e.PURL = PURL(e.Package, e.Version)
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.w.Write(raw)
	r.w.Write([]byte("\n"))
}

// Nop is a Recorder that discards everything.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(Event) {}
