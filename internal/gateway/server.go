// Package gateway is the registry-facing interception layer: it parses
// inbound request paths, applies the fast path at ingress and the deep
// filter to metadata documents, and serves well-formed blocked
// responses instead of opaque transport errors.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Pirikara/registrygate/internal/audit"
	"github.com/Pirikara/registrygate/internal/logger"
	"github.com/Pirikara/registrygate/internal/policy"
	"github.com/Pirikara/registrygate/internal/registry"
)

// BlockResponse is the JSON body returned for hard-blocked requests.
type BlockResponse struct {
	Error     string `json:"error"`
	Package   string `json:"package"`
	Version   string `json:"version,omitempty"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// Config wires a gateway server.
type Config struct {
	Addr      string
	Upstream  string
	FastPath  *policy.FastPath
	Deep      *policy.Deep
	Validator *Validator
	Recorder  audit.Recorder
	Logger    *logger.Logger
}

// Engine bundles the evaluators built from one configuration
// snapshot. Reload swaps the whole bundle atomically so in-flight
// requests always see a consistent rule set.
type Engine struct {
	FastPath  *policy.FastPath
	Deep      *policy.Deep
	Validator *Validator
}

// Server proxies registry traffic through the policy evaluator.
type Server struct {
	addr     string
	upstream *url.URL
	engine   atomic.Pointer[Engine]
	rec      audit.Recorder
	log      *logger.Logger
	client   *http.Client
	httpSrv  *http.Server
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	rec := cfg.Recorder
	if rec == nil {
		rec = audit.Nop{}
	}
	s := &Server{
		addr:     cfg.Addr,
		upstream: upstream,
		rec:      rec,
		log:      cfg.Logger,
		client: &http.Client{
			Timeout: 5 * time.Minute,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	s.engine.Store(&Engine{FastPath: cfg.FastPath, Deep: cfg.Deep, Validator: cfg.Validator})
	return s, nil
}

// Reload atomically swaps in evaluators built from a new configuration.
func (s *Server) Reload(e *Engine) {
	s.engine.Store(e)
	if s.log != nil {
		s.log.Info("policy_reloaded", "Policy configuration reloaded", nil)
	}
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	if s.log != nil {
		s.log.Info("gateway_start", fmt.Sprintf("Gateway listening on %s", s.addr), nil)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	engine := s.engine.Load()

	parsed, err := registry.ParseRequestPath(r.URL.EscapedPath())
	if err != nil {
		// Not a package reference (search, ping, dist-tag APIs);
		// pass through untouched.
		s.forward(w, r)
		return
	}

	if r.Method == http.MethodPut {
		s.handlePublish(w, r, engine, parsed)
		return
	}

	decision := engine.FastPath.Evaluate(parsed.Name, parsed.Version)
	if s.log != nil {
		s.log.LogDecision(parsed.Name, parsed.Version, decision.Blocked,
			string(decision.BlockedBy), decision.Reason, requestID)
	}

	if decision.Blocked {
		s.rec.Record(audit.NewEvent(audit.KindBlock, parsed.Name, parsed.Version, decision.Reason))
		if parsed.Kind == registry.RequestMetadata {
			// The dual-layer design returns a synthesized metadata
			// document so client tooling can render the reason.
			doc := (&registry.Packument{ID: parsed.Name, Name: parsed.Name}).
				Blocked(decision.Reason, []string{string(decision.BlockedBy)})
			writeJSON(w, http.StatusOK, doc)
			return
		}
		writeJSON(w, http.StatusForbidden, BlockResponse{
			Error:     "package blocked",
			Package:   parsed.Name,
			Version:   parsed.Version,
			Reason:    decision.Reason,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	if parsed.Kind == registry.RequestMetadata {
		s.handleMetadata(w, r, engine, parsed, requestID)
		return
	}

	s.forward(w, r)
}

// handleMetadata fetches the upstream packument and serves the deep-
// filtered result.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request, engine *Engine, parsed *registry.ParsedPath, requestID string) {
	upstreamURL := s.upstream.JoinPath(url.PathEscape(parsed.Name)).String()

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstreamURL, nil)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if s.log != nil {
			s.log.Error("upstream_error", "Failed to fetch upstream metadata", map[string]interface{}{
				"package":    parsed.Name,
				"error":      err.Error(),
				"request_id": requestID,
			})
		}
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return
	}

	var pkg registry.Packument
	if err := json.NewDecoder(resp.Body).Decode(&pkg); err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	filtered := engine.Deep.FilterMetadata(r.Context(), &pkg)
	writeJSON(w, http.StatusOK, filtered)
}

// maxPublishBody caps how much of a publish request is buffered for
// validation. npm embeds the tarball base64 in the document, so the cap
// sits well above any accepted package size.
const maxPublishBody = 256 << 20

// publishManifest is the slice of the npm publish document the
// validator needs: the versions being published and their attachment
// sizes.
type publishManifest struct {
	Versions    map[string]json.RawMessage   `json:"versions"`
	Attachments map[string]publishAttachment `json:"_attachments"`
}

type publishAttachment struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
	Length      int64  `json:"length"`
}

// tarballSize resolves the attachment size for one published version,
// or -1 when the document does not carry it.
func (m *publishManifest) tarballSize(name, version string) int64 {
	short := name
	if idx := strings.Index(name, "/"); idx >= 0 {
		short = name[idx+1:]
	}
	att, ok := m.Attachments[fmt.Sprintf("%s-%s.tgz", short, version)]
	if !ok {
		return -1
	}
	if att.Length > 0 {
		return att.Length
	}
	if att.Data != "" {
		return int64(base64.StdEncoding.DecodedLen(len(att.Data)))
	}
	return -1
}

// handlePublish validates a publish request before letting it through.
// The published versions and tarball sizes live in the request body, so
// the body is buffered, judged per version, and replayed upstream on
// admit.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, engine *Engine, parsed *registry.ParsedPath) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	r.Body.Close()

	var manifest publishManifest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &manifest); err != nil {
			http.Error(w, "malformed publish document", http.StatusBadRequest)
			return
		}
	}

	versions := make([]string, 0, len(manifest.Versions))
	for id := range manifest.Versions {
		versions = append(versions, id)
	}
	sort.Strings(versions)
	if len(versions) == 0 && parsed.Version != "" {
		versions = append(versions, parsed.Version)
	}

	if len(versions) == 0 {
		// Version-less PUTs (deprecations, access changes) still get
		// the name judged.
		if err := engine.Validator.Validate(parsed.Name, "", -1); err != nil {
			s.rejectPublish(w, parsed.Name, "", err)
			return
		}
	}
	for _, id := range versions {
		if err := engine.Validator.Validate(parsed.Name, id, manifest.tarballSize(parsed.Name, id)); err != nil {
			s.rejectPublish(w, parsed.Name, id, err)
			return
		}
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	s.forward(w, r)
}

func (s *Server) rejectPublish(w http.ResponseWriter, name, version string, err error) {
	writeJSON(w, http.StatusForbidden, BlockResponse{
		Error:     "publish rejected",
		Package:   name,
		Version:   version,
		Reason:    err.Error(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// forward relays the request to the upstream registry unchanged.
func (s *Server) forward(w http.ResponseWriter, r *http.Request) {
	outURL := *s.upstream
	outURL.Path = singleJoin(s.upstream.Path, r.URL.Path)
	outURL.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), r.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := s.client.Do(req)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func copyHeader(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func singleJoin(a, b string) string {
	return strings.TrimSuffix(a, "/") + "/" + strings.TrimPrefix(b, "/")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
