package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Pirikara/registrygate/internal/config"
	"github.com/Pirikara/registrygate/internal/policy"
	"github.com/Pirikara/registrygate/internal/registry"
	"github.com/Pirikara/registrygate/internal/rules"
)

func newTestServer(t *testing.T, cfg *config.Policy, upstream string) *Server {
	t.Helper()
	store := rules.NewStore(cfg, testLogger())
	srv, err := NewServer(Config{
		Addr:      "127.0.0.1:0",
		Upstream:  upstream,
		FastPath:  policy.NewFastPath(store, testLogger()),
		Deep:      policy.NewDeep(store, nil, cfg, nil, testLogger()),
		Validator: NewValidator(store, cfg.Publish, nil, testLogger()),
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

func upstreamPackument() *registry.Packument {
	return &registry.Packument{
		ID:       "lodash",
		Name:     "lodash",
		DistTags: map[string]string{"latest": "4.17.21"},
		Versions: map[string]*registry.VersionRecord{
			"4.17.15": {Version: "4.17.15", Dist: &registry.Dist{Tarball: "https://example.com/lodash-4.17.15.tgz"}},
			"4.17.21": {Version: "4.17.21", Dist: &registry.Dist{Tarball: "https://example.com/lodash-4.17.21.tgz"}},
		},
	}
}

func TestServerBlockedMetadataSynthesized(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("blocked request must not reach upstream")
	}))
	defer upstream.Close()

	srv := newTestServer(t, &config.Policy{
		BlockedPatterns: []string{"^hawk$"},
	}, upstream.URL)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hawk", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with a synthesized document", rec.Code)
	}
	var doc registry.Packument
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Security == nil || !doc.Security.Blocked {
		t.Errorf("security = %+v, want blocked annotation", doc.Security)
	}
	if len(doc.Versions) != 0 || len(doc.DistTags) != 0 {
		t.Error("synthesized document must have empty versions and dist-tags")
	}
}

func TestServerBlockedTarball403(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("blocked request must not reach upstream")
	}))
	defer upstream.Close()

	srv := newTestServer(t, &config.Policy{
		BlockedPackages: []string{"axios@0.21.1"},
	}, upstream.URL)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/axios/-/axios-0.21.1.tgz", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var body BlockResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Package != "axios" || body.Version != "0.21.1" || body.Reason == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestServerMetadataDeepFiltered(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(upstreamPackument())
	}))
	defer upstream.Close()

	srv := newTestServer(t, &config.Policy{
		VersionRules: []config.VersionRule{
			{Package: "lodash", Range: "<4.17.21", Strategy: "fallback", FallbackVersion: "4.17.21"},
		},
	}, upstream.URL)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lodash", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var doc registry.Packument
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	got := doc.Versions["4.17.15"]
	if got == nil || !got.IsFallback || got.FallbackSourceVersion != "4.17.21" {
		t.Errorf("4.17.15 = %+v, want fallback substitution", got)
	}
	if got != nil && got.Dist.Tarball != "https://example.com/lodash-4.17.21.tgz" {
		t.Errorf("tarball = %s, want the fallback's", got.Dist.Tarball)
	}
}

func TestServerUpstreamStatusPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"Not found"}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, &config.Policy{}, upstream.URL)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/no-such-pkg", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want upstream's 404", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want upstream's header relayed", ct)
	}
}

func TestServerNonPackagePathForwarded(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	srv := newTestServer(t, &config.Policy{BlockedPatterns: []string{".*"}}, upstream.URL)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ping", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want forwarded 200", rec.Code)
	}
	if gotPath != "/-/ping" {
		t.Errorf("upstream saw %q, want /-/ping", gotPath)
	}
}

// publishBody builds an npm publish document carrying the version in
// the versions map and the tarball size in _attachments, the way the
// npm client actually sends it.
func publishBody(t *testing.T, name, version string, tarballLen int64) *bytes.Reader {
	t.Helper()
	short := name
	if idx := strings.Index(name, "/"); idx >= 0 {
		short = name[idx+1:]
	}
	doc := map[string]interface{}{
		"_id":  name,
		"name": name,
		"versions": map[string]interface{}{
			version: map[string]interface{}{"name": name, "version": version},
		},
		"_attachments": map[string]interface{}{
			fmt.Sprintf("%s-%s.tgz", short, version): map[string]interface{}{
				"content_type": "application/octet-stream",
				"data":         "H4sIAAAAAAAA",
				"length":       tarballLen,
			},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(raw)
}

func TestServerPublishBlockedVersionInBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("rejected publish must not reach upstream")
	}))
	defer upstream.Close()

	srv := newTestServer(t, &config.Policy{
		BlockedPackages: []string{"event-stream@3.3.6"},
	}, upstream.URL)

	// No version hint anywhere outside the JSON document.
	req := httptest.NewRequest(http.MethodPut, "/event-stream", publishBody(t, "event-stream", "3.3.6", 2048))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var body BlockResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "publish rejected" || body.Version != "3.3.6" {
		t.Errorf("body = %+v", body)
	}
}

func TestServerPublishAttachmentSizeBound(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("oversized publish must not reach upstream")
	}))
	defer upstream.Close()

	cfg := &config.Policy{Publish: config.PublishConfig{MaxPackageSize: 1024}}
	srv := newTestServer(t, cfg, upstream.URL)

	req := httptest.NewRequest(http.MethodPut, "/big-pkg", publishBody(t, "big-pkg", "1.0.0", 4096))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for an oversized attachment", rec.Code)
	}
}

func TestServerPublishForwardedWithBody(t *testing.T) {
	var got []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	srv := newTestServer(t, &config.Policy{
		BlockedPackages: []string{"event-stream@3.3.6"},
	}, upstream.URL)

	body := publishBody(t, "my-pkg", "1.0.0", 2048)
	want, _ := io.ReadAll(body)
	body.Seek(0, io.SeekStart)

	req := httptest.NewRequest(http.MethodPut, "/my-pkg", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want the upstream's 201", rec.Code)
	}
	if !bytes.Equal(got, want) {
		t.Error("publish body was not replayed upstream intact")
	}
}

func TestServerPublishMalformedDocument(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("malformed publish must not reach upstream")
	}))
	defer upstream.Close()

	srv := newTestServer(t, &config.Policy{}, upstream.URL)

	req := httptest.NewRequest(http.MethodPut, "/my-pkg", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestServerReloadSwapsPolicy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(upstreamPackument())
	}))
	defer upstream.Close()

	srv := newTestServer(t, &config.Policy{}, upstream.URL)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lodash", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pre-reload status = %d, want 200", rec.Code)
	}

	blocked := &config.Policy{BlockedPatterns: []string{"^lodash$"}}
	store := rules.NewStore(blocked, testLogger())
	srv.Reload(&Engine{
		FastPath:  policy.NewFastPath(store, testLogger()),
		Deep:      policy.NewDeep(store, nil, blocked, nil, testLogger()),
		Validator: NewValidator(store, blocked.Publish, nil, testLogger()),
	})

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lodash", nil))
	var doc registry.Packument
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Security == nil || !doc.Security.Blocked {
		t.Error("reloaded policy should block lodash")
	}
}
