package vuln

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/rs/dnscache"
)

// DefaultOSVURL is the public OSV query endpoint.
const DefaultOSVURL = "https://api.osv.dev/v1/query"

// OSVClient queries the OSV database for npm advisories. Retries with
// exponential backoff; DNS lookups are cached to keep the per-version
// fan-out cheap. Close stops the background DNS refresh.
type OSVClient struct {
	url        string
	client     *http.Client
	maxRetries uint64
	closeOnce  sync.Once
	done       chan struct{}
}

// OSVOption configures an OSVClient.
type OSVOption func(*OSVClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) OSVOption {
	return func(o *OSVClient) {
		o.client = c
	}
}

// WithMaxRetries sets the maximum retry attempts per lookup.
func WithMaxRetries(n uint64) OSVOption {
	return func(o *OSVClient) {
		o.maxRetries = n
	}
}

// NewOSVClient creates an OSV client. An empty url uses the public
// endpoint.
func NewOSVClient(url string, opts ...OSVOption) *OSVClient {
	if url == "" {
		url = DefaultOSVURL
	}

	resolver := &dnscache.Resolver{}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	o := &OSVClient{
		url:  url,
		done: make(chan struct{}),
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					host, port, err := net.SplitHostPort(addr)
					if err != nil {
						return nil, err
					}
					ips, err := resolver.LookupHost(ctx, host)
					if err != nil {
						return nil, err
					}
					for _, ip := range ips {
						conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
						if err == nil {
							return conn, nil
						}
					}
					return nil, fmt.Errorf("failed to dial any resolved IP")
				},
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(o)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-o.done:
				return
			}
		}
	}()

	return o
}

// Close stops the background DNS refresh. Safe to call more than once.
func (o *OSVClient) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}

type osvQuery struct {
	Version string     `json:"version"`
	Package osvPackage `json:"package"`
}

type osvPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type osvResponse struct {
	Vulns []osvVuln `json:"vulns"`
}

type osvVuln struct {
	ID               string          `json:"id"`
	Summary          string          `json:"summary"`
	Details          string          `json:"details"`
	Published        string          `json:"published"`
	Affected         []osvAffected   `json:"affected"`
	DatabaseSpecific map[string]any  `json:"database_specific"`
	Severity         []osvSevEntry   `json:"severity"`
	Aliases          []string        `json:"aliases"`
	References       json.RawMessage `json:"references"`
}

type osvAffected struct {
	Versions         []string       `json:"versions"`
	DatabaseSpecific map[string]any `json:"database_specific"`
	Ranges           []osvRange     `json:"ranges"`
}

type osvRange struct {
	Type   string     `json:"type"`
	Events []osvEvent `json:"events"`
}

type osvEvent struct {
	Introduced string `json:"introduced"`
	Fixed      string `json:"fixed"`
}

type osvSevEntry struct {
	Type  string `json:"type"`
	Score string `json:"score"`
}

// Query looks up advisories for one npm package version.
func (o *OSVClient) Query(ctx context.Context, name, version string) (*Result, error) {
	body, err := json.Marshal(osvQuery{
		Version: version,
		Package: osvPackage{Name: name, Ecosystem: "npm"},
	})
	if err != nil {
		return nil, err
	}

	var resp osvResponse

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		httpResp, err := o.client.Do(req)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, httpResp.Body)
			return fmt.Errorf("osv returned status %d", httpResp.StatusCode)
		}
		if httpResp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, httpResp.Body)
			return backoff.Permanent(fmt.Errorf("osv returned status %d", httpResp.StatusCode))
		}

		resp = osvResponse{}
		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			return err
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 10 * time.Second

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, o.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	result := &Result{Advisories: make([]Advisory, 0, len(resp.Vulns))}
	for _, v := range resp.Vulns {
		result.Advisories = append(result.Advisories, v.toAdvisory())
	}
	result.IsVulnerable = len(result.Advisories) > 0
	return result, nil
}

// toAdvisory flattens an OSV record into the core advisory shape.
func (v osvVuln) toAdvisory() Advisory {
	adv := Advisory{
		ID:      v.ID,
		Summary: v.Summary,
		Source:  "osv.dev",
	}
	if adv.Summary == "" {
		adv.Summary = v.Details
	}
	if t, err := time.Parse(time.RFC3339, v.Published); err == nil {
		adv.PublishedAt = t
	}

	if raw, ok := v.DatabaseSpecific["severity"].(string); ok {
		adv.Severity = ParseSeverity(raw)
	}

	for _, a := range v.Affected {
		adv.AffectedVersions = append(adv.AffectedVersions, a.Versions...)
		if adv.Severity == "" {
			if raw, ok := a.DatabaseSpecific["severity"].(string); ok {
				adv.Severity = ParseSeverity(raw)
			}
		}
		for _, r := range a.Ranges {
			for _, e := range r.Events {
				if e.Fixed != "" {
					adv.FixedVersion = e.Fixed
				}
			}
		}
	}

	return adv
}
