// Package indexer implements the Newznab search client. Searches are best
// effort: any transport or parse failure yields an empty candidate list so
// the orchestrator can move on to the next indexer.
package indexer

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/time/rate"

	"github.com/mediahunt/mediahunt/internal/errors"
	"github.com/mediahunt/mediahunt/internal/metrics"
)

// Config describes one Newznab indexer. Preset is a free-form label for the
// indexer software the entry was templated from; it does not change behavior.
type Config struct {
	Name       string `yaml:"name" mapstructure:"name" json:"name"`
	Preset     string `yaml:"preset" mapstructure:"preset" json:"preset"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`
	APIPath    string `yaml:"api_path" mapstructure:"api_path" json:"api_path"`
	APIKey     string `yaml:"api_key" mapstructure:"api_key" json:"api_key"`
	Categories []int  `yaml:"categories" mapstructure:"categories" json:"categories"`
	Priority   int    `yaml:"priority" mapstructure:"priority" json:"priority"`
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	VerifySSL  bool   `yaml:"verify_ssl" mapstructure:"verify_ssl" json:"verify_ssl"`
}

const defaultAPIPath = "/api"

// endpoint joins the API path onto the base URL.
func (c Config) endpoint() string {
	path := c.APIPath
	if path == "" {
		path = defaultAPIPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(c.BaseURL, "/") + path
}

// Candidate is one search result.
type Candidate struct {
	Title           string `json:"title"`
	NZBURL          string `json:"nzb_url"`
	SizeBytes       int64  `json:"size_bytes"`
	Indexer         string `json:"indexer"`
	IndexerPriority int    `json:"indexer_priority"`
}

// SearchEvent is the per-request stats record.
type SearchEvent struct {
	Indexer   string        `json:"indexer"`
	Query     string        `json:"query"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Results   int           `json:"results"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventSink receives search events. Implementations must not block.
type EventSink func(SearchEvent)

const (
	searchLimit    = 10
	requestTimeout = 30 * time.Second
	// perHostRate paces requests so bursty missing-cycles do not trip
	// indexer rate limits.
	perHostRate = rate.Limit(2)
)

// Client performs Newznab searches with per-host pacing and bounded retries.
type Client struct {
	secureClient   *http.Client
	insecureClient *http.Client
	log            *slog.Logger
	sink           EventSink

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient builds a search client. sink may be nil.
func NewClient(sink EventSink) *Client {
	insecureTransport := http.DefaultTransport.(*http.Transport).Clone()
	insecureTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &Client{
		secureClient:   &http.Client{Timeout: requestTimeout},
		insecureClient: &http.Client{Timeout: requestTimeout, Transport: insecureTransport},
		log:            slog.Default().With("component", "indexer-client"),
		sink:           sink,
		limiters:       make(map[string]*rate.Limiter),
	}
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(perHostRate, 1)
		c.limiters[host] = lim
	}
	return lim
}

func (c *Client) httpClient(cfg Config) *http.Client {
	if cfg.VerifySSL {
		return c.secureClient
	}
	return c.insecureClient
}

func searchURL(cfg Config, query string, categories []int) string {
	cats := make([]string, 0, len(categories))
	for _, cat := range categories {
		cats = append(cats, strconv.Itoa(cat))
	}

	params := url.Values{}
	params.Set("t", "search")
	params.Set("apikey", cfg.APIKey)
	params.Set("q", query)
	if len(cats) > 0 {
		params.Set("cat", strings.Join(cats, ","))
	}
	params.Set("limit", strconv.Itoa(searchLimit))

	return cfg.endpoint() + "?" + params.Encode()
}

// Search queries one indexer. Failures are logged at debug level and return
// an empty list; the orchestrator tries other indexers.
func (c *Client) Search(ctx context.Context, cfg Config, query string, categories []int) []Candidate {
	start := time.Now()

	body, err := c.fetch(ctx, cfg, searchURL(cfg, query, categories))
	if err != nil {
		c.log.DebugContext(ctx, "indexer search failed",
			"indexer", cfg.Name, "query", query, "error", err)
		metrics.IndexerSearches.WithLabelValues(cfg.Name, "error").Inc()
		c.emit(cfg, query, start, false, 0)
		return nil
	}

	candidates, err := parseSearchResponse(body)
	if err != nil {
		c.log.DebugContext(ctx, "indexer response unparsable",
			"indexer", cfg.Name, "query", query, "error", err)
		metrics.IndexerSearches.WithLabelValues(cfg.Name, "error").Inc()
		c.emit(cfg, query, start, false, 0)
		return nil
	}

	for i := range candidates {
		candidates[i].Indexer = cfg.Name
		candidates[i].IndexerPriority = cfg.Priority
	}

	metrics.IndexerSearches.WithLabelValues(cfg.Name, "ok").Inc()
	c.emit(cfg, query, start, true, len(candidates))
	return candidates
}

func (c *Client) emit(cfg Config, query string, start time.Time, success bool, results int) {
	if c.sink == nil {
		return
	}
	c.sink(SearchEvent{
		Indexer:   cfg.Name,
		Query:     query,
		Latency:   time.Since(start),
		Success:   success,
		Results:   results,
		Timestamp: start.UTC(),
	})
}

// fetch performs the paced, retried GET and returns the body.
func (c *Client) fetch(ctx context.Context, cfg Config, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(errors.KindConfig, "indexer url", err)
	}
	if err := c.limiter(u.Host).Wait(ctx); err != nil {
		return nil, errors.Wrap(errors.KindTransient, "rate wait", err)
	}

	return retry.DoWithData(
		func() ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return nil, errors.Wrap(errors.KindConfig, "build request", err)
			}

			resp, err := c.httpClient(cfg).Do(req)
			if err != nil {
				return nil, errors.Wrap(errors.KindTransient, "indexer request", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return nil, errors.New(errors.KindTransient,
					fmt.Sprintf("indexer returned HTTP %d", resp.StatusCode))
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
			if err != nil {
				return nil, errors.Wrap(errors.KindTransient, "read response", err)
			}
			if len(strings.TrimSpace(string(body))) == 0 {
				return nil, errors.New(errors.KindParse, "empty response body")
			}
			return body, nil
		},
		retry.Attempts(2),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(errors.IsRetryable),
		retry.Context(ctx),
	)
}

// ValidateAPIKey runs a minimal search and checks the response for rejection
// markers.
func (c *Client) ValidateAPIKey(ctx context.Context, cfg Config) error {
	params := url.Values{}
	params.Set("t", "search")
	params.Set("apikey", cfg.APIKey)
	params.Set("q", "test")
	params.Set("limit", "1")
	rawURL := cfg.endpoint() + "?" + params.Encode()

	body, err := c.fetch(ctx, cfg, rawURL)
	if err != nil {
		return err
	}

	if reason, rejected := apiKeyRejection(body); rejected {
		return errors.New(errors.KindAuth, "api key rejected: "+reason)
	}
	if !hasSearchContent(body) {
		return errors.New(errors.KindParse, "indexer returned no usable content")
	}
	return nil
}
