package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cuongbtq/leakwatch/internal/config"
	"github.com/cuongbtq/leakwatch/internal/domain"
	"golang.org/x/time/rate"
)

// Provider is one search backend
type Provider interface {
	Name() string
	Source() domain.DiscoverySource
	// Search returns result URLs for query; ErrThrottled signals a 429
	Search(ctx context.Context, query string, n int) ([]string, error)
}

const (
	googleEndpoint = "https://www.googleapis.com/customsearch/v1"
	bingWebPath    = "https://api.bing.microsoft.com/v7.0/search"
	bingImagePath  = "https://api.bing.microsoft.com/v7.0/images/search"
)

// apiProvider is a JSON search API behind a minimum call interval
type apiProvider struct {
	name     string
	kind     string
	source   domain.DiscoverySource
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	build    func(endpoint, query string, n int) (*http.Request, error)
	decode   func(body []byte) ([]string, error)
}

// NewProvider builds a provider from its config entry
func NewProvider(cfg config.ProviderConfig, client *http.Client, interval time.Duration) (Provider, error) {
	p := &apiProvider{
		name:    cfg.Name,
		kind:    cfg.Kind,
		client:  client,
		limiter: newLimiter(interval),
		source:  domain.SourceWebSearch,
	}
	if cfg.Kind == "image" {
		p.source = domain.SourceImageSearch
	}

	switch cfg.Type {
	case "google":
		p.endpoint = firstNonEmpty(cfg.Endpoint, googleEndpoint)
		p.build = googleRequest(cfg.APIKey, cfg.EngineID, cfg.Kind == "image")
		p.decode = decodeGoogle
	case "bing":
		def := bingWebPath
		if cfg.Kind == "image" {
			def = bingImagePath
		}
		p.endpoint = firstNonEmpty(cfg.Endpoint, def)
		p.build = bingRequest(cfg.APIKey)
		p.decode = decodeBing
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	if p.name == "" {
		p.name = cfg.Type + "-" + firstNonEmpty(cfg.Kind, "web")
	}
	return p, nil
}

func (p *apiProvider) Name() string                   { return p.name }
func (p *apiProvider) Source() domain.DiscoverySource { return p.source }

func (p *apiProvider) Search(ctx context.Context, query string, n int) ([]string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := p.build(p.endpoint, query, n)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	body, err := do(ctx, p.client, req)
	if err != nil {
		return nil, err
	}
	return p.decode(body)
}

func googleRequest(key, engineID string, image bool) func(string, string, int) (*http.Request, error) {
	return func(endpoint, query string, n int) (*http.Request, error) {
		q := url.Values{}
		q.Set("key", key)
		q.Set("cx", engineID)
		q.Set("q", query)
		q.Set("num", strconv.Itoa(clamp(n, 1, 10)))
		if image {
			q.Set("searchType", "image")
		}
		return http.NewRequest(http.MethodGet, endpoint+"?"+q.Encode(), nil)
	}
}

func decodeGoogle(body []byte) ([]string, error) {
	var resp struct {
		Items []struct {
			Link string `json:"link"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	out := make([]string, 0, len(resp.Items))
	for _, it := range resp.Items {
		out = append(out, it.Link)
	}
	return out, nil
}

func bingRequest(key string) func(string, string, int) (*http.Request, error) {
	return func(endpoint, query string, n int) (*http.Request, error) {
		q := url.Values{}
		q.Set("q", query)
		q.Set("count", strconv.Itoa(clamp(n, 1, 50)))
		req, err := http.NewRequest(http.MethodGet, endpoint+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", key)
		return req, nil
	}
}

// decodeBing reads both the web (webPages.value[].url) and image
// (value[].contentUrl) response shapes
func decodeBing(body []byte) ([]string, error) {
	var resp struct {
		WebPages struct {
			Value []struct {
				URL string `json:"url"`
			} `json:"value"`
		} `json:"webPages"`
		Value []struct {
			ContentURL string `json:"contentUrl"`
			HostPage   string `json:"hostPageUrl"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	var out []string
	for _, v := range resp.WebPages.Value {
		out = append(out, v.URL)
	}
	for _, v := range resp.Value {
		out = append(out, firstNonEmpty(v.ContentURL, v.HostPage))
	}
	return out, nil
}

func do(ctx context.Context, client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to call provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.ErrThrottled
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

func newLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
