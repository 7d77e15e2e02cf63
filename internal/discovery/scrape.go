package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cuongbtq/leakwatch/internal/domain"
	"golang.org/x/time/rate"
)

// ScrapeProvider parses a public HTML results page (DuckDuckGo's html endpoint)
type ScrapeProvider struct {
	endpoint  string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
}

// NewScrapeProvider builds the fallback scraper
func NewScrapeProvider(endpoint, userAgent string, client *http.Client, interval time.Duration) *ScrapeProvider {
	return &ScrapeProvider{
		endpoint:  endpoint,
		userAgent: userAgent,
		client:    client,
		limiter:   newLimiter(interval),
	}
}

func (s *ScrapeProvider) Name() string                   { return "html-fallback" }
func (s *ScrapeProvider) Source() domain.DiscoverySource { return domain.SourceScrape }

func (s *ScrapeProvider) Search(ctx context.Context, query string, n int) ([]string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("q", query)
	req, err := http.NewRequest(http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	body, err := do(ctx, s.client, req)
	if err != nil {
		return nil, err
	}
	return parseResultsPage(body, n)
}

func parseResultsPage(body []byte, n int) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse results page: %w", err)
	}

	var out []string
	doc.Find("a.result__a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, ok := a.Attr("href")
		if !ok {
			return true
		}
		if target := resultTarget(href); target != "" {
			out = append(out, target)
		}
		return n <= 0 || len(out) < n
	})
	return out, nil
}

// resultTarget unwraps redirect links of the form /l/?uddg=<escaped url>
func resultTarget(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return u.String()
	}
	return ""
}
