package crawler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/net/html/charset"
)

var imageExt = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true}

// classify decides the media kind from the content type, falling back to the
// URL extension for generic binary types
func classify(contentType, rawURL string) domain.MediaKind {
	mt, _, _ := mime.ParseMediaType(contentType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return domain.MediaImage
	case strings.HasPrefix(mt, "video/"):
		return domain.MediaVideo
	case mt == "text/html", mt == "application/xhtml+xml", mt == "text/plain":
		return domain.MediaPage
	}

	if mt == "" || mt == "application/octet-stream" || mt == "binary/octet-stream" {
		if u, err := url.Parse(rawURL); err == nil {
			ext := strings.ToLower(path.Ext(u.Path))
			switch {
			case imageExt[ext]:
				return domain.MediaImage
			case videoExt[ext]:
				return domain.MediaVideo
			}
		}
	}
	return domain.MediaOther
}

// fetch performs one GET and turns the response into a CrawlResult. The raw
// body is returned for direct media so it can be fingerprinted.
func (c *Crawler) fetch(ctx context.Context, t target, names []string) (domain.CrawlResult, []byte) {
	result := domain.CrawlResult{
		ID:        uuid.NewString(),
		URL:       t.url,
		Source:    t.source,
		Platform:  t.platform,
		ParentURL: t.parent,
		FetchedAt: c.now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return failResult(result, fmt.Errorf("failed to build request: %w", err), false), nil
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,image/*,video/*;q=0.9,*/*;q=0.8")

	resp, err := c.client.Do(req)
	if err != nil {
		return failResult(result, fmt.Errorf("failed to fetch: %w", err), isTransient(err)), nil
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.ContentType = resp.Header.Get("Content-Type")

	if resp.StatusCode == http.StatusTooManyRequests {
		result.Status = domain.CrawlStatusRateLimited
		result.Error = domain.ErrRateLimited.Error()
		return result, nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return failResult(result, fmt.Errorf("unexpected status %d", resp.StatusCode), resp.StatusCode >= http.StatusInternalServerError), nil
	}

	result.Media = classify(result.ContentType, t.url)
	limit := c.opts.MaxBodyBytes
	if result.Media == domain.MediaImage || result.Media == domain.MediaVideo {
		limit = c.opts.MaxMediaBytes
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return failResult(result, fmt.Errorf("failed to read body: %w", err), isTransient(err)), nil
	}
	if int64(len(raw)) > limit {
		if result.Media != domain.MediaPage {
			return failResult(result, fmt.Errorf("body exceeds %d bytes", limit), false), nil
		}
		raw = raw[:limit]
	}

	sum := sha256.Sum256(raw)
	result.ContentHash = hex.EncodeToString(sum[:])
	result.Metadata.Bytes = len(raw)

	switch result.Media {
	case domain.MediaImage, domain.MediaVideo:
		result.Status = domain.CrawlStatusCompleted
		return result, raw
	case domain.MediaPage:
		return c.parsePage(result, raw, resp.Header.Get("Content-Type"), names), nil
	default:
		result.Status = domain.CrawlStatusCompleted
		return result, nil
	}
}

func (c *Crawler) parsePage(result domain.CrawlResult, raw []byte, contentType string, names []string) domain.CrawlResult {
	var body []byte
	reader, err := charset.NewReader(bytes.NewReader(raw), contentType)
	if err == nil {
		body, err = io.ReadAll(reader)
	}
	if err != nil {
		body = raw
	}

	pageURL, _ := url.Parse(result.URL)
	ex, err := Extract(string(body), pageURL, c.opts.MaxMediaPerPage, c.opts.MaxTextLength)
	if err != nil {
		return failResult(result, fmt.Errorf("failed to parse html: %w", err), false)
	}

	result.Metadata.Title = ex.Title
	result.Metadata.Description = ex.Description
	result.Metadata.ImageCount = len(ex.ImageURLs)
	result.Metadata.VideoCount = len(ex.VideoURLs)
	result.Metadata.LinkCount = ex.LinkCount
	result.ImageURLs = ex.ImageURLs
	result.VideoURLs = ex.VideoURLs
	result.Text = ex.Text
	result.Metadata.UsernameMentions = CountMentions(ex.Text, names)

	if ex.Challenge {
		result.Metadata.Challenge = true
		return failResult(result, errors.New("captcha or bot check interstitial"), false)
	}

	result.Status = domain.CrawlStatusCompleted
	return result
}

func failResult(result domain.CrawlResult, err error, transient bool) domain.CrawlResult {
	result.Status = domain.CrawlStatusFailed
	result.Error = err.Error()
	result.Transient = transient
	return result
}

// isTransient reports timeouts and connection-level failures
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
