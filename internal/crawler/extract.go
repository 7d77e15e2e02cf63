package crawler

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

var whitespace = regexp.MustCompile(`\s+`)

var blockTag = regexp.MustCompile(`(?i)</?(div|p|br|li|td|tr|h[1-6])[^>]*>`)

// challengeMarkers identify captcha and bot-check interstitials
var challengeMarkers = []string{
	"g-recaptcha",
	"h-captcha",
	"cf-browser-verification",
	"challenge-platform",
	"checking your browser",
	"verify you are human",
	"attention required! | cloudflare",
}

var videoExt = map[string]bool{".mp4": true, ".webm": true, ".mov": true, ".m4v": true, ".mkv": true}

// Extraction is what a page yields
type Extraction struct {
	Title       string
	Description string
	ImageURLs   []string
	VideoURLs   []string
	LinkCount   int
	Text        string
	Challenge   bool
}

// Extract parses an HTML document fetched from pageURL. Media lists are
// resolved against the page, deduplicated and capped at maxMedia each; text
// is capped at maxText runes.
func Extract(body string, pageURL *url.URL, maxMedia, maxText int) (*Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, err
	}

	ex := &Extraction{
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Description: metaContent(doc, `meta[name="description"]`, `meta[property="og:description"]`),
		Challenge:   isChallenge(body),
	}
	if ex.Title == "" {
		ex.Title = metaContent(doc, `meta[property="og:title"]`)
	}

	images := newURLSet(pageURL, maxMedia)
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		images.add(s.AttrOr("src", ""))
		images.add(s.AttrOr("data-src", ""))
	})
	doc.Find(`meta[property="og:image"], meta[name="twitter:image"]`).Each(func(_ int, s *goquery.Selection) {
		images.add(s.AttrOr("content", ""))
	})
	doc.Find(`link[rel="image_src"]`).Each(func(_ int, s *goquery.Selection) {
		images.add(s.AttrOr("href", ""))
	})
	ex.ImageURLs = images.list

	videos := newURLSet(pageURL, maxMedia)
	doc.Find("video, video source").Each(func(_ int, s *goquery.Selection) {
		videos.add(s.AttrOr("src", ""))
	})
	doc.Find(`meta[property="og:video"], meta[property="og:video:url"], meta[property="og:video:secure_url"]`).Each(func(_ int, s *goquery.Selection) {
		videos.add(s.AttrOr("content", ""))
	})
	doc.Find("iframe[src]").Each(func(_ int, s *goquery.Selection) {
		src := s.AttrOr("src", "")
		if isVideoEmbed(src) {
			videos.add(src)
		}
	})
	ex.VideoURLs = videos.list

	ex.LinkCount = doc.Find("a[href]").Length()
	ex.Text = truncateRunes(mainText(body, pageURL, doc), maxText)

	return ex, nil
}

// mainText prefers the readable article body and falls back to all body text
func mainText(body string, pageURL *url.URL, doc *goquery.Document) string {
	article, err := readability.FromReader(strings.NewReader(body), pageURL)
	if err == nil && article.Content != "" {
		spaced := blockTag.ReplaceAllStringFunc(article.Content, func(tag string) string { return " " + tag + " " })
		if content, err := goquery.NewDocumentFromReader(strings.NewReader(spaced)); err == nil {
			if text := normalizeText(content.Text()); text != "" {
				return text
			}
		}
	}

	body = blockTag.ReplaceAllStringFunc(body, func(tag string) string { return " " + tag + " " })
	if spaced, err := goquery.NewDocumentFromReader(strings.NewReader(body)); err == nil {
		spaced.Find("script, style, noscript").Remove()
		return normalizeText(spaced.Find("body").Text())
	}
	return normalizeText(doc.Find("body").Text())
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v := strings.TrimSpace(doc.Find(sel).First().AttrOr("content", "")); v != "" {
			return v
		}
	}
	return ""
}

func isChallenge(body string) bool {
	lower := strings.ToLower(body)
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func isVideoEmbed(src string) bool {
	lower := strings.ToLower(src)
	for _, host := range []string{"youtube.com/embed", "player.vimeo.com", "streamable.com", "redgifs.com", "/embed/"} {
		if strings.Contains(lower, host) {
			return true
		}
	}
	return false
}

// IsDirectVideo reports whether a URL points at a video file rather than a player page
func IsDirectVideo(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return videoExt[strings.ToLower(path.Ext(u.Path))]
}

// CountMentions counts case-insensitive occurrences of each name in text
func CountMentions(text string, names []string) int {
	lower := strings.ToLower(text)
	total := 0
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		total += strings.Count(lower, n)
	}
	return total
}

func normalizeText(text string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

type urlSet struct {
	base  *url.URL
	limit int
	seen  map[string]struct{}
	list  []string
}

func newURLSet(base *url.URL, limit int) *urlSet {
	return &urlSet{base: base, limit: limit, seen: make(map[string]struct{})}
}

func (s *urlSet) add(ref string) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") {
		return
	}
	if s.limit > 0 && len(s.list) >= s.limit {
		return
	}

	u, err := s.base.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return
	}
	u.Fragment = ""
	abs := u.String()
	if _, ok := s.seen[abs]; ok {
		return
	}
	s.seen[abs] = struct{}{}
	s.list = append(s.list, abs)
}
