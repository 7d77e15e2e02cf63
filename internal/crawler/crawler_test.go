package crawler

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/cuongbtq/leakwatch/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
	return nil
}

// spyLimiter records the clock time of every granted reservation
type spyLimiter struct {
	inner  *LocalRateLimiter
	mu     sync.Mutex
	grants map[string][]time.Time
}

func (s *spyLimiter) Reserve(ctx context.Context, key string, cooldown time.Duration) (bool, time.Time, error) {
	ok, at, err := s.inner.Reserve(ctx, key, cooldown)
	if ok {
		s.mu.Lock()
		s.grants[key] = append(s.grants[key], at)
		s.mu.Unlock()
	}
	return ok, at, err
}

func testOptions() Options {
	return Options{
		MaxURLs:         100,
		Concurrency:     4,
		PerHostParallel: 4,
		FetchTimeout:    2 * time.Second,
		MaxBodyBytes:    1 << 20,
		MaxMediaBytes:   1 << 20,
		MaxTextLength:   1000,
		MaxMediaPerPage: 8,
		MaxMediaPerJob:  50,
		UserAgent:       "leakwatch-test",
	}
}

func newTestCrawler(opts Options, limiter RateLimiter) (*Crawler, *fakeClock) {
	clock := newFakeClock()
	c := New(Config{
		Limiter: limiter,
		Visited: NewLocalVisited(clock.Now, time.Hour),
		Options: opts,
		Logger:  logger.Discard(),
	})
	c.now = clock.Now
	c.sleep = clock.Sleep
	return c, clock
}

type collector struct {
	mu      sync.Mutex
	results []domain.CrawlResult
	bodies  map[string][]byte
}

func (c *collector) add(res domain.CrawlResult, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, res)
	if body != nil {
		if c.bodies == nil {
			c.bodies = make(map[string][]byte)
		}
		c.bodies[res.URL] = body
	}
}

func (c *collector) byURL() map[string]domain.CrawlResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]domain.CrawlResult, len(c.results))
	for _, r := range c.results {
		out[r.URL] = r
	}
	return out
}

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, color.RGBA{R: shade, G: uint8(x * 16), B: uint8(y * 16), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func candidates(urls ...string) []domain.CandidateURL {
	out := make([]domain.CandidateURL, len(urls))
	for i, u := range urls {
		out[i] = domain.CandidateURL{URL: u, Source: domain.SourceWebSearch}
	}
	return out
}

func TestCrawl_PageExtractionAndMedia(t *testing.T) {
	img := pngBytes(t, 10)
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Jane's gallery</title>
			<meta name="description" content="all of it">
			<meta property="og:image" content="/img/b.png"></head>
			<body><p>Posted by JaneDoe. More janedoe content here.</p>
			<img src="/img/a.png"><img data-src="/img/a.png#dup">
			<video src="/v/clip.mp4"></video>
			<iframe src="https://player.vimeo.com/video/1"></iframe>
			<a href="/x">x</a><a href="/y">y</a></body></html>`)
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(img)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _ := newTestCrawler(testOptions(), nil)
	var col collector
	stats := c.Crawl(context.Background(), Request{
		JobID:      "job-1",
		Scope:      "job-1:0",
		Candidates: candidates(srv.URL + "/page"),
		Names:      []string{"janedoe"},
		OnResult:   col.add,
	})

	results := col.byURL()
	require.Len(t, results, 3)
	assert.Equal(t, 3, stats.Fetched)
	assert.Equal(t, 1, stats.Duplicates)

	page := results[srv.URL+"/page"]
	assert.Equal(t, domain.CrawlStatusCompleted, page.Status)
	assert.Equal(t, domain.MediaPage, page.Media)
	assert.Equal(t, "Jane's gallery", page.Metadata.Title)
	assert.Equal(t, "all of it", page.Metadata.Description)
	assert.Equal(t, []string{srv.URL + "/img/a.png", srv.URL + "/img/b.png"}, page.ImageURLs)
	assert.Equal(t, []string{srv.URL + "/v/clip.mp4", "https://player.vimeo.com/video/1"}, page.VideoURLs)
	assert.Equal(t, 2, page.Metadata.LinkCount)
	assert.Equal(t, 2, page.Metadata.UsernameMentions)
	assert.Contains(t, page.Text, "Posted by JaneDoe")
	assert.NotEmpty(t, page.ContentHash)

	a := results[srv.URL+"/img/a.png"]
	b := results[srv.URL+"/img/b.png"]
	assert.Equal(t, domain.MediaImage, a.Media)
	assert.Equal(t, srv.URL+"/page", a.ParentURL)
	assert.Equal(t, domain.SourcePage, a.Source)
	assert.Equal(t, a.ContentHash, b.ContentHash)

	// identical bytes: exactly one of the two is marked as the duplicate
	dups := 0
	for _, r := range []domain.CrawlResult{a, b} {
		if r.DuplicateOf != "" {
			dups++
		}
	}
	assert.Equal(t, 1, dups)
	assert.Equal(t, img, col.bodies[srv.URL+"/img/a.png"])
}

func TestCrawl_DedupWithinJob(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "hello")
	}))
	defer srv.Close()

	c, _ := newTestCrawler(testOptions(), nil)
	var col collector
	req := Request{
		JobID:      "job-2",
		Scope:      "job-2:0",
		Candidates: candidates(srv.URL+"/a", srv.URL+"/a#frag", srv.URL+"/b", srv.URL+"/a"),
		OnResult:   col.add,
	}
	c.Crawl(context.Background(), req)

	// a second crawl in the same scope fetches nothing
	stats := c.Crawl(context.Background(), req)
	assert.Equal(t, 2, stats.Skipped)

	urls := make([]string, 0, len(col.results))
	for _, r := range col.results {
		urls = append(urls, r.URL)
	}
	sort.Strings(urls)
	assert.Equal(t, []string{srv.URL + "/a", srv.URL + "/b"}, urls)
	assert.Equal(t, 1, hits["/a"])
}

func TestCrawl_SkipCompletedFromEarlierAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	c, _ := newTestCrawler(testOptions(), nil)
	var col collector
	stats := c.Crawl(context.Background(), Request{
		Scope:      "job:1",
		Candidates: candidates(srv.URL+"/done", srv.URL+"/todo"),
		Skip:       map[string]bool{srv.URL + "/done": true},
		OnResult:   col.add,
	})

	assert.Equal(t, 1, stats.Fetched)
	assert.Equal(t, 1, stats.Skipped)
	require.Len(t, col.results, 1)
	assert.Equal(t, srv.URL+"/todo", col.results[0].URL)
}

func TestCrawl_Failures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) })
	mux.HandleFunc("/busy", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTooManyRequests) })
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/captcha", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><div class="g-recaptcha"></div></body></html>`)
	})
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>fine</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	opts := testOptions()
	opts.FetchTimeout = 100 * time.Millisecond
	c, _ := newTestCrawler(opts, nil)

	var col collector
	stats := c.Crawl(context.Background(), Request{
		Scope:      "job-3:0",
		Candidates: candidates(srv.URL+"/missing", srv.URL+"/broken", srv.URL+"/busy", srv.URL+"/slow", srv.URL+"/captcha", srv.URL+"/ok"),
		OnResult:   col.add,
	})

	results := col.byURL()
	require.Len(t, results, 6)

	tests := []struct {
		path      string
		status    domain.CrawlStatus
		transient bool
	}{
		{path: "/missing", status: domain.CrawlStatusFailed},
		{path: "/broken", status: domain.CrawlStatusFailed, transient: true},
		{path: "/busy", status: domain.CrawlStatusRateLimited},
		{path: "/slow", status: domain.CrawlStatusFailed, transient: true},
		{path: "/captcha", status: domain.CrawlStatusFailed},
		{path: "/ok", status: domain.CrawlStatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r := results[srv.URL+tt.path]
			assert.Equal(t, tt.status, r.Status)
			assert.Equal(t, tt.transient, r.Transient)
			if tt.status != domain.CrawlStatusCompleted {
				assert.NotEmpty(t, r.Error)
			}
		})
	}

	assert.True(t, results[srv.URL+"/captcha"].Metadata.Challenge)
	assert.Equal(t, 1, stats.Fetched)
	assert.Equal(t, 4, stats.Failed)
	assert.Equal(t, 1, stats.RateLimited)
}

func TestCrawl_DomainCooldownSpacing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, r.URL.Path)
	}))
	defer srv.Close()

	clock := newFakeClock()
	spy := &spyLimiter{inner: NewLocalRateLimiter(clock.Now), grants: map[string][]time.Time{}}

	opts := testOptions()
	opts.PerHostParallel = 3
	opts.DomainCooldown = time.Second
	opts.MaxCooldownWait = 10 * time.Second

	c := New(Config{Limiter: spy, Visited: NewLocalVisited(clock.Now, 0), Options: opts, Logger: logger.Discard()})
	c.now = clock.Now
	c.sleep = clock.Sleep

	var urls []string
	for i := 0; i < 8; i++ {
		urls = append(urls, fmt.Sprintf("%s/p%d", srv.URL, i))
	}
	stats := c.Crawl(context.Background(), Request{Scope: "job-4:0", Candidates: candidates(urls...)})

	assert.Equal(t, 8, stats.Fetched+stats.RateLimited)
	grants := spy.grants[DomainKey(srv.URL)]
	assert.Len(t, grants, stats.Fetched)

	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	for i := 1; i < len(grants); i++ {
		assert.GreaterOrEqual(t, grants[i].Sub(grants[i-1]), time.Second)
	}
}

func TestCrawl_CooldownBeyondMaxWaitIsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "x")
	}))
	defer srv.Close()

	opts := testOptions()
	opts.PerHostParallel = 1
	opts.DomainCooldown = time.Hour
	opts.MaxCooldownWait = time.Second
	clock := newFakeClock()
	c := New(Config{Limiter: NewLocalRateLimiter(clock.Now), Options: opts, Logger: logger.Discard()})
	c.now = clock.Now
	c.sleep = clock.Sleep

	stats := c.Crawl(context.Background(), Request{Scope: "s", Candidates: candidates(srv.URL+"/1", srv.URL+"/2", srv.URL+"/3")})
	assert.Equal(t, 1, stats.Fetched)
	assert.Equal(t, 2, stats.RateLimited)
}

func TestCrawl_StoppedStartsNoFetches(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	c, _ := newTestCrawler(testOptions(), nil)
	stats := c.Crawl(context.Background(), Request{
		Scope:      "s",
		Candidates: candidates(srv.URL+"/1", srv.URL+"/2"),
		Stopped:    func() bool { return true },
	})

	assert.Equal(t, Stats{}, stats)
	assert.Equal(t, 0, hits)
}

func TestCrawl_RespectsRobots(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "ok")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	opts := testOptions()
	opts.RespectRobots = true
	c, _ := newTestCrawler(opts, nil)

	var col collector
	c.Crawl(context.Background(), Request{
		Scope:      "s",
		Candidates: candidates(srv.URL+"/private/a", srv.URL+"/public"),
		OnResult:   col.add,
	})

	results := col.byURL()
	assert.Equal(t, domain.CrawlStatusFailed, results[srv.URL+"/private/a"].Status)
	assert.Contains(t, results[srv.URL+"/private/a"].Error, "robots")
	assert.Equal(t, domain.CrawlStatusCompleted, results[srv.URL+"/public"].Status)
}

func TestCrawl_MaxURLs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
	}))
	defer srv.Close()

	opts := testOptions()
	opts.MaxURLs = 2
	c, _ := newTestCrawler(opts, nil)
	stats := c.Crawl(context.Background(), Request{Scope: "s", Candidates: candidates(srv.URL+"/1", srv.URL+"/2", srv.URL+"/3")})
	assert.Equal(t, 2, stats.Fetched)
}

func TestCrawl_SlowHostDoesNotStallOthers(t *testing.T) {
	const delay = 150 * time.Millisecond
	var (
		mu       sync.Mutex
		slowDone int
		seenDone = -1
	)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "slow")
		mu.Lock()
		slowDone++
		mu.Unlock()
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seenDone = slowDone
		mu.Unlock()
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "fast")
	}))
	defer fast.Close()

	opts := testOptions()
	opts.Concurrency = 4
	opts.PerHostParallel = 1
	c, _ := newTestCrawler(opts, nil)

	var urls []string
	for i := 0; i < 6; i++ {
		urls = append(urls, fmt.Sprintf("%s/%d", slow.URL, i))
	}
	urls = append(urls, fast.URL+"/page")

	var col collector
	stats := c.Crawl(context.Background(), Request{Scope: "s", Candidates: candidates(urls...), OnResult: col.add})

	assert.Equal(t, 7, stats.Fetched)
	mu.Lock()
	defer mu.Unlock()
	// the fast host is served while the slow host still has its first fetch in flight
	assert.GreaterOrEqual(t, seenDone, 0)
	assert.LessOrEqual(t, seenDone, 1)
}

func TestCrawl_FanOutBound(t *testing.T) {
	var (
		mu             sync.Mutex
		inFlight, peak int
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		w.Header().Set("Content-Type", "text/plain")
	})

	var urls []string
	for i := 0; i < 5; i++ {
		srv := httptest.NewServer(handler)
		defer srv.Close()
		urls = append(urls, srv.URL+"/a", srv.URL+"/b")
	}

	opts := testOptions()
	opts.Concurrency = 2
	opts.PerHostParallel = 2
	c, _ := newTestCrawler(opts, nil)
	stats := c.Crawl(context.Background(), Request{Scope: "s", Candidates: candidates(urls...)})

	assert.Equal(t, 10, stats.Fetched)
	assert.LessOrEqual(t, peak, 2)
}
