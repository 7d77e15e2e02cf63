package registry

import (
	"testing"

	"github.com/cuongbtq/leakwatch/internal/config"
	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	r := New(nil)

	tests := []struct {
		name   string
		host   string
		want   string
		wantOK bool
	}{
		{name: "exact", host: "imgur.com", want: "imgur.com", wantOK: true},
		{name: "www prefix", host: "www.erome.com", want: "erome.com", wantOK: true},
		{name: "subdomain", host: "i.imgur.com", want: "imgur.com", wantOK: true},
		{name: "case", host: "ARCHIVE.ORG", want: "archive.org", wantOK: true},
		{name: "unknown", host: "example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			site, ok := r.Lookup(tt.host)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, site.Domain)
		})
	}
}

func TestNew_ConfiguredSites(t *testing.T) {
	r := New([]config.SiteConfig{
		{Domain: "www.leaks.example", Name: "Leaks", Type: "forum", Risk: "high", SuccessRate: 0.9, SearchTemplate: "https://leaks.example/s?q={query}"},
		{Domain: "imgur.com", Name: "Imgur", Risk: "low", SuccessRate: 7},
	})

	site, ok := r.Lookup("leaks.example")
	require.True(t, ok)
	assert.Equal(t, RiskHigh, site.Risk)

	site, ok = r.Lookup("imgur.com")
	require.True(t, ok)
	assert.Equal(t, RiskLow, site.Risk)
	assert.Equal(t, 0.5, site.SuccessRate)
}

func TestRecordOutcome(t *testing.T) {
	r := New([]config.SiteConfig{{Domain: "a.example", SuccessRate: 0.5}})

	r.RecordOutcome("a.example", true)
	site, _ := r.Lookup("a.example")
	assert.InDelta(t, 0.55, site.SuccessRate, 1e-9)

	r.RecordOutcome("cdn.a.example", false)
	site, _ = r.Lookup("a.example")
	assert.InDelta(t, 0.495, site.SuccessRate, 1e-9)

	// unknown hosts are ignored
	r.RecordOutcome("nowhere.example", true)
}

func TestProbeURLs(t *testing.T) {
	r := New(nil)
	profile := domain.ProfileData{Username: "jane doe", Aliases: []string{"janed", "jane doe"}}

	urls := r.ProbeURLs(profile, 5)
	require.Len(t, urls, 5)

	// coomer has the highest risk x success score
	assert.Equal(t, "https://coomer.su/search?q=jane+doe", urls[0].URL)
	assert.Equal(t, "https://coomer.su/search?q=janed", urls[1].URL)
	for _, u := range urls {
		assert.Equal(t, domain.SourceRegistry, u.Source)
		assert.NotEmpty(t, u.Platform)
	}

	all := r.ProbeURLs(profile, 0)
	withTemplate := 0
	for _, s := range r.Sites() {
		if s.SearchTemplate != "" {
			withTemplate++
		}
	}
	assert.Len(t, all, withTemplate*2)
}
