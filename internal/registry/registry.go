// Package registry holds the catalog of known infringement-prone sites.
package registry

import (
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/cuongbtq/leakwatch/internal/config"
	"github.com/cuongbtq/leakwatch/internal/domain"
)

// SiteType classifies what a site hosts
type SiteType string

const (
	SiteImageHost SiteType = "image_host"
	SiteVideoHost SiteType = "video_host"
	SiteForum     SiteType = "forum"
	SiteFileHost  SiteType = "file_host"
	SiteArchive   SiteType = "archive"
	SiteAggregate SiteType = "aggregator"
)

// Risk is how likely a site is to carry leaked content
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

func (r Risk) weight() float64 {
	switch r {
	case RiskHigh:
		return 1.0
	case RiskMedium:
		return 0.6
	default:
		return 0.3
	}
}

// Site is one known domain
type Site struct {
	Domain      string   `json:"domain"`
	Name        string   `json:"name"`
	Type        SiteType `json:"type"`
	Risk        Risk     `json:"risk"`
	SuccessRate float64  `json:"success_rate"`
	// SearchTemplate is a URL with a {query} placeholder
	SearchTemplate string `json:"search_template,omitempty"`
}

// successAlpha is the weight of the newest outcome in the moving average
const successAlpha = 0.1

// Registry is safe for concurrent use
type Registry struct {
	mu    sync.RWMutex
	sites map[string]*Site
}

// DefaultSites is the built-in catalog
func DefaultSites() []Site {
	return []Site{
		{Domain: "imgur.com", Name: "Imgur", Type: SiteImageHost, Risk: RiskMedium, SuccessRate: 0.5, SearchTemplate: "https://imgur.com/search?q={query}"},
		{Domain: "archive.org", Name: "Internet Archive", Type: SiteArchive, Risk: RiskLow, SuccessRate: 0.3, SearchTemplate: "https://archive.org/search?query={query}"},
		{Domain: "erome.com", Name: "Erome", Type: SiteVideoHost, Risk: RiskHigh, SuccessRate: 0.6, SearchTemplate: "https://www.erome.com/search?q={query}"},
		{Domain: "thothub.to", Name: "Thothub", Type: SiteForum, Risk: RiskHigh, SuccessRate: 0.6, SearchTemplate: "https://thothub.to/search/{query}/"},
		{Domain: "coomer.su", Name: "Coomer", Type: SiteAggregate, Risk: RiskHigh, SuccessRate: 0.7, SearchTemplate: "https://coomer.su/search?q={query}"},
		{Domain: "simpcity.su", Name: "SimpCity", Type: SiteForum, Risk: RiskHigh, SuccessRate: 0.5, SearchTemplate: "https://simpcity.su/search/?q={query}"},
		{Domain: "bunkr.si", Name: "Bunkr", Type: SiteFileHost, Risk: RiskHigh, SuccessRate: 0.4},
		{Domain: "gofile.io", Name: "Gofile", Type: SiteFileHost, Risk: RiskMedium, SuccessRate: 0.3},
		{Domain: "pixeldrain.com", Name: "Pixeldrain", Type: SiteFileHost, Risk: RiskMedium, SuccessRate: 0.3},
		{Domain: "fapello.com", Name: "Fapello", Type: SiteAggregate, Risk: RiskHigh, SuccessRate: 0.6, SearchTemplate: "https://fapello.com/search/{query}/"},
	}
}

// New builds a registry from the built-in catalog plus configured overrides
func New(extra []config.SiteConfig) *Registry {
	r := &Registry{sites: make(map[string]*Site)}
	for _, s := range DefaultSites() {
		r.add(s)
	}
	for _, sc := range extra {
		r.add(Site{
			Domain:         sc.Domain,
			Name:           sc.Name,
			Type:           SiteType(sc.Type),
			Risk:           Risk(sc.Risk),
			SuccessRate:    sc.SuccessRate,
			SearchTemplate: sc.SearchTemplate,
		})
	}
	return r
}

func (r *Registry) add(s Site) {
	s.Domain = strings.ToLower(strings.TrimPrefix(s.Domain, "www."))
	if s.Domain == "" {
		return
	}
	if s.Risk == "" {
		s.Risk = RiskMedium
	}
	if s.SuccessRate < 0 || s.SuccessRate > 1 {
		s.SuccessRate = 0.5
	}
	r.sites[s.Domain] = &s
}

// Sites returns a snapshot sorted by domain
func (r *Registry) Sites() []Site {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Site, 0, len(r.sites))
	for _, s := range r.sites {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Lookup finds the site a host belongs to, matching subdomains
func (r *Registry) Lookup(host string) (Site, bool) {
	host = strings.ToLower(strings.TrimPrefix(host, "www."))

	r.mu.RLock()
	defer r.mu.RUnlock()

	for h := host; h != ""; {
		if s, ok := r.sites[h]; ok {
			return *s, true
		}
		i := strings.IndexByte(h, '.')
		if i < 0 {
			break
		}
		h = h[i+1:]
	}
	return Site{}, false
}

// RecordOutcome folds one fetch result into the site's success rate
func (r *Registry) RecordOutcome(host string, success bool) {
	site, ok := r.Lookup(host)
	if !ok {
		return
	}

	v := 0.0
	if success {
		v = 1.0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sites[site.Domain]; ok {
		s.SuccessRate = (1-successAlpha)*s.SuccessRate + successAlpha*v
	}
}

// ProbeURLs expands search templates for every name, ranking sites by risk
// times observed success rate, capped at limit
func (r *Registry) ProbeURLs(profile domain.ProfileData, limit int) []domain.CandidateURL {
	sites := r.Sites()
	sort.SliceStable(sites, func(i, j int) bool {
		return sites[i].Risk.weight()*sites[i].SuccessRate > sites[j].Risk.weight()*sites[j].SuccessRate
	})

	names := profile.Names()
	var out []domain.CandidateURL
	for _, s := range sites {
		if s.SearchTemplate == "" {
			continue
		}
		for _, name := range names {
			if limit > 0 && len(out) >= limit {
				return out
			}
			out = append(out, domain.CandidateURL{
				URL:      strings.ReplaceAll(s.SearchTemplate, "{query}", url.QueryEscape(name)),
				Source:   domain.SourceRegistry,
				Platform: s.Domain,
			})
		}
	}
	return out
}
