package discovery

import (
	"strings"

	"github.com/cuongbtq/leakwatch/internal/domain"
)

// DefaultPlatformTerms qualifies queries when a job names no platforms
var DefaultPlatformTerms = []string{"onlyfans", "fansly", "patreon"}

// Query is one search phrase and the platform it targets, if any
type Query struct {
	Text     string
	Platform string
}

// BuildQueries derives at most limit distinct queries from a profile. Exact
// username and username+leaked come first, then platform-qualified variants,
// aliases and keyword combinations.
func BuildQueries(p domain.ProfileData, platforms, terms []string, limit int) []Query {
	username := strings.TrimSpace(p.Username)
	if username == "" || limit <= 0 {
		return nil
	}
	if len(platforms) == 0 {
		platforms = terms
	}
	if len(platforms) == 0 {
		platforms = DefaultPlatformTerms
	}

	var out []Query
	seen := make(map[string]bool)
	add := func(text, platform string) {
		text = strings.Join(strings.Fields(text), " ")
		key := strings.ToLower(text)
		if text == "" || seen[key] || len(out) >= limit {
			return
		}
		seen[key] = true
		out = append(out, Query{Text: text, Platform: platform})
	}

	exact := quote(username)
	if exact == "" {
		return nil
	}
	add(exact, "")
	add(exact+" leaked", "")

	for _, platform := range platforms {
		platform = strings.ToLower(strings.TrimSpace(platform))
		if platform == "" {
			continue
		}
		add(exact+" "+platform+" leak", platform)
	}

	for _, alias := range p.Aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" || strings.EqualFold(alias, username) || quote(alias) == "" {
			continue
		}
		add(quote(alias)+" leaked", "")
	}

	for _, keyword := range p.Keywords {
		if strings.TrimSpace(keyword) == "" {
			continue
		}
		add(exact+" "+keyword, "")
	}

	return out
}

// quote wraps s as an exact phrase; embedded quotes are dropped
func quote(s string) string {
	s = strings.Join(strings.Fields(strings.ReplaceAll(s, `"`, " ")), " ")
	if s == "" {
		return ""
	}
	return `"` + s + `"`
}
