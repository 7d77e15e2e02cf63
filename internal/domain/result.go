package domain

import "time"

// DiscoverySource records where a candidate URL came from
type DiscoverySource string

const (
	SourceWebSearch   DiscoverySource = "web_search"
	SourceImageSearch DiscoverySource = "image_search"
	SourceScrape      DiscoverySource = "search_scrape"
	SourceRegistry    DiscoverySource = "registry"
	SourcePlatform    DiscoverySource = "platform"
	SourceUser        DiscoverySource = "user"
	SourcePage        DiscoverySource = "page"
)

// CandidateURL is a URL surfaced by discovery, not yet confirmed
type CandidateURL struct {
	URL         string          `json:"url"`
	Source      DiscoverySource `json:"source"`
	Platform    string          `json:"platform,omitempty"`
	Query       string          `json:"query,omitempty"`
	ContentHash string          `json:"content_hash,omitempty"`
}

// CrawlStatus is the outcome of a single fetch
type CrawlStatus string

const (
	CrawlStatusCompleted   CrawlStatus = "completed"
	CrawlStatusFailed      CrawlStatus = "failed"
	CrawlStatusRateLimited CrawlStatus = "rate_limited"
)

// MediaKind classifies a fetched body
type MediaKind string

const (
	MediaPage  MediaKind = "page"
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaOther MediaKind = "other"
)

// CrawlResult is the record of one fetch attempt within a job
type CrawlResult struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	URL         string          `json:"url"`
	Source      DiscoverySource `json:"source"`
	Platform    string          `json:"platform,omitempty"`
	ParentURL   string          `json:"parent_url,omitempty"`
	Status      CrawlStatus     `json:"status"`
	StatusCode  int             `json:"status_code,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	ContentHash string          `json:"content_hash,omitempty"`
	DuplicateOf string          `json:"duplicate_of,omitempty"`
	Media       MediaKind       `json:"media,omitempty"`
	ImageURLs   []string        `json:"image_urls,omitempty"`
	VideoURLs   []string        `json:"video_urls,omitempty"`
	Text        string          `json:"text,omitempty"`
	Metadata    CrawlMetadata   `json:"metadata"`
	Error       string          `json:"error,omitempty"`
	Transient   bool            `json:"-"`
	FetchedAt   time.Time       `json:"fetched_at"`
}

// CrawlMetadata holds extracted page facts
type CrawlMetadata struct {
	Title            string `json:"title,omitempty"`
	Description      string `json:"description,omitempty"`
	ImageCount       int    `json:"image_count"`
	VideoCount       int    `json:"video_count"`
	LinkCount        int    `json:"link_count"`
	UsernameMentions int    `json:"username_mentions"`
	Challenge        bool   `json:"challenge,omitempty"`
	Bytes            int    `json:"bytes"`
}

// FingerprintKind is the signature family of a fingerprint
type FingerprintKind string

const (
	FingerprintImagePHash  FingerprintKind = "image_phash"
	FingerprintImageDHash  FingerprintKind = "image_dhash"
	FingerprintVideoDHash  FingerprintKind = "video_dhash"
	FingerprintTextSimHash FingerprintKind = "text_simhash"
)

// FingerprintOrigin separates long-lived references from job-scoped artifacts
type FingerprintOrigin string

const (
	OriginReference FingerprintOrigin = "reference"
	OriginCrawled   FingerprintOrigin = "crawled"
)

// Fingerprint is a typed signature of a piece of content
type Fingerprint struct {
	ID          string            `json:"id"`
	Kind        FingerprintKind   `json:"kind"`
	Origin      FingerprintOrigin `json:"origin"`
	ProfileID   string            `json:"profile_id,omitempty"`
	JobID       string            `json:"job_id,omitempty"`
	SourceURL   string            `json:"source_url,omitempty"`
	ContentHash string            `json:"content_hash,omitempty"`
	Hash        uint64            `json:"hash"`
	Frames      []uint64          `json:"frames,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Confidence is the triage bucket of a match score
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// MatchCandidate pairs a crawled fingerprint with a reference fingerprint
type MatchCandidate struct {
	ID                     string          `json:"id"`
	JobID                  string          `json:"job_id"`
	ProfileID              string          `json:"profile_id"`
	URL                    string          `json:"url"`
	Platform               string          `json:"platform,omitempty"`
	CrawledFingerprintID   string          `json:"crawled_fingerprint_id"`
	ReferenceFingerprintID string          `json:"reference_fingerprint_id"`
	Kind                   FingerprintKind `json:"kind"`
	Score                  float64         `json:"score"`
	Confidence             Confidence      `json:"confidence"`
	CreatedAt              time.Time       `json:"created_at"`
}

// MatchQuery selects a page of matches for a job
type MatchQuery struct {
	JobID    string
	MinScore float64
	Limit    int
	Offset   int
}
