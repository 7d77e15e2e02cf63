package fingerprint

import (
	"sort"

	"github.com/corona10/goimagehash"
	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/mfonda/simhash"
)

// chanceDistance is the Hamming distance expected between unrelated 64-bit
// hashes; distances at or past it score zero
const chanceDistance = 32.0

const (
	highThreshold   = 0.8
	mediumThreshold = 0.6
)

// Bucket maps a score to its confidence bucket
func Bucket(score float64) domain.Confidence {
	switch {
	case score >= highThreshold:
		return domain.ConfidenceHigh
	case score >= mediumThreshold:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

// Similarity scores two fingerprints in [0,1]. ok is false when the kinds
// cannot be compared. The result depends only on the hashes and is symmetric.
func Similarity(a, b domain.Fingerprint) (float64, bool) {
	switch {
	case a.Kind == b.Kind && a.Kind == domain.FingerprintImagePHash:
		return scoreDistance(imageDistance(a.Hash, b.Hash, goimagehash.PHash)), true
	case a.Kind == b.Kind && a.Kind == domain.FingerprintImageDHash:
		return scoreDistance(imageDistance(a.Hash, b.Hash, goimagehash.DHash)), true
	case a.Kind == b.Kind && a.Kind == domain.FingerprintTextSimHash:
		return scoreDistance(int(simhash.Compare(a.Hash, b.Hash))), true
	case a.Kind == b.Kind && a.Kind == domain.FingerprintVideoDHash:
		return videoSimilarity(frames(a), frames(b)), true
	case a.Kind == domain.FingerprintImageDHash && b.Kind == domain.FingerprintVideoDHash:
		return bestFrame(a.Hash, frames(b)), true
	case a.Kind == domain.FingerprintVideoDHash && b.Kind == domain.FingerprintImageDHash:
		return bestFrame(b.Hash, frames(a)), true
	}
	return 0, false
}

func imageDistance(a, b uint64, kind goimagehash.Kind) int {
	d, err := goimagehash.NewImageHash(a, kind).Distance(goimagehash.NewImageHash(b, kind))
	if err != nil {
		return 64
	}
	return d
}

func scoreDistance(d int) float64 {
	s := 1 - float64(d)/chanceDistance
	if s < 0 {
		return 0
	}
	return s
}

func frames(f domain.Fingerprint) []uint64 {
	if len(f.Frames) > 0 {
		return f.Frames
	}
	return []uint64{f.Hash}
}

func bestFrame(h uint64, frames []uint64) float64 {
	best := 0.0
	for _, fr := range frames {
		if s := scoreDistance(imageDistance(h, fr, goimagehash.DHash)); s > best {
			best = s
		}
	}
	return best
}

// videoSimilarity averages, in both directions, each frame's best match in the other clip
func videoSimilarity(a, b []uint64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	return (meanBest(a, b) + meanBest(b, a)) / 2
}

func meanBest(from, to []uint64) float64 {
	sum := 0.0
	for _, h := range from {
		sum += bestFrame(h, to)
	}
	return sum / float64(len(from))
}

// Scored is a crawled/reference pair and its score
type Scored struct {
	Crawled    domain.Fingerprint
	Reference  domain.Fingerprint
	Score      float64
	Confidence domain.Confidence
}

// Match compares every crawled fingerprint against every reference and keeps,
// for each crawled artifact, the best scoring reference at or above minScore.
// Reference rows need no artifact identity. Output is ordered by score, then ids.
func Match(crawled, refs []domain.Fingerprint, minScore float64) []Scored {
	best := make(map[string]Scored)
	for _, c := range crawled {
		for _, r := range refs {
			score, ok := Similarity(c, r)
			if !ok || score < minScore {
				continue
			}
			key := artifactKey(c)
			if prev, exists := best[key]; exists && !better(score, c, r, prev) {
				continue
			}
			best[key] = Scored{Crawled: c, Reference: r, Score: score, Confidence: Bucket(score)}
		}
	}

	out := make([]Scored, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Crawled.ID != out[j].Crawled.ID {
			return out[i].Crawled.ID < out[j].Crawled.ID
		}
		return out[i].Reference.ID < out[j].Reference.ID
	})
	return out
}

// better breaks score ties by id so the kept pair does not depend on input order
func better(score float64, c, r domain.Fingerprint, prev Scored) bool {
	if score != prev.Score {
		return score > prev.Score
	}
	if c.ID != prev.Crawled.ID {
		return c.ID < prev.Crawled.ID
	}
	return r.ID < prev.Reference.ID
}

// artifactKey groups the hashes of one crawled artifact
func artifactKey(f domain.Fingerprint) string {
	if f.ContentHash != "" {
		return f.ContentHash
	}
	if f.SourceURL != "" {
		return f.SourceURL
	}
	return f.ID
}
