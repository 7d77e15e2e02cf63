// Package fingerprint converts crawled media and text into comparable
// signatures and scores them against a profile's references.
package fingerprint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/corona10/goimagehash"
	"github.com/cuongbtq/leakwatch/internal/config"
	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/google/uuid"
	"github.com/mfonda/simhash"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrVideoUnsupported is returned when no ffmpeg binary is configured
var ErrVideoUnsupported = errors.New("video fingerprinting not configured")

// Engine fingerprints crawl results
type Engine struct {
	minTextLength int
	video         *VideoHasher
	logger        *slog.Logger
	now           func() time.Time
}

// NewEngine builds an engine; video hashing is enabled when FFmpegPath is set
func NewEngine(cfg config.MatchingConfig, logger *slog.Logger) *Engine {
	e := &Engine{
		minTextLength: cfg.MinTextLength,
		logger:        logger,
		now:           time.Now,
	}
	if cfg.FFmpegPath != "" {
		e.video = NewVideoHasher(cfg.FFmpegPath, cfg.VideoFrames, cfg.VideoTimeout)
	}
	return e
}

// ImageHashes returns the pHash and dHash of an encoded image
func ImageHashes(data []byte) (phash, dhash uint64, err error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image: %w", err)
	}
	return hashImage(img)
}

func hashImage(img image.Image) (uint64, uint64, error) {
	p, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute perception hash: %w", err)
	}
	d, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute difference hash: %w", err)
	}
	return p.GetHash(), d.GetHash(), nil
}

// TextHash returns the simhash of text
func TextHash(text string) uint64 {
	return simhash.Simhash(simhash.NewWordFeatureSet([]byte(text)))
}

// Fingerprint derives the fingerprints of one completed crawl result. Pages
// yield a text signature when their text is long enough; direct media yields
// image or video hashes from body.
func (e *Engine) Fingerprint(ctx context.Context, res domain.CrawlResult, body []byte) ([]domain.Fingerprint, error) {
	if res.Status != domain.CrawlStatusCompleted {
		return nil, nil
	}

	base := domain.Fingerprint{
		Origin:      domain.OriginCrawled,
		JobID:       res.JobID,
		SourceURL:   res.URL,
		ContentHash: res.ContentHash,
		CreatedAt:   e.now().UTC(),
	}

	switch res.Media {
	case domain.MediaImage:
		p, d, err := ImageHashes(body)
		if err != nil {
			return nil, err
		}
		return []domain.Fingerprint{
			e.with(base, domain.FingerprintImagePHash, p, nil),
			e.with(base, domain.FingerprintImageDHash, d, nil),
		}, nil

	case domain.MediaVideo:
		if e.video == nil {
			return nil, ErrVideoUnsupported
		}
		frames, err := e.video.Frames(ctx, body)
		if err != nil {
			return nil, err
		}
		return []domain.Fingerprint{e.with(base, domain.FingerprintVideoDHash, frames[0], frames)}, nil

	case domain.MediaPage:
		if utf8.RuneCountInString(res.Text) < e.minTextLength {
			return nil, nil
		}
		return []domain.Fingerprint{e.with(base, domain.FingerprintTextSimHash, TextHash(res.Text), nil)}, nil
	}
	return nil, nil
}

func (e *Engine) with(base domain.Fingerprint, kind domain.FingerprintKind, hash uint64, frames []uint64) domain.Fingerprint {
	base.ID = uuid.NewString()
	base.Kind = kind
	base.Hash = hash
	base.Frames = frames
	return base
}
