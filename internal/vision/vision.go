// Package vision prepares image attachments for the vision model pool.
// Oversized images are downscaled and re-encoded as data URLs so the
// estimator's flat per-image cost stays honest and providers with
// strict payload limits do not reject the request.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
)

const (
	fetchTimeout  = 15 * time.Second
	maxFetchBytes = 20 << 20
)

// Processor downscales remote images. Zero value is unusable; use New.
type Processor struct {
	maxDimension int
	client       *http.Client
}

// New creates a processor clamping images to maxDimension on their
// longest side. maxDimension <= 0 disables rescaling.
func New(maxDimension int) *Processor {
	return &Processor{
		maxDimension: maxDimension,
		client:       &http.Client{Timeout: fetchTimeout},
	}
}

// Prepare resolves each attachment URL to something safe to hand the
// vision pool. Images that fetch and decode get downscaled and inlined
// as data URLs; anything that fails passes through untouched so the
// backend can still try the original.
func (p *Processor) Prepare(ctx context.Context, urls []string) []string {
	if p == nil || p.maxDimension <= 0 || len(urls) == 0 {
		return urls
	}
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		prepared, err := p.prepareOne(ctx, url)
		if err != nil {
			slog.Debug("image preparation failed, passing original url", "url", url, "error", err)
			out = append(out, url)
			continue
		}
		out = append(out, prepared)
	}
	return out
}

func (p *Processor) prepareOne(ctx context.Context, url string) (string, error) {
	img, err := p.fetch(ctx, url)
	if err != nil {
		return "", err
	}

	bounds := img.Bounds()
	if bounds.Dx() > p.maxDimension || bounds.Dy() > p.maxDimension {
		img = imaging.Fit(img, p.maxDimension, p.maxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (p *Processor) fetch(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}

	img, err := imaging.Decode(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
