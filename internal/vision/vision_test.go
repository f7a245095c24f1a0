package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
)

func servePNG(t *testing.T, width, height int) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}))
	t.Cleanup(ts.Close)
	return ts
}

func decodeDataURL(t *testing.T, dataURL string) image.Image {
	t.Helper()
	const prefix = "data:image/jpeg;base64,"
	if !strings.HasPrefix(dataURL, prefix) {
		t.Fatalf("not a jpeg data url: %.40s", dataURL)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, prefix))
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode jpeg: %v", err)
	}
	return img
}

func TestPrepareDownscalesOversized(t *testing.T) {
	ts := servePNG(t, 800, 400)
	p := New(200)

	got := p.Prepare(context.Background(), []string{ts.URL})
	if len(got) != 1 {
		t.Fatalf("got %d urls, want 1", len(got))
	}

	img := decodeDataURL(t, got[0])
	bounds := img.Bounds()
	if bounds.Dx() != 200 || bounds.Dy() != 100 {
		t.Fatalf("got %dx%d, want 200x100", bounds.Dx(), bounds.Dy())
	}
}

func TestPrepareKeepsSmallImageDimensions(t *testing.T) {
	ts := servePNG(t, 64, 48)
	p := New(200)

	got := p.Prepare(context.Background(), []string{ts.URL})
	img := decodeDataURL(t, got[0])
	bounds := img.Bounds()
	if bounds.Dx() != 64 || bounds.Dy() != 48 {
		t.Fatalf("small image resized to %dx%d", bounds.Dx(), bounds.Dy())
	}
}

func TestPreparePassesThroughOnFetchFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	p := New(200)
	got := p.Prepare(context.Background(), []string{ts.URL})
	if len(got) != 1 || got[0] != ts.URL {
		t.Fatalf("failed fetch should pass the original url through, got %v", got)
	}
}

func TestPrepareDisabled(t *testing.T) {
	urls := []string{"https://example.com/a.png"}
	if got := New(0).Prepare(context.Background(), urls); len(got) != 1 || got[0] != urls[0] {
		t.Fatalf("disabled processor should be a pass-through, got %v", got)
	}
	var nilProc *Processor
	if got := nilProc.Prepare(context.Background(), urls); len(got) != 1 || got[0] != urls[0] {
		t.Fatalf("nil processor should be a pass-through, got %v", got)
	}
}
