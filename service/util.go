package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

func ReadLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(b), "\n")
	var labels []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			labels = append(labels, l)
		}
	}
	return labels, nil
}

// DecodeBase64 accepts a data URL ("data:image/png;base64,...") or bare base64.
func DecodeBase64(encoded string) ([]byte, error) {
	payload := strings.TrimSpace(encoded)
	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if !found {
			return nil, fmt.Errorf("%w: malformed data url", ErrDecode)
		}
		if !strings.HasSuffix(meta, ";base64") {
			return nil, fmt.Errorf("%w: data url is not base64", ErrDecode)
		}
		payload = data
	}
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// some clients strip the padding
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
	}
	return raw, nil
}

// DefaultMaxPixels caps width*height of an accepted image.
const DefaultMaxPixels = 40_000_000

// DecodeImage reads the header first so oversized images are rejected before
// the pixel buffer is allocated. maxPixels <= 0 means DefaultMaxPixels.
func DecodeImage(raw []byte, maxPixels int) (image.Image, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: image %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	return img, nil
}

// prepare image for model input: stretch to size x size, NHWC, values in [0,1]
func ToTensor(img image.Image, size int) []float32 {
	dst := imaging.Resize(img, size, size, imaging.Linear)

	out := make([]float32, size*size*Channels)
	i := 0
	for y := 0; y < size; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+4]
			out[i] = float32(px[0]) / 255.0
			out[i+1] = float32(px[1]) / 255.0
			out[i+2] = float32(px[2]) / 255.0
			i += Channels
		}
	}
	return out
}

// Preprocess turns an encoded image into the [1, size, size, 3] input tensor data.
func Preprocess(ctx context.Context, encoded string, size, maxPixels int) ([]float32, error) {
	raw, err := DecodeBase64(encoded)
	if err != nil {
		return nil, err
	}
	return PreprocessBytes(ctx, raw, size, maxPixels)
}

func PreprocessBytes(ctx context.Context, raw []byte, size, maxPixels int) ([]float32, error) {
	img, err := DecodeImage(raw, maxPixels)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ToTensor(img, size), nil
}
