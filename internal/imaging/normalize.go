package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// Normalizer rewrites arbitrary uploads into payloads the face provider
// accepts: opaque JPEG, bounded dimensions, bounded byte size.
type Normalizer struct {
	maxBytes     int
	maxDimension int
	minDimension int
	logger       *zap.Logger
}

// NewNormalizer constructs a Normalizer with the given bounds.
func NewNormalizer(maxBytes, maxDimension, minDimension int, logger *zap.Logger) *Normalizer {
	return &Normalizer{
		maxBytes:     maxBytes,
		maxDimension: maxDimension,
		minDimension: minDimension,
		logger:       logger.Named("imaging"),
	}
}

// Normalize never fails: on any internal error the original bytes are
// returned unchanged and the reason is logged. The provider gets to make
// the final call on a payload we could not improve.
func (n *Normalizer) Normalize(data []byte) []byte {
	out, err := n.normalize(data)
	if err != nil {
		n.logger.Warn("image normalization failed, forwarding original payload", zap.Error(err))
		return data
	}
	return out
}

func (n *Normalizer) normalize(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	// The provider rejects transparency, so everything is flattened onto
	// an opaque canvas before re-encoding.
	img = flatten(img)

	width := img.Bounds().Dx()
	height := img.Bounds().Dy()

	if longer(width, height) > n.maxDimension {
		width, height = fitWithin(width, height, n.maxDimension)
		img = resample(img, width, height)
	}

	if shorter(width, height) < n.minDimension {
		width, height = growToMinimum(width, height, n.minDimension)
		img = resample(img, width, height)
	}

	// Quality ladder: 90 down to 20 in steps of 5.
	for quality := 90; quality >= 20; quality -= 5 {
		encoded, err := encodeJPEG(img, quality)
		if err != nil {
			return nil, err
		}
		if len(encoded) <= n.maxBytes {
			return encoded, nil
		}
	}

	// Dimension ladder: shrink by 20% decrements at fixed quality 85,
	// floored at 30% of current size and at the minimum dimension.
	for scale := 0.8; scale > 0.3; scale -= 0.1 {
		scaledW := int(float64(width) * scale)
		scaledH := int(float64(height) * scale)
		if shorter(scaledW, scaledH) < n.minDimension {
			break
		}
		encoded, err := encodeJPEG(resample(img, scaledW, scaledH), 85)
		if err != nil {
			return nil, err
		}
		if len(encoded) <= n.maxBytes {
			return encoded, nil
		}
	}

	// Last resort: emit regardless of size rather than blocking the call.
	n.logger.Warn("image exceeds byte budget after full ladder, emitting at fixed quality",
		zap.Int("budget", n.maxBytes))
	return encodeJPEG(img, 70)
}

func flatten(img image.Image) image.Image {
	if _, ok := img.(*image.RGBA); ok {
		return img
	}
	bounds := img.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(flat, flat.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, bounds.Min, draw.Over)
	return flat
}

func resample(img image.Image, width, height int) image.Image {
	resized := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Over, nil)
	return resized
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func fitWithin(width, height, maxDimension int) (int, int) {
	if width > height {
		return maxDimension, scaleDim(height, maxDimension, width)
	}
	return scaleDim(width, maxDimension, height), maxDimension
}

func growToMinimum(width, height, minDimension int) (int, int) {
	if width < height {
		return minDimension, scaleDim(height, minDimension, width)
	}
	return scaleDim(width, minDimension, height), minDimension
}

func scaleDim(dim, target, reference int) int {
	scaled := int(float64(dim) * float64(target) / float64(reference))
	if scaled < 1 {
		return 1
	}
	return scaled
}

func longer(width, height int) int {
	if width > height {
		return width
	}
	return height
}

func shorter(width, height int) int {
	if width < height {
		return width
	}
	return height
}
