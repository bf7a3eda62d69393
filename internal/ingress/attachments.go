package ingress

import (
	"bytes"
	"fmt"
	"image/jpeg"

	"github.com/disintegration/imaging"
)

// Downscale ladder tried in order until the encoded image fits the cap.
var shrinkWidths = []int{2048, 1600, 1280, 1024, 800, 640}

// ShrinkImage re-encodes an oversized image so it fits within maxBytes,
// downscaling progressively. Returns the encoded bytes and their mime type.
func ShrinkImage(data []byte, maxBytes int64) ([]byte, string, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	for _, width := range shrinkWidths {
		resized := img
		if img.Bounds().Dx() > width {
			resized = imaging.Resize(img, width, 0, imaging.Lanczos)
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85}); err != nil {
			return nil, "", fmt.Errorf("encode image: %w", err)
		}
		if int64(buf.Len()) <= maxBytes {
			return buf.Bytes(), "image/jpeg", nil
		}
	}
	return nil, "", fmt.Errorf("image exceeds %d bytes at minimum scale", maxBytes)
}
