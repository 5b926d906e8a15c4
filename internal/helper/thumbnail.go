package helper

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

const (
	ThumbnailDimension  = 72
	MaxDecompressedSize = 50 * 1024 * 1024
)

// JPEGThumbnail renders a small JPEG preview of an image attachment, the way
// WhatsApp clients expect it next to the media key.
func JPEGThumbnail(data []byte, mimeType string) ([]byte, error) {
	img, err := decodeImage(data, mimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if err := ValidateDecompressedSize(img); err != nil {
		return nil, err
	}

	thumb := imaging.Fit(img, ThumbnailDimension, ThumbnailDimension, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 70}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// ValidateDecompressedSize prevents decompression bomb attacks
func ValidateDecompressedSize(img image.Image) error {
	b := img.Bounds()
	if int64(b.Dx())*int64(b.Dy())*4 > MaxDecompressedSize {
		return fmt.Errorf("image too large after decompression: %dx%d", b.Dx(), b.Dy())
	}
	return nil
}

func decodeImage(data []byte, mimeType string) (image.Image, error) {
	if strings.EqualFold(mimeType, "image/webp") {
		return webp.Decode(bytes.NewReader(data))
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}
