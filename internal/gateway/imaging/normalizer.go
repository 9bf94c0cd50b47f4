// Package imaging bounds inbound images before they are attached to
// provider payloads. Normalization is best effort: anything that cannot be
// decoded or re-encoded passes through untouched.
package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

const (
	// MaxDimension bounds the longest side of a normalized image.
	MaxDimension = 1024
	jpegQuality  = 85
)

// Normalize re-encodes an image as JPEG with its longest side capped at
// MaxDimension. On any failure the original bytes come back unchanged.
func Normalize(data []byte) []byte {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > MaxDimension || h > MaxDimension {
		if w >= h {
			img = resize.Resize(MaxDimension, 0, img, resize.Lanczos3)
		} else {
			img = resize.Resize(0, MaxDimension, img, resize.Lanczos3)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return data
	}
	return buf.Bytes()
}

// DataURL renders normalized image bytes as the data-URL attachment the
// provider payload expects.
func DataURL(data []byte) string {
	mime := sniffMIME(data)
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
}

func sniffMIME(data []byte) string {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "image/jpeg"
	case len(data) >= 8 && bytes.Equal(data[:8], []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("GIF8")):
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
