package detect

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// DecodeFrame decodes an encoded drone frame. JPEG is what drones send; PNG is
// accepted for test clients.
func DecodeFrame(payload []byte) (image.Image, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	img, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}
