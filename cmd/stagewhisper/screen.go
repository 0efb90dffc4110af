package main

import (
	"bytes"
	"context"
	"errors"
	"image/png"

	"github.com/kbinani/screenshot"
)

// captureScreen grabs the primary display and encodes it as PNG.
func captureScreen(ctx context.Context) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if screenshot.NumActiveDisplays() == 0 {
		return nil, errors.New("no active displays")
	}

	img, err := screenshot.CaptureDisplay(0)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
