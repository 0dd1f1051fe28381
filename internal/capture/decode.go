package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/your-org/faceid/internal/vision"
)

// decodeJPEGToBGR decodes a JPEG into a BGR frame. A zero-sized or
// undecodable image is reported as an error.
func decodeJPEGToBGR(data []byte) (*vision.Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("degenerate frame %dx%d", w, h)
	}

	frame := vision.NewFrame(w, h)

	switch src := img.(type) {
	case *image.YCbCr:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				yi := src.YOffset(bounds.Min.X+x, bounds.Min.Y+y)
				ci := src.COffset(bounds.Min.X+x, bounds.Min.Y+y)
				r, g, b := color.YCbCrToRGB(src.Y[yi], src.Cb[ci], src.Cr[ci])
				off := (y*w + x) * 3
				frame.Pix[off] = b
				frame.Pix[off+1] = g
				frame.Pix[off+2] = r
			}
		}
	case *image.Gray:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y
				off := (y*w + x) * 3
				frame.Pix[off] = v
				frame.Pix[off+1] = v
				frame.Pix[off+2] = v
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				off := (y*w + x) * 3
				frame.Pix[off] = byte(b >> 8)
				frame.Pix[off+1] = byte(g >> 8)
				frame.Pix[off+2] = byte(r >> 8)
			}
		}
	}

	return frame, nil
}
