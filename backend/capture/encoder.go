package capture

import (
	"bytes"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

const (
	DefaultQuality = 40
	DefaultScale   = 1.0
)

// JPEGEncoder downscales and compresses frames. Quality and scale are the
// only backpressure knobs available to host, broker does no flow control.
type JPEGEncoder struct {
	Quality int
	Scale   float64
}

func (e JPEGEncoder) Encode(img image.Image) ([]byte, error) {
	quality := e.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	if e.Scale > 0 && e.Scale < 1 {
		img = scaleImage(img, e.Scale)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func scaleImage(src image.Image, factor float64) image.Image {
	srcBounds := src.Bounds()
	newW := max(1, int(float64(srcBounds.Dx())*factor))
	newH := max(1, int(float64(srcBounds.Dy())*factor))
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, srcBounds, draw.Over, nil)
	return dst
}
