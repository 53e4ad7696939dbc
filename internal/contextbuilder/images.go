package contextbuilder

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
)

// Image processing limits.
const (
	maxImageDimension = 1024
	maxImageBytes     = 200 << 10
	minJPEGQuality    = 30
	startJPEGQuality  = 85
)

// ProcessImage loads a local image file, resizes it to the maximum
// dimension, and recompresses as JPEG until the payload fits the size cap
// or quality bottoms out. The result is a data URI suitable for an
// image_url content part.
//
// When decoding fails (unsupported format), the raw bytes pass through
// unprocessed unless they exceed three times the cap, in which case the
// image is dropped with an error.
func ProcessImage(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		if len(raw) > 3*maxImageBytes {
			return "", fmt.Errorf("image %s is %d bytes and cannot be recompressed", path, len(raw))
		}
		return dataURI("application/octet-stream", raw), nil
	}

	img = resizeToFit(img, maxImageDimension)

	quality := startJPEGQuality
	var buf bytes.Buffer
	for {
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", fmt.Errorf("encode image: %w", err)
		}
		if buf.Len() <= maxImageBytes || quality <= minJPEGQuality {
			break
		}
		quality -= 10
		if quality < minJPEGQuality {
			quality = minJPEGQuality
		}
	}
	return dataURI("image/jpeg", buf.Bytes()), nil
}

// resizeToFit scales the image down so neither dimension exceeds max.
// Images already within bounds pass through untouched.
func resizeToFit(img image.Image, max int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= max && h <= max {
		return img
	}
	var nw, nh int
	if w >= h {
		nw = max
		nh = h * max / w
	} else {
		nh = max
		nw = w * max / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func dataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
