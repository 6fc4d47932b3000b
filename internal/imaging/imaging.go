// Package imaging converts raw BGR24 frames to Go images and JPEG bytes,
// and renders the preview placeholder.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"vigil/internal/pipeline"
)

// ErrBadFrame indicates a packet whose byte length does not match its
// declared dimensions.
var ErrBadFrame = errors.New("frame data does not match dimensions")

// ToImage converts a BGR24 packet into an RGBA image.
func ToImage(p *pipeline.FramePacket) (*image.RGBA, error) {
	if p == nil || len(p.Data) != p.Width*p.Height*3 {
		return nil, ErrBadFrame
	}
	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	src := p.Data
	dst := img.Pix
	for i, j := 0, 0; i+2 < len(src); i, j = i+3, j+4 {
		dst[j] = src[i+2]   // R
		dst[j+1] = src[i+1] // G
		dst[j+2] = src[i]   // B
		dst[j+3] = 0xFF
	}
	return img, nil
}

// EncodeJPEG converts a packet to JPEG bytes at the given quality.
func EncodeJPEG(p *pipeline.FramePacket, quality int) ([]byte, error) {
	img, err := ToImage(p)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeImageJPEG encodes an already-converted image.
func EncodeImageJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Crop returns the part of img inside r, clamped to the image bounds.
func Crop(img *image.RGBA, r image.Rectangle) *image.RGBA {
	r = r.Intersect(img.Bounds())
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}

// ResizeLongestSide scales img so its longest side is at most maxSide,
// preserving aspect ratio. Images already small enough pass through.
func ResizeLongestSide(img *image.RGBA, maxSide int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxSide || longest == 0 {
		return img
	}
	scale := float64(maxSide) / float64(longest)
	nw, nh := int(float64(w)*scale), int(float64(h)*scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	out := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.ApproxBiLinear.Scale(out, out.Bounds(), img, b, xdraw.Over, nil)
	return out
}

// Placeholder renders a dark frame with a centred label, used by the MJPEG
// preview while a stream has not produced frames yet.
func Placeholder(width, height int, label string) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{24, 24, 28, 255}}, image.Point{}, draw.Src)

	face := basicfont.Face7x13
	textWidth := font.MeasureString(face, label).Ceil()
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{200, 200, 205, 255}),
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I((width - textWidth) / 2),
			Y: fixed.I(height / 2),
		},
	}
	d.DrawString(label)

	return EncodeImageJPEG(img, 80)
}
