package imagebuf

import (
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"github.com/disintegration/imaging"
)

// Buffer is a decoded RGB raster. Pixels are packed three bytes per pixel in
// row-major order with no padding, so the stride is always 3*Width.
//
// A Buffer has a single owner at any time. Whoever hands a Buffer to the next
// stage must not read or modify it afterwards.
type Buffer struct {
	Width  int
	Height int
	Pix    []uint8
}

// New returns a zeroed (black) buffer of the given dimensions.
func New(width, height int) *Buffer {
	return &Buffer{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, 3*width*height),
	}
}

// FromImage copies img into a new RGB buffer. Every source colour model is
// normalized to non-premultiplied 8-bit RGB and alpha is discarded.
func FromImage(img image.Image) *Buffer {
	src, ok := img.(*image.NRGBA)
	if !ok {
		// imaging has specialised paths for the decoders' image types
		src = imaging.Clone(img)
	}

	b := src.Bounds()
	buf := New(b.Dx(), b.Dy())
	for y := 0; y < buf.Height; y++ {
		row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < buf.Width; x++ {
			i := 3 * (y*buf.Width + x)
			copy(buf.Pix[i:i+3], row[4*x:4*x+3])
		}
	}
	return buf
}

// At returns the RGB triple at (x, y).
func (b *Buffer) At(x, y int) (r, g, bl uint8) {
	i := 3 * (y*b.Width + x)
	return b.Pix[i], b.Pix[i+1], b.Pix[i+2]
}

// Set writes the RGB triple at (x, y).
func (b *Buffer) Set(x, y int, r, g, bl uint8) {
	i := 3 * (y*b.Width + x)
	b.Pix[i] = r
	b.Pix[i+1] = g
	b.Pix[i+2] = bl
}

// Image returns an opaque image.RGBA copy of the buffer suitable for the
// standard encoders.
func (b *Buffer) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, b.Width, b.Height))
	for p := 0; p < b.Width*b.Height; p++ {
		img.Pix[4*p] = b.Pix[3*p]
		img.Pix[4*p+1] = b.Pix[3*p+1]
		img.Pix[4*p+2] = b.Pix[3*p+2]
		img.Pix[4*p+3] = 0xff
	}
	return img
}

// Validate reports whether the buffer is internally consistent.
func (b *Buffer) Validate() error {
	if b == nil {
		return fmt.Errorf("nil image buffer")
	}
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("invalid image dimensions %dx%d", b.Width, b.Height)
	}
	if len(b.Pix) != 3*b.Width*b.Height {
		return fmt.Errorf("pixel data is %d bytes, expected %d", len(b.Pix), 3*b.Width*b.Height)
	}
	return nil
}

// EncodeJPEG writes the buffer to w as a JPEG at the given quality.
func (b *Buffer) EncodeJPEG(w io.Writer, quality int) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return jpeg.Encode(w, b.Image(), &jpeg.Options{Quality: quality})
}
