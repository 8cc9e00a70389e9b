// Package imagesource obtains images for captioning, either from a file on
// disk or as a single frame grabbed from a camera.
package imagesource

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chriskillpack/captioner/imagebuf"
)

// ErrUnsupportedFormat is wrapped by IOError when a file does not carry one of
// the accepted extensions.
var ErrUnsupportedFormat = errors.New("unsupported image format, expected .jpg, .jpeg or .png")

// ErrTooLarge is wrapped by IOError when an image has more than MaxPixels
// pixels. It is checked from the header, before any pixel data is decoded.
var ErrTooLarge = errors.New("image dimensions too large")

// MaxPixels bounds width*height of any image that is decoded.
var MaxPixels int64 = 40_000_000

// Extensions lists the accepted file extensions in lower case.
var Extensions = []string{".jpg", ".jpeg", ".png"}

// IOError reports a missing, unreadable or undecodable image.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("image %q: %s", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Supported reports whether name has an accepted image extension.
func Supported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// LoadFile reads and decodes the image at path. The extension is checked
// before the file is opened.
func LoadFile(path string) (*imagebuf.Buffer, error) {
	if !Supported(path) {
		return nil, &IOError{Path: path, Err: ErrUnsupportedFormat}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	defer f.Close()

	return decode(path, f)
}

// Decode decodes an image read from r. name is only used for the extension
// check and error messages, e.g. the filename of an upload.
func Decode(name string, r io.Reader) (*imagebuf.Buffer, error) {
	if !Supported(name) {
		return nil, &IOError{Path: name, Err: ErrUnsupportedFormat}
	}
	return decode(name, r)
}

func decode(name string, r io.Reader) (*imagebuf.Buffer, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &IOError{Path: name, Err: err}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &IOError{Path: name, Err: fmt.Errorf("decoding: %w", err)}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &IOError{Path: name, Err: fmt.Errorf("empty image %dx%d", cfg.Width, cfg.Height)}
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, &IOError{Path: name, Err: fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &IOError{Path: name, Err: fmt.Errorf("decoding: %w", err)}
	}
	return imagebuf.FromImage(img), nil
}

// SaveJPEG writes buf to path as a JPEG, replacing any existing file.
func SaveJPEG(path string, buf *imagebuf.Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return &IOError{Path: path, Err: err}
	}
	w := bufio.NewWriter(f)
	if err := buf.EncodeJPEG(w, 95); err != nil {
		f.Close()
		return &IOError{Path: path, Err: err}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return &IOError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &IOError{Path: path, Err: err}
	}
	return nil
}
