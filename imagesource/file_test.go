package imagesource

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestImage(t *testing.T, name string, w, h int) string {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{R: 220, G: 30, B: 40, A: 255})
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		if err := png.Encode(&buf, img); err != nil {
			t.Fatal(err)
		}
	default:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
			t.Fatal(err)
		}
	}

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func near(a, b uint8) bool {
	d := int(a) - int(b)
	return d > -12 && d < 12
}

func TestLoadFile(t *testing.T) {
	for _, name := range []string{"photo.jpg", "photo.jpeg", "photo.png", "PHOTO.JPG"} {
		t.Run(name, func(t *testing.T) {
			path := writeTestImage(t, name, 37, 21)

			buf, err := LoadFile(path)
			if err != nil {
				t.Fatalf("Unexpected error %s", err)
			}
			if buf.Width != 37 || buf.Height != 21 {
				t.Errorf("Expected 37x21, got %dx%d", buf.Width, buf.Height)
			}
			if err := buf.Validate(); err != nil {
				t.Error(err)
			}
			// Channel order must be RGB, not BGR
			r, g, b := buf.At(18, 10)
			if !near(r, 220) || !near(g, 30) || !near(b, 40) {
				t.Errorf("Expected ~(220,30,40), got (%d,%d,%d)", r, g, b)
			}
		})
	}
}

func TestLoadFileErrors(t *testing.T) {
	t.Run("unsupported extension", func(t *testing.T) {
		// The file does not exist; the extension check must happen first.
		_, err := LoadFile(filepath.Join(t.TempDir(), "anim.gif"))
		var ioe *IOError
		if !errors.As(err, &ioe) {
			t.Fatalf("Expected IOError, got %v", err)
		}
		if !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "missing.png"))
		var ioe *IOError
		if !errors.As(err, &ioe) {
			t.Fatalf("Expected IOError, got %v", err)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("Expected fs.ErrNotExist, got %v", err)
		}
	})

	t.Run("undecodable", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.jpg")
		if err := os.WriteFile(path, []byte("not really a jpeg"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := LoadFile(path)
		var ioe *IOError
		if !errors.As(err, &ioe) {
			t.Fatalf("Expected IOError, got %v", err)
		}
	})
}

func TestDecode(t *testing.T) {
	path := writeTestImage(t, "upload.png", 4, 3)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	buf, err := Decode("upload.png", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	if buf.Width != 4 || buf.Height != 3 {
		t.Errorf("Expected 4x3, got %dx%d", buf.Width, buf.Height)
	}

	if _, err := Decode("upload.bmp", bytes.NewReader(data)); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
}

// pngHeader returns a PNG signature and IHDR chunk claiming w x h RGB pixels,
// with no image data behind it.
func pngHeader(w, h uint32) []byte {
	var ihdr bytes.Buffer
	ihdr.WriteString("IHDR")
	binary.Write(&ihdr, binary.BigEndian, w)
	binary.Write(&ihdr, binary.BigEndian, h)
	ihdr.Write([]byte{8, 2, 0, 0, 0}) // 8 bit RGB, no interlace

	var out bytes.Buffer
	out.WriteString("\x89PNG\r\n\x1a\n")
	binary.Write(&out, binary.BigEndian, uint32(ihdr.Len()-4))
	out.Write(ihdr.Bytes())
	binary.Write(&out, binary.BigEndian, crc32.ChecksumIEEE(ihdr.Bytes()))
	return out.Bytes()
}

func TestDecodeTooLarge(t *testing.T) {
	t.Run("header", func(t *testing.T) {
		_, err := Decode("upload.png", bytes.NewReader(pngHeader(100_000, 100_000)))
		var ioe *IOError
		if !errors.As(err, &ioe) {
			t.Fatalf("Expected IOError, got %v", err)
		}
		if !errors.Is(err, ErrTooLarge) {
			t.Errorf("Expected ErrTooLarge, got %v", err)
		}
	})

	t.Run("limit", func(t *testing.T) {
		saved := MaxPixels
		MaxPixels = 100
		t.Cleanup(func() { MaxPixels = saved })

		if _, err := LoadFile(writeTestImage(t, "big.png", 20, 20)); !errors.Is(err, ErrTooLarge) {
			t.Errorf("Expected ErrTooLarge for 20x20, got %v", err)
		}
		if _, err := LoadFile(writeTestImage(t, "small.png", 10, 10)); err != nil {
			t.Errorf("Unexpected error for 10x10 %s", err)
		}
	})
}

func TestSaveJPEGOverwrites(t *testing.T) {
	src := writeTestImage(t, "src.png", 8, 6)
	buf, err := LoadFile(src)
	if err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "temp_capture.jpg")
	if err := os.WriteFile(dst, bytes.Repeat([]byte("x"), 1<<16), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := SaveJPEG(dst, buf); err != nil {
		t.Fatalf("Unexpected error %s", err)
	}

	back, err := LoadFile(dst)
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	if back.Width != 8 || back.Height != 6 {
		t.Errorf("Expected 8x6, got %dx%d", back.Width, back.Height)
	}
}
