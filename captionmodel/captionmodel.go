package captionmodel

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"strings"
	"sync"
	"unicode"

	"github.com/chriskillpack/captioner/imagebuf"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

// Model captions an image using a specific vision-language model.
type Model interface {
	// Name returns the name of the backend, e.g. "llama" or "ollama"
	Name() string

	// Caption returns a short English caption for img. In conditional mode
	// the caption continues the mode's prompt and starts with it. The call
	// blocks for the duration of inference and never retries. Failures are
	// returned as *ModelError.
	Caption(ctx context.Context, img *imagebuf.Buffer, mode Mode) (string, error)

	// IsHealthy returns whether the model server is healthy.
	IsHealthy() bool
}

// Mode selects conditional (prompted) or unconditional captioning.
type Mode struct {
	prompt      string
	conditional bool
}

// Conditional returns a mode where generation continues prompt.
func Conditional(prompt string) Mode {
	return Mode{prompt: prompt, conditional: true}
}

// Unconditional returns a mode where generation relies on the image alone.
func Unconditional() Mode { return Mode{} }

// Prompt returns the prompt and whether the mode is conditional.
func (m Mode) Prompt() (string, bool) { return m.prompt, m.conditional }

func (m Mode) String() string {
	if m.conditional {
		return fmt.Sprintf("conditional(%q)", m.prompt)
	}
	return "unconditional"
}

// Request is a single captioning job.
type Request struct {
	ID    uuid.UUID
	Image *imagebuf.Buffer
	Mode  Mode
}

// Result is the outcome of a Request.
type Result struct {
	RequestID uuid.UUID
	Text      string
	Mode      Mode
}

// ModelError is returned for any inference failure.
type ModelError struct {
	Backend string
	Err     error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s model: %s", e.Backend, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// EncodeForUpload downsizes img so its longest side is at most maxSide
// (0 disables resizing) and returns it JPEG encoded.
func EncodeForUpload(img *imagebuf.Buffer, maxSide int) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}

	src := img.Image()
	out := bytes.NewBuffer(make([]byte, 0, 3*img.Width*img.Height/10))
	if maxSide > 0 && (img.Width > maxSide || img.Height > maxSide) {
		err := jpeg.Encode(out, imaging.Fit(src, maxSide, maxSide, imaging.Lanczos), &jpeg.Options{Quality: 90})
		return out.Bytes(), err
	}
	err := jpeg.Encode(out, src, &jpeg.Options{Quality: 90})
	return out.Bytes(), err
}

// InstructionFor returns the text instruction sent to chat-style models for
// the given mode.
func InstructionFor(mode Mode) string {
	prompt, ok := mode.Prompt()
	if !ok {
		return "Write a one sentence caption for this image. Reply with the caption only."
	}
	return fmt.Sprintf("Write a one sentence caption for this image that begins with the exact words %q. Reply with the caption only.", strings.TrimSpace(prompt))
}

// Finish tidies raw model output into a single line of printable UTF-8 and,
// in conditional mode, makes sure the caption starts with the prompt. Empty
// output stays empty.
func Finish(text string, mode Mode) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.Map(func(r rune) rune {
		if !unicode.IsPrint(r) {
			return ' '
		}
		return r
	}, text)
	text = strings.Join(strings.Fields(text), " ")
	text = strings.TrimSpace(strings.Trim(text, "\""))

	prompt, ok := mode.Prompt()
	if !ok || text == "" {
		return text
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" || strings.HasPrefix(strings.ToLower(text), strings.ToLower(prompt)) {
		return text
	}
	return prompt + " " + text
}

type serialized struct {
	mu sync.Mutex
	Model
}

// Serialize wraps m so that at most one Caption call runs at a time. Backends
// are not assumed to be reentrant.
func Serialize(m Model) Model {
	if s, ok := m.(*serialized); ok {
		return s
	}
	return &serialized{Model: m}
}

func (s *serialized) Caption(ctx context.Context, img *imagebuf.Buffer, mode Mode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.Model.Caption(ctx, img, mode)
}
