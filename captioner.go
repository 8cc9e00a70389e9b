package captioner

import (
	"fmt"
	"net/http"

	"github.com/chriskillpack/captioner/captionmodel"
	"github.com/chriskillpack/captioner/internal/llama"
	"github.com/chriskillpack/captioner/internal/ollama"
	"github.com/chriskillpack/captioner/internal/openai"
)

// Fixed caption prompts for the two front-ends.
const (
	WebPrompt     = "a photography of"
	DesktopPrompt = "At Camera One, there is"
)

const DefaultMaxImageSide = 768

type InitOptions struct {
	LlamaServer string
	LlamaSeed   int
	LlamaStream bool

	OllamaServer string
	OllamaModel  string // defaults to llava

	OpenAI      bool
	OpenAIModel string // defaults to openai.DefaultModel

	// MaxImageSide bounds the longest side of uploaded images, 0 means
	// DefaultMaxImageSide and a negative value disables downscaling.
	MaxImageSide int

	HttpClient *http.Client // if nil uses http.DefaultClient
}

// Captioner holds the process wide model handle. Calls to Caption are
// serialized.
type Captioner struct {
	captionmodel.Model
}

func Init(cio InitOptions) (*Captioner, error) {
	c := &Captioner{}

	httpClient := cio.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	maxSide := cio.MaxImageSide
	switch {
	case maxSide == 0:
		maxSide = DefaultMaxImageSide
	case maxSide < 0:
		maxSide = 0
	}

	var n int
	if cio.OpenAI {
		n++
	}
	if cio.LlamaServer != "" {
		n++
	}
	if cio.OllamaServer != "" {
		n++
	}
	switch n {
	case 0:
		return nil, fmt.Errorf("no backend selected")
	case 1:
		// no-op
	default:
		return nil, fmt.Errorf("multiple backends selected, only one allowed")
	}

	var m captionmodel.Model
	if cio.OpenAI {
		model := cio.OpenAIModel
		if model == "" {
			model = openai.DefaultModel
		}
		m = openai.Init(model, maxSide, httpClient)
	} else if cio.LlamaServer != "" {
		m = llama.Init(cio.LlamaServer, cio.LlamaSeed, cio.LlamaStream, maxSide, httpClient)
	} else if cio.OllamaServer != "" {
		model := cio.OllamaModel
		if model == "" {
			model = "llava"
		}
		m = ollama.Init(model, cio.OllamaServer, maxSide, httpClient)
	}
	c.Model = captionmodel.Serialize(m)

	return c, nil
}
