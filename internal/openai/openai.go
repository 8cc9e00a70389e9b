package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/chriskillpack/captioner/captionmodel"
	"github.com/chriskillpack/captioner/imagebuf"

	oagc "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

type openai struct {
	oac     *oagc.Client
	model   string
	maxSide int

	rl *rateLimiter // For requests to the OpenAI API
}

var _ captionmodel.Model = &openai{}

// Init returns an OpenAI backend. The API key is read from OPENAI_API_KEY
// unless opts override it.
func Init(model string, maxSide int, httpClient *http.Client, opts ...option.RequestOption) *openai {
	if model == "" {
		model = DefaultModel
	}

	opts = append([]option.RequestOption{option.WithHTTPClient(httpClient)}, opts...)
	return &openai{
		oac:     oagc.NewClient(opts...),
		model:   model,
		maxSide: maxSide,
		rl:      newRateLimiter(20, time.Minute),
	}
}

func (o *openai) Name() string { return "openai" }

func (o *openai) Model() string { return o.model }

func (o *openai) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := o.oac.Models.Get(ctx, o.model)
	return err == nil
}

func (o *openai) Caption(ctx context.Context, img *imagebuf.Buffer, mode captionmodel.Mode) (string, error) {
	data, err := captionmodel.EncodeForUpload(img, o.maxSide)
	if err != nil {
		return "", o.modelError(err)
	}

	// Rate limit use of the OpenAI API
	if err := o.rl.Acquire(ctx); err != nil {
		return "", o.modelError(err)
	}

	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)
	params := oagc.ChatCompletionNewParams{
		Messages: oagc.F([]oagc.ChatCompletionMessageParamUnion{
			oagc.UserMessageParts(
				oagc.TextPart(captionmodel.InstructionFor(mode)),
				oagc.ImagePart(dataURL),
			),
		}),
		Model:               oagc.F(oagc.ChatModel(o.model)),
		MaxCompletionTokens: oagc.Int(80),
		Temperature:         oagc.Float(0.2),
	}
	resp, err := o.oac.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", o.modelError(err)
	}
	if len(resp.Choices) == 0 {
		return "", o.modelError(fmt.Errorf("no choices in response"))
	}

	caption := captionmodel.Finish(resp.Choices[0].Message.Content, mode)
	if caption == "" {
		return "", o.modelError(fmt.Errorf("empty response, finish reason %q", resp.Choices[0].FinishReason))
	}
	return caption, nil
}

func (o *openai) modelError(err error) error {
	return &captionmodel.ModelError{Backend: o.Name(), Err: err}
}
