package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chriskillpack/captioner/captionmodel"
	"github.com/chriskillpack/captioner/imagebuf"
)

type ollama struct {
	model     string
	srvAddr   string
	keepAlive string
	maxSide   int

	client *http.Client
}

var _ captionmodel.Model = &ollama{}

// Init returns an Ollama backend that captions with the named vision model,
// e.g. "llava".
func Init(model, srvAddr string, maxSide int, httpClient *http.Client) *ollama {
	return &ollama{
		model:     model,
		srvAddr:   strings.TrimRight(srvAddr, "/"),
		keepAlive: "10m",
		maxSide:   maxSide,
		client:    httpClient,
	}
}

func (o *ollama) Name() string { return "ollama" }

// Model returns the Ollama model tag in use.
func (o *ollama) Model() string { return o.model }

func (o *ollama) IsHealthy() bool {
	resp, err := o.client.Get(o.srvAddr + "/api/tags")
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false
	}
	// The server is only useful if the configured model has been pulled
	for _, m := range payload.Models {
		if m.Name == o.model || strings.HasPrefix(m.Name, o.model+":") {
			return true
		}
	}
	return false
}

func (o *ollama) Caption(ctx context.Context, img *imagebuf.Buffer, mode captionmodel.Mode) (string, error) {
	data, err := captionmodel.EncodeForUpload(img, o.maxSide)
	if err != nil {
		return "", o.modelError(err)
	}

	reqBody, err := json.Marshal(map[string]any{
		"model":      o.model,
		"prompt":     captionmodel.InstructionFor(mode),
		"images":     []string{base64.StdEncoding.EncodeToString(data)},
		"stream":     false,
		"keep_alive": o.keepAlive,
		"options": map[string]any{
			"temperature": 0.2,
			"num_predict": 80,
		},
	})
	if err != nil {
		return "", o.modelError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.srvAddr+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return "", o.modelError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", o.modelError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", o.modelError(fmt.Errorf("failed to read response body: %w", err))
	}

	var payload struct {
		Response string `json:"response"`
		Done     bool   `json:"done"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", o.modelError(fmt.Errorf("server error (%s): %s", resp.Status, strings.TrimSpace(string(body))))
		}
		return "", o.modelError(fmt.Errorf("invalid JSON: %w", err))
	}
	if payload.Error != "" {
		return "", o.modelError(fmt.Errorf("api error: %s", payload.Error))
	}
	if resp.StatusCode != http.StatusOK {
		return "", o.modelError(fmt.Errorf("server error (%s)", resp.Status))
	}

	caption := captionmodel.Finish(payload.Response, mode)
	if caption == "" {
		return "", o.modelError(fmt.Errorf("empty response"))
	}
	return caption, nil
}

func (o *ollama) modelError(err error) error {
	return &captionmodel.ModelError{Backend: o.Name(), Err: err}
}
