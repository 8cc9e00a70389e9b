package llama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/chriskillpack/captioner/captionmodel"
	"github.com/chriskillpack/captioner/imagebuf"
)

const (
	imagePreamble = `A chat between a curious human and an artificial intelligence assistant. The assistant gives short, accurate captions for images.
USER:`
	imageSuffix = `
ASSISTANT:`
)

type jsonmap map[string]any

// These were lifted from the web inspector for the server UI, with a shorter
// n_predict and a newline stop since captions are one line.
var defaultparams = jsonmap{
	"n_predict":         80,
	"n_probs":           0,
	"temperature":       0.2,
	"stop":              []string{"</s>", "\n", "USER:", "ASSISTANT:"},
	"repeat_last_n":     256,
	"repeat_penalty":    1.18,
	"top_k":             40,
	"top_p":             0.5,
	"tfs_z":             1,
	"typical_p":         1,
	"presence_penalty":  0,
	"frequency_penalty": 0,
	"mirostat":          0,
	"mirostat_tau":      5,
	"mirostat_eta":      0.1,
	"grammar":           "",
	"slot_id":           -1,
	"cache_prompt":      true,
}

type llama struct {
	srvAddr string
	seed    int
	stream  bool
	maxSide int

	client *http.Client
}

var _ captionmodel.Model = &llama{}

// Init returns a llama.cpp server backend. maxSide bounds the longest side of
// uploaded images (0 uploads at full size).
func Init(srvAddr string, seed int, stream bool, maxSide int, httpClient *http.Client) *llama {
	return &llama{
		srvAddr: strings.TrimRight(srvAddr, "/"),
		seed:    seed,
		stream:  stream,
		maxSide: maxSide,
		client:  httpClient,
	}
}

func (l *llama) Name() string { return "llama" }

func (l *llama) IsHealthy() bool {
	resp, err := l.client.Get(l.srvAddr + "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// Caption asks the server to continue the assistant turn. In conditional
// mode the prompt is pre-filled as the start of the assistant's reply so the
// generation continues it, the way a prefix-conditioned captioner does.
func (l *llama) Caption(ctx context.Context, img *imagebuf.Buffer, mode captionmodel.Mode) (string, error) {
	data, err := captionmodel.EncodeForUpload(img, l.maxSide)
	if err != nil {
		return "", l.modelError(err)
	}
	imb64 := base64.StdEncoding.EncodeToString(data)

	text, err := l.sendRequest(ctx, captionPrompt(mode), l.stream, jsonmap{
		"image_data": []jsonmap{
			{
				"data": imb64, "id": 10,
			},
		},
	})
	if err != nil {
		return "", l.modelError(err)
	}

	caption := captionmodel.Finish(text, mode)
	if caption == "" {
		return "", l.modelError(fmt.Errorf("empty completion"))
	}
	return caption, nil
}

func (l *llama) modelError(err error) error {
	return &captionmodel.ModelError{Backend: l.Name(), Err: err}
}

// Use this with an image in slot 10
func captionPrompt(mode captionmodel.Mode) string {
	prompt := imagePreamble + "[img-10]write a one sentence caption for this image" + imageSuffix
	if prefix, ok := mode.Prompt(); ok {
		prompt += " " + strings.TrimSpace(prefix)
	}
	return prompt
}

func (l *llama) sendRequest(ctx context.Context, prompt string, stream bool, keys jsonmap) (string, error) {
	data := maps.Clone(defaultparams)
	maps.Copy(data, keys)
	data["prompt"] = prompt
	data["stream"] = stream
	data["seed"] = l.seed

	buf := bytes.NewBuffer(make([]byte, 0, 2_000_000)) // The buffer will be resized by Encode
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(&data)
	if err != nil {
		return "", err
	}
	br := bytes.NewReader(buf.Bytes())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.srvAddr+"/completion", br)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llama server returned %s", resp.Status)
	}

	content := new(bytes.Buffer)
	respbody := struct {
		Content string
		Stop    bool
	}{}

	lr := bufio.NewScanner(resp.Body)
	for !respbody.Stop {
		// Read in one line
		if !lr.Scan() {
			if err := lr.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("response ended before stop")
		}
		line := lr.Text()
		// The empty line appears after a JSON body
		if len(line) == 0 {
			continue
		}
		if stream {
			var found bool
			line, found = strings.CutPrefix(line, "data: ")
			if !found {
				return "", fmt.Errorf("missing `data: ` prefix")
			}
		}

		dec := json.NewDecoder(bytes.NewBufferString(line))
		if err := dec.Decode(&respbody); err != nil {
			return "", err
		}
		content.WriteString(respbody.Content)
	}

	return strings.TrimLeft(content.String(), " "), nil
}
