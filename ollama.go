package mailguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	ollamaGeneratePath string = "/api/generate"
	ollamaVersionPath  string = "/api/version"

	// answers are a single digit, everything else is noise
	ollamaTemperature float64 = 0.0
	ollamaNumPredict  int     = 3
	ollamaTopP        float64 = 0.1
)

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
	TopP        float64 `json:"top_p"`
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Ollama talks to an Ollama server over its HTTP API.
type Ollama struct {
	URL    string
	client *http.Client
}

func NewOllama(url string, client *http.Client) *Ollama {
	if client == nil {
		client = &http.Client{}
	}
	return &Ollama{
		URL:    strings.TrimRight(url, "/"),
		client: client,
	}
}

func (o *Ollama) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.URL+ollamaVersionPath, nil)
	if err != nil {
		return fmt.Errorf("build version request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrEndpointUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: version status %d", ErrEndpointUnavailable, resp.StatusCode)
	}
	return nil
}

func (o *Ollama) Generate(ctx context.Context, model, prompt string) (string, error) {
	payload, err := json.Marshal(ollamaGenerateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
		Options: ollamaOptions{
			Temperature: ollamaTemperature,
			NumPredict:  ollamaNumPredict,
			TopP:        ollamaTopP,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.URL+ollamaGeneratePath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrEndpointUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: generate status %d for %s", ErrEndpointUnavailable, resp.StatusCode, model)
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %s", ErrEndpointUnavailable, ctx.Err())
		}
		return "", fmt.Errorf("%w: decode generate response: %s", ErrMalformedResponse, err)
	}

	return strings.TrimSpace(out.Response), nil
}
