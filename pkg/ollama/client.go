package ollama

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/autolabel/pkg/client"
	"github.com/menta2k/autolabel/pkg/types"
)

// DefaultURL is where a local Ollama server listens
const DefaultURL = "http://localhost:11434"

// Client wraps the Ollama API client
type Client struct {
	client  *api.Client
	timeout time.Duration
}

// NewClient creates a new Ollama client. A zero timeout means client.DefaultTimeout.
func NewClient(ollamaURL string, timeout time.Duration) (*Client, error) {
	if ollamaURL == "" {
		ollamaURL = DefaultURL
	}

	// Parse the provided URL
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL %q: scheme and host are required", ollamaURL)
	}

	// Create base URL from the provided URL (removing path like /api/chat)
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	if timeout <= 0 {
		timeout = client.DefaultTimeout
	}

	// Create client with the specified URL, ignoring environment
	return &Client{
		client:  api.NewClient(baseURL, http.DefaultClient),
		timeout: timeout,
	}, nil
}

// Ping checks that the server answers and has the model pulled
func (c *Client) Ping(ctx context.Context, model string) error {
	ctx, cancel := client.WithDefaultTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := c.client.Show(ctx, &api.ShowRequest{Model: model}); err != nil {
		return fmt.Errorf("ollama model %q unavailable: %w", model, err)
	}
	return nil
}

// LocateObjects asks the model for the objects in an image and parses its JSON answer
func (c *Client) LocateObjects(ctx context.Context, model, prompt, imgB64 string) (*types.ObjectsResponse, error) {
	ctx, cancel := client.WithDefaultTimeout(ctx, c.timeout)
	defer cancel()

	// Decode base64 image to raw bytes
	imgBytes, err := base64.StdEncoding.DecodeString(imgB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image: %w", err)
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: prompt,
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream:  &streamFalse,
		Format:  json.RawMessage(`"json"`),
		Options: modelOptions(model),
	}

	var responseContent strings.Builder
	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		responseContent.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat error: %w", err)
	}

	if responseContent.Len() == 0 {
		return nil, fmt.Errorf("empty response from ollama")
	}

	return client.ParseObjects(responseContent.String())
}

// modelOptions keeps sampling deterministic and widens the context window
// for MiniCPM-V 4.x, which needs it for high-resolution inputs
func modelOptions(model string) map[string]any {
	options := map[string]any{
		"temperature": 0,
	}

	modelLower := strings.ToLower(model)
	if strings.Contains(modelLower, "minicpm-v4") ||
		strings.Contains(modelLower, "minicpm-v-4") ||
		strings.Contains(modelLower, "minicpmv4") {
		options["num_ctx"] = 4096
	}
	return options
}
