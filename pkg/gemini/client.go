package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/menta2k/autolabel/pkg/client"
	"github.com/menta2k/autolabel/pkg/types"
)

const maxAttempts = 3

// Client talks to the Gemini API. One underlying connection is shared by every call.
type Client struct {
	cl      *genai.Client
	timeout time.Duration
}

type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// NewClient creates a Gemini client. A zero timeout means client.DefaultTimeout.
func NewClient(ctx context.Context, apiKey string, timeout time.Duration) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	if timeout <= 0 {
		timeout = client.DefaultTimeout
	}
	return &Client{cl: cl, timeout: timeout}, nil
}

// Ping fetches model metadata, which fails for unknown models or bad keys
func (c *Client) Ping(ctx context.Context, model string) error {
	ctx, cancel := client.WithDefaultTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := c.cl.GenerativeModel(strings.TrimSpace(model)).Info(ctx); err != nil {
		return fmt.Errorf("gemini model %q unavailable: %w", model, err)
	}
	return nil
}

// LocateObjects asks the model for the objects in an image and parses its JSON answer
func (c *Client) LocateObjects(ctx context.Context, model, prompt, imgB64 string) (*types.ObjectsResponse, error) {
	ctx, cancel := client.WithDefaultTimeout(ctx, c.timeout)
	defer cancel()

	imgBytes, err := base64.StdEncoding.DecodeString(imgB64)
	if err != nil {
		return nil, fmt.Errorf("gemini: bad base64: %w", err)
	}

	m := c.cl.GenerativeModel(strings.TrimSpace(model))
	// Strictly JSON back
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
	}

	parts := []genai.Part{
		genai.Text(prompt),
		&genai.Blob{MIMEType: client.ImageMIME(imgB64), Data: imgBytes},
	}
	return locate(ctx, m, parts)
}

// Close releases the underlying connection
func (c *Client) Close() error {
	return c.cl.Close()
}

// locate retries transient failures; a bad answer is returned at once
func locate(ctx context.Context, gen generator, parts []genai.Part) (*types.ObjectsResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := gen.GenerateContent(ctx, parts...)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
			continue
		}

		txt := firstText(resp)
		if txt == "" {
			return nil, fmt.Errorf("gemini: empty response")
		}
		return client.ParseObjects(txt)
	}
	return nil, fmt.Errorf("gemini: %d attempts failed: %w", maxAttempts, lastErr)
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
