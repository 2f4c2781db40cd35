package client

import (
	"context"
	"strings"
	"time"

	"github.com/menta2k/autolabel/pkg/types"
)

// DefaultTimeout bounds a single model call when the context has no deadline
const DefaultTimeout = 300 * time.Second

// VisionClient is a vision-language model backend able to locate objects in an image
type VisionClient interface {
	// Ping checks that the backend is reachable and serves model
	Ping(ctx context.Context, model string) error
	// LocateObjects sends one base64 encoded image with an instruction prompt
	// and returns the objects the model reported
	LocateObjects(ctx context.Context, model, prompt, imgB64 string) (*types.ObjectsResponse, error)
}

// WithDefaultTimeout adds timeout to ctx unless it already carries a deadline
func WithDefaultTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline || timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// ImageMIME guesses the MIME type of a base64 encoded image from its first bytes
func ImageMIME(imgB64 string) string {
	switch {
	case strings.HasPrefix(imgB64, "iVBORw0KGgo"):
		return "image/png"
	case strings.HasPrefix(imgB64, "UklGR"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
