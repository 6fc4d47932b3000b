// Package classifier talks to the external inference service that scores
// windows of frames for violence.
package classifier

import (
	"context"
	"errors"

	"vigil/internal/pipeline"
)

// ErrNotLoaded is returned when the inference service has no usable model.
var ErrNotLoaded = errors.New("classifier model not loaded")

// Result is the outcome of scoring one window.
type Result struct {
	ViolenceScore    float64
	NonViolenceScore float64
	InferenceMs      float64
}

// Info describes the model for the status endpoint.
type Info struct {
	Loaded    bool    `json:"loaded"`
	ModelName string  `json:"model_name,omitempty"`
	Device    string  `json:"device,omitempty"`
	Version   string  `json:"version,omitempty"`
	LastError string  `json:"last_error,omitempty"`
	AvgMs     float64 `json:"avg_inference_ms,omitempty"`
}

// Classifier scores a window of consecutive frames.
type Classifier interface {
	Classify(ctx context.Context, frames []*pipeline.FramePacket) (Result, error)
	Loaded() bool
	Info() Info
}
