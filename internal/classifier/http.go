package classifier

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"vigil/internal/imaging"
	"vigil/internal/log"
	"vigil/internal/pipeline"
)

// frameJPEGQuality is the quality used when shipping window frames to the
// inference service. The model resizes internally, fidelity is not critical.
const frameJPEGQuality = 80

// HTTPClassifier calls the external inference service over HTTP. The
// window's frames are shipped as a multipart batch of JPEGs.
type HTTPClassifier struct {
	client *resty.Client
	lg     zerolog.Logger

	mu      sync.RWMutex
	loaded  bool
	info    Info
	totalMs float64
	calls   uint64
}

type predictResponse struct {
	Probabilities struct {
		Violence    float64 `json:"violence"`
		NonViolence float64 `json:"non_violence"`
	} `json:"probabilities"`
	Metrics struct {
		InferenceTimeMs float64 `json:"inference_time_ms"`
	} `json:"metrics"`
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	ModelName   string `json:"model_name"`
	Device      string `json:"device"`
	Version     string `json:"version"`
}

// NewHTTPClassifier creates a client against baseURL with the given per-call
// timeout.
func NewHTTPClassifier(baseURL string, timeout time.Duration) *HTTPClassifier {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)

	return &HTTPClassifier{
		client: client,
		lg:     log.WithComponent("classifier"),
	}
}

// Probe checks the inference service health, retrying a few times so a
// service that is still warming up does not fail startup. A probe failure
// leaves the classifier unloaded but usable later.
func (c *HTTPClassifier) Probe(ctx context.Context) error {
	err := retry.Do(
		func() error { return c.probeOnce(ctx) },
		retry.Attempts(5),
		retry.Delay(3*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		c.mu.Lock()
		c.loaded = false
		c.info.LastError = err.Error()
		c.mu.Unlock()
		return fmt.Errorf("probe inference service: %w", err)
	}
	return nil
}

func (c *HTTPClassifier) probeOnce(ctx context.Context) error {
	var health healthResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&health).
		Get("/health")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("inference service returned %s", resp.Status())
	}

	c.mu.Lock()
	c.loaded = health.ModelLoaded
	c.info = Info{
		Loaded:    health.ModelLoaded,
		ModelName: health.ModelName,
		Device:    health.Device,
		Version:   health.Version,
	}
	c.mu.Unlock()

	if !health.ModelLoaded {
		return ErrNotLoaded
	}
	c.lg.Info().Str("model", health.ModelName).Str("device", health.Device).Msg("inference service ready")
	return nil
}

// Classify implements Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, frames []*pipeline.FramePacket) (Result, error) {
	if len(frames) == 0 {
		return Result{}, fmt.Errorf("empty frame window")
	}
	if !c.Loaded() {
		return Result{}, ErrNotLoaded
	}

	req := c.client.R().SetContext(ctx)
	for i, frame := range frames {
		jpg, err := imaging.EncodeJPEG(frame, frameJPEGQuality)
		if err != nil {
			return Result{}, fmt.Errorf("encode frame %d: %w", frame.FrameNumber, err)
		}
		req.SetFileReader("frames", fmt.Sprintf("frame_%02d.jpg", i), bytes.NewReader(jpg))
	}

	var out predictResponse
	resp, err := req.SetResult(&out).Post("/inference/predict-batch")
	if err != nil {
		return Result{}, fmt.Errorf("predict: %w", err)
	}
	if resp.IsError() {
		return Result{}, fmt.Errorf("predict: inference service returned %s", resp.Status())
	}

	c.mu.Lock()
	c.calls++
	c.totalMs += out.Metrics.InferenceTimeMs
	c.mu.Unlock()

	return Result{
		ViolenceScore:    out.Probabilities.Violence,
		NonViolenceScore: out.Probabilities.NonViolence,
		InferenceMs:      out.Metrics.InferenceTimeMs,
	}, nil
}

// Loaded implements Classifier.
func (c *HTTPClassifier) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Info implements Classifier.
func (c *HTTPClassifier) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := c.info
	if c.calls > 0 {
		info.AvgMs = c.totalMs / float64(c.calls)
	}
	return info
}

var _ Classifier = (*HTTPClassifier)(nil)
