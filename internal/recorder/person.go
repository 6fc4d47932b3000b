package recorder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"

	"vigil/internal/imaging"
	"vigil/internal/pipeline"
)

const (
	maxPersonImages  = 6
	personIoU        = 0.4
	personPadding    = 0.15
	personMaxSide    = 300
	personJPEGQual   = 90
	personMinBoxSide = 12.0
)

// Box is a face bounding box in pixel coordinates.
type Box struct {
	X1, Y1, X2, Y2 float64
	Confidence     float64
}

func (b Box) area() float64 {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU is the intersection-over-union of two boxes.
func IoU(a, b Box) float64 {
	x1 := maxF(a.X1, b.X1)
	y1 := maxF(a.Y1, b.Y1)
	x2 := minF(a.X2, b.X2)
	y2 := minF(a.Y2, b.Y2)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := a.area() + b.area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NMS keeps the highest-confidence boxes, dropping any with IoU above the
// threshold against an already-kept box.
func NMS(boxes []Box, iouThreshold float64) []Box {
	sorted := append([]Box(nil), boxes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	var kept []Box
	for _, candidate := range sorted {
		overlaps := false
		for _, k := range kept {
			if IoU(candidate, k) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, candidate)
		}
	}
	return kept
}

// Pad expands a box by frac on every side, clamped to the frame.
func Pad(b Box, frac float64, width, height int) Box {
	dx := (b.X2 - b.X1) * frac
	dy := (b.Y2 - b.Y1) * frac
	return Box{
		X1:         maxF(0, b.X1-dx),
		Y1:         maxF(0, b.Y1-dy),
		X2:         minF(float64(width), b.X2+dx),
		Y2:         minF(float64(height), b.Y2+dy),
		Confidence: b.Confidence,
	}
}

// FaceFinder locates faces in a JPEG image.
type FaceFinder interface {
	Detect(ctx context.Context, jpegImage []byte) ([]Box, error)
}

// keyIndices picks the sampled positions a participant is likely visible at.
func keyIndices(n int) []int {
	if n == 0 {
		return nil
	}
	candidates := []int{0, n / 4, n / 3, n / 2, 2 * n / 3, n - 2}
	seen := make(map[int]bool)
	var out []int
	for _, i := range candidates {
		if i < 0 || i >= n || seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// PersonCrops samples key frames, detects faces, and writes padded crops
// into the clips directory. Any failure is logged and swallowed; the event
// is finalized either way.
func (r *Recorder) PersonCrops(frames []*pipeline.FramePacket, streamName, eventID string) []string {
	if r.faces == nil || len(frames) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var collected []Box
	var crops []string
	prefix := clipBaseName(streamName, eventID, time.Now().UTC())

	for _, idx := range keyIndices(len(frames)) {
		if len(crops) >= maxPersonImages {
			break
		}
		frame := frames[idx]

		jpg, err := imaging.EncodeJPEG(frame, personJPEGQual)
		if err != nil {
			continue
		}
		boxes, err := r.faces.Detect(ctx, jpg)
		if err != nil {
			r.lg.Warn().Err(err).Str("event_id", eventID).Msg("face detect failed")
			continue
		}

		for _, box := range NMS(boxes, personIoU) {
			if len(crops) >= maxPersonImages {
				break
			}
			if box.X2-box.X1 < personMinBoxSide || box.Y2-box.Y1 < personMinBoxSide {
				continue
			}
			// Crops of the same face across frames are near-duplicates.
			dup := false
			for _, prev := range collected {
				if IoU(box, prev) > personIoU {
					dup = true
					break
				}
			}
			if dup {
				continue
			}

			name, err := r.writeCrop(frame, box, prefix, len(crops))
			if err != nil {
				r.lg.Warn().Err(err).Str("event_id", eventID).Msg("person crop failed")
				continue
			}
			collected = append(collected, box)
			crops = append(crops, name)
		}
	}

	if len(crops) > 0 {
		r.lg.Info().Str("event_id", eventID).Int("count", len(crops)).Msg("person crops written")
	}
	return crops
}

func (r *Recorder) writeCrop(frame *pipeline.FramePacket, box Box, prefix string, n int) (string, error) {
	img, err := imaging.ToImage(frame)
	if err != nil {
		return "", err
	}
	padded := Pad(box, personPadding, frame.Width, frame.Height)
	crop := imaging.Crop(img, image.Rect(int(padded.X1), int(padded.Y1), int(padded.X2), int(padded.Y2)))
	crop = imaging.ResizeLongestSide(crop, personMaxSide)

	data, err := imaging.EncodeImageJPEG(crop, personJPEGQual)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_person_%d.jpg", prefix, n+1)
	if err := os.WriteFile(filepath.Join(r.clipsDir, name), data, 0o644); err != nil {
		return "", err
	}
	return name, nil
}

// HTTPFaceFinder asks the inference service for face boxes.
type HTTPFaceFinder struct {
	client *resty.Client
}

// NewHTTPFaceFinder creates a face finder against the inference service.
func NewHTTPFaceFinder(baseURL string, timeout time.Duration) *HTTPFaceFinder {
	return &HTTPFaceFinder{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
	}
}

type faceResponse struct {
	Faces []struct {
		BBox struct {
			X1 float64 `json:"x1"`
			Y1 float64 `json:"y1"`
			X2 float64 `json:"x2"`
			Y2 float64 `json:"y2"`
		} `json:"bbox"`
		Confidence float64 `json:"confidence"`
	} `json:"faces"`
}

// Detect implements FaceFinder.
func (f *HTTPFaceFinder) Detect(ctx context.Context, jpegImage []byte) ([]Box, error) {
	var out faceResponse
	resp, err := f.client.R().
		SetContext(ctx).
		SetFileReader("image", "frame.jpg", bytes.NewReader(jpegImage)).
		SetResult(&out).
		Post("/faces/detect")
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("detect faces: service returned %s", resp.Status())
	}

	boxes := make([]Box, 0, len(out.Faces))
	for _, face := range out.Faces {
		boxes = append(boxes, Box{
			X1: face.BBox.X1, Y1: face.BBox.Y1,
			X2: face.BBox.X2, Y2: face.BBox.Y2,
			Confidence: face.Confidence,
		})
	}
	return boxes, nil
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

var _ FaceFinder = (*HTTPFaceFinder)(nil)
