// Package recorder encodes finalized event frames into browser-playable
// MP4 clips with thumbnails, and extracts participant face crops.
package recorder

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/imaging"
	"vigil/internal/log"
	"vigil/internal/pipeline"
)

// Artifact names the files written for one event. Paths are filenames
// relative to the clips directory.
type Artifact struct {
	ClipPath      string  `json:"clip_path"`
	ThumbnailPath string  `json:"thumbnail_path"`
	Duration      float64 `json:"duration"`
}

// Recorder writes clips under a single directory. Concurrent encodes are
// bounded so they cannot starve capture and inference.
type Recorder struct {
	clipsDir string
	faces    FaceFinder
	sem      chan struct{}
	lg       zerolog.Logger
}

// New creates the clips directory if needed. faces may be nil to disable
// person capture.
func New(clipsDir string, faces FaceFinder) (*Recorder, error) {
	if err := os.MkdirAll(clipsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create clips dir: %w", err)
	}
	encoders := runtime.NumCPU()
	if encoders > 4 {
		encoders = 4
	}
	return &Recorder{
		clipsDir: clipsDir,
		faces:    faces,
		sem:      make(chan struct{}, encoders),
		lg:       log.WithComponent("recorder"),
	}, nil
}

// Dir returns the clips directory.
func (r *Recorder) Dir() string { return r.clipsDir }

// Record encodes frames to H.264/yuv420p MP4 with the moov atom up front,
// and writes a JPEG thumbnail from the middle frame. Pacing is assigned at
// fps regardless of gaps in the frame numbers. Partial output is removed on
// failure.
func (r *Recorder) Record(frames []*pipeline.FramePacket, streamName, eventID string, fps int) (Artifact, error) {
	if len(frames) == 0 {
		return Artifact{}, fmt.Errorf("no frames to record")
	}
	if fps < 1 {
		fps = 30
	}

	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	base := clipBaseName(streamName, eventID, time.Now().UTC())
	clipName := base + ".mp4"
	thumbName := base + "_thumb.jpg"
	clipPath := filepath.Join(r.clipsDir, clipName)

	width, height := frames[0].Width, frames[0].Height
	if err := r.encode(frames, width, height, fps, clipPath); err != nil {
		os.Remove(clipPath)
		return Artifact{}, err
	}

	// Thumbnail from the middle of the clip.
	thumb, err := imaging.EncodeJPEG(frames[len(frames)/2], 85)
	if err != nil {
		r.lg.Warn().Err(err).Str("event_id", eventID).Msg("thumbnail encode failed")
		thumbName = ""
	} else if err := os.WriteFile(filepath.Join(r.clipsDir, thumbName), thumb, 0o644); err != nil {
		r.lg.Warn().Err(err).Str("event_id", eventID).Msg("thumbnail write failed")
		thumbName = ""
	}

	duration := float64(len(frames)) / float64(fps)
	r.lg.Info().Str("clip", clipName).Int("frames", len(frames)).
		Float64("duration", duration).Msg("clip written")

	return Artifact{
		ClipPath:      clipName,
		ThumbnailPath: thumbName,
		Duration:      duration,
	}, nil
}

func (r *Recorder) encode(frames []*pipeline.FramePacket, width, height, fps int, outPath string) error {
	cmd := exec.Command("ffmpeg",
		"-loglevel", "error",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", fmt.Sprintf("%d", fps),
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outPath,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	writeErr := func() error {
		defer stdin.Close()
		expect := width * height * 3
		for _, frame := range frames {
			if len(frame.Data) != expect {
				// Resolution changed mid-event, skip the stray frame.
				continue
			}
			if _, err := stdin.Write(frame.Data); err != nil {
				return err
			}
		}
		return nil
	}()

	if err := cmd.Wait(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return fmt.Errorf("encode clip: %s", detail)
		}
		return fmt.Errorf("encode clip: %w", err)
	}
	if writeErr != nil {
		return fmt.Errorf("write frames: %w", writeErr)
	}
	return nil
}

// clipBaseName builds the filesystem-safe base name for an event's files.
func clipBaseName(streamName, eventID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s", safeName(streamName), eventID, at.Format("20060102_150405"))
}

// safeName keeps letters, digits, dash and underscore; everything else
// becomes an underscore.
func safeName(name string) string {
	if name == "" {
		return "stream"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
