package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"vigil/internal/imaging"
	"vigil/internal/pipeline"
)

const (
	defaultMJPEGFPS = 10
	maxMJPEGFPS     = 30
	snapshotQuality = 80
	previewQuality  = 70
)

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	frame, err := s.mgr.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	data, err := imaging.EncodeJPEG(frame, snapshotQuality)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write(data)
}

// handleMJPEG streams the live preview as multipart/x-mixed-replace. While
// the source is not producing frames yet a rendered placeholder is sent so
// players keep the connection open.
func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.mgr.Get(id); err != nil {
		s.fail(w, err)
		return
	}

	fps := defaultMJPEGFPS
	if raw := r.URL.Query().Get("fps"); raw != "" {
		v, err := intParam(raw, defaultMJPEGFPS)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err)
			return
		}
		fps = v
	}
	if fps < 1 {
		fps = 1
	}
	if fps > maxMJPEGFPS {
		fps = maxMJPEGFPS
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	placeholder, phErr := imaging.Placeholder(s.cfg.ResizeWidth, s.cfg.ResizeHeight, "connecting...")
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	var lastSent uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		reader, running := s.mgr.Reader(id)
		if !running {
			// Stream stopped or removed; end the preview.
			return
		}

		var data []byte
		if frame := latestNew(reader, lastSent); frame != nil {
			encoded, err := imaging.EncodeJPEG(frame, previewQuality)
			if err != nil {
				continue
			}
			data = encoded
			lastSent = frame.FrameNumber
		} else if lastSent == 0 {
			// Not producing yet; keep the player fed with the placeholder.
			if phErr != nil {
				return
			}
			data = placeholder
		} else {
			// Nothing new this tick; a frame is never re-sent.
			continue
		}

		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\n\r\n"); err != nil {
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}

// latestNew returns the newest frame only when it advances past the one
// already sent, so a preview client never sees a frame number twice.
func latestNew(r pipeline.FrameReader, lastSent uint64) *pipeline.FramePacket {
	frame := r.Latest()
	if frame == nil || frame.FrameNumber == lastSent {
		return nil
	}
	return frame
}

func (s *Server) handleClip(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, chi.URLParam(r, "filename"), "video/mp4")
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, chi.URLParam(r, "filename"), "image/jpeg")
}

// serveArtifact serves a file from the clips directory with Range support.
func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, filename, contentType string) {
	if filename == "" || strings.Contains(filename, "/") || strings.Contains(filename, "\\") ||
		filename != filepath.Base(filename) {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid filename"))
		return
	}

	path := filepath.Join(s.clipsDir, filename)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, fmt.Errorf("file not found"))
			return
		}
		s.fail(w, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, filename, info.ModTime(), f)
}
