package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vigil/internal/manager"
)

type createStreamRequest struct {
	Name                string   `json:"name"`
	URL                 string   `json:"url"`
	StreamType          string   `json:"stream_type"`
	Location            string   `json:"location"`
	AutoStart           bool     `json:"auto_start"`
	TargetFPS           int      `json:"target_fps"`
	ResizeWidth         int      `json:"resize_width"`
	ResizeHeight        int      `json:"resize_height"`
	CustomThreshold     *float64 `json:"custom_threshold"`
	CustomWindowSeconds *float64 `json:"custom_window_seconds"`
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	rec, err := s.mgr.Create(manager.CreateParams{
		Name:                req.Name,
		URL:                 req.URL,
		Type:                req.StreamType,
		Location:            req.Location,
		TargetFPS:           req.TargetFPS,
		ResizeWidth:         req.ResizeWidth,
		ResizeHeight:        req.ResizeHeight,
		CustomThreshold:     req.CustomThreshold,
		CustomWindowSeconds: req.CustomWindowSeconds,
		AutoStart:           req.AutoStart,
	})
	if err != nil {
		s.failClient(w, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]any{
		"stream_id": rec.ID,
		"stream":    rec,
	})
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	records, err := s.mgr.List()
	if err != nil {
		s.fail(w, err)
		return
	}
	statuses := make([]*manager.StreamStatus, 0, len(records))
	for _, rec := range records {
		st, err := s.mgr.Status(rec.ID)
		if err != nil {
			s.fail(w, err)
			return
		}
		statuses = append(statuses, st)
	}
	s.respond(w, http.StatusOK, statuses)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, st)
}

type patchStreamRequest struct {
	Name                *string  `json:"name"`
	URL                 *string  `json:"url"`
	StreamType          *string  `json:"stream_type"`
	Location            *string  `json:"location"`
	TargetFPS           *int     `json:"target_fps"`
	ResizeWidth         *int     `json:"resize_width"`
	ResizeHeight        *int     `json:"resize_height"`
	CustomThreshold     *float64 `json:"custom_threshold"`
	CustomWindowSeconds *float64 `json:"custom_window_seconds"`
}

func (s *Server) handlePatchStream(w http.ResponseWriter, r *http.Request) {
	var req patchStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	rec, restart, err := s.mgr.Update(chi.URLParam(r, "id"), manager.UpdateParams{
		Name:                req.Name,
		URL:                 req.URL,
		Type:                req.StreamType,
		Location:            req.Location,
		TargetFPS:           req.TargetFPS,
		ResizeWidth:         req.ResizeWidth,
		ResizeHeight:        req.ResizeHeight,
		CustomThreshold:     req.CustomThreshold,
		CustomWindowSeconds: req.CustomWindowSeconds,
	})
	if err != nil {
		s.failClient(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"stream":           rec,
		"restart_required": restart,
	})
}

func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Delete(chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mgr.Start(id); err != nil {
		s.fail(w, err)
		return
	}
	st, err := s.mgr.Status(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, st)
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mgr.Stop(id); err != nil {
		s.fail(w, err)
		return
	}
	st, err := s.mgr.Status(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, st)
}

func (s *Server) handlePrediction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc, err := s.mgr.LastScore(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"stream_id": id,
		"score":     sc,
	})
}

func (s *Server) handleInferenceLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.mgr.Get(id); err != nil {
		s.fail(w, err)
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), 100)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	logs, err := s.logs.Recent(id, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, logs)
}
