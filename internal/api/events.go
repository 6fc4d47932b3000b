package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"vigil/internal/store"
)

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.EventFilter{
		StreamID: q.Get("stream_id"),
	}
	if raw := q.Get("status"); raw != "" {
		status := store.EventStatus(raw)
		if !store.ValidEventStatus(status) {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", raw))
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	events, total, err := s.events.List(filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	s.respondPaged(w, http.StatusOK, events, &Pagination{
		Total:  total,
		Limit:  limit,
		Offset: filter.Offset,
	})
}

// handlePendingEvents returns the review queue: unreviewed events, newest
// first.
func (s *Server) handlePendingEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 50)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	events, err := s.events.GetPending(limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, events)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.events.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, ev)
}

type reviewRequest struct {
	ReviewedBy *string `json:"reviewed_by"`
	Notes      string  `json:"notes"`
}

// handleEventTransition builds the handler for one review action. A second
// transition on the same event is rejected with 409.
func (s *Server) handleEventTransition(target store.EventStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reviewRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				s.respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
				return
			}
		}

		ev, err := s.events.UpdateStatus(chi.URLParam(r, "id"), target, req.ReviewedBy, req.Notes)
		if err != nil {
			s.fail(w, err)
			return
		}
		s.respond(w, http.StatusOK, ev)
	}
}

func (s *Server) handleEventStatistics(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r.URL.Query().Get("days"), 7)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if days < 1 {
		days = 7
	}

	stats, err := s.events.Statistics(days)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, stats)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return v, nil
}
