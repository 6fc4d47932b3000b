package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"vigil/internal/manager"
	"vigil/internal/store"
)

// Pagination accompanies list responses.
type Pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type envelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	s.respondPaged(w, status, data, nil)
}

func (s *Server) respondPaged(w http.ResponseWriter, status int, data any, p *Pagination) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Pagination: p}); err != nil {
		s.lg.Debug().Err(err).Msg("write response failed")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(envelope{Success: false, Error: err.Error()}); encErr != nil {
		s.lg.Debug().Err(encErr).Msg("write error response failed")
	}
}

// fail maps known sentinels onto status codes; anything unrecognized is a
// 500.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrStreamNotFound), errors.Is(err, store.ErrEventNotFound):
		s.respondError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrTerminalStatus):
		s.respondError(w, http.StatusConflict, err)
	case errors.Is(err, manager.ErrStreamAlreadyRunning):
		s.respondError(w, http.StatusConflict, err)
	case errors.Is(err, manager.ErrNoFrames):
		s.respondError(w, http.StatusServiceUnavailable, err)
	default:
		s.lg.Error().Err(err).Msg("request failed")
		s.respondError(w, http.StatusInternalServerError, err)
	}
}

// failClient is for request validation problems: sentinels still win, the
// rest is the client's fault.
func (s *Server) failClient(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrStreamNotFound), errors.Is(err, store.ErrEventNotFound),
		errors.Is(err, store.ErrTerminalStatus), errors.Is(err, manager.ErrStreamAlreadyRunning):
		s.fail(w, err)
	default:
		s.respondError(w, http.StatusBadRequest, err)
	}
}
