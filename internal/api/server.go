// Package api exposes the REST and WebSocket surface over chi.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"vigil/internal/classifier"
	"vigil/internal/config"
	"vigil/internal/log"
	"vigil/internal/manager"
	"vigil/internal/store"
	"vigil/internal/ws"
)

// Server holds the handler dependencies.
type Server struct {
	cfg      *config.Config
	mgr      *manager.Manager
	events   *store.EventRepository
	logs     *store.InferenceLogRepository
	cls      classifier.Classifier
	hub      *ws.Hub
	clipsDir string
	lg       zerolog.Logger
	router   chi.Router
}

// New builds the router. clipsDir is where the recorder writes artifacts.
func New(cfg *config.Config, mgr *manager.Manager, st *store.Store, cls classifier.Classifier, hub *ws.Hub, clipsDir string) *Server {
	s := &Server{
		cfg:      cfg,
		mgr:      mgr,
		events:   st.Events(),
		logs:     st.InferenceLogs(),
		cls:      cls,
		hub:      hub,
		clipsDir: clipsDir,
		lg:       log.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/model/status", s.handleModelStatus)

		r.Route("/streams", func(r chi.Router) {
			r.Post("/", s.handleCreateStream)
			r.Get("/", s.handleListStreams)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetStream)
				r.Patch("/", s.handlePatchStream)
				r.Delete("/", s.handleDeleteStream)
				r.Post("/start", s.handleStartStream)
				r.Post("/stop", s.handleStopStream)
				r.Get("/snapshot", s.handleSnapshot)
				r.Get("/mjpeg", s.handleMJPEG)
				r.Get("/prediction", s.handlePrediction)
				r.Get("/inference-log", s.handleInferenceLog)
			})
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.handleListEvents)
			r.Get("/pending", s.handlePendingEvents)
			r.Get("/statistics", s.handleEventStatistics)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetEvent)
				r.Post("/confirm", s.handleEventTransition(store.EventStatusConfirmed))
				r.Post("/dismiss", s.handleEventTransition(store.EventStatusDismissed))
				r.Post("/action-executed", s.handleEventTransition(store.EventStatusActionExecuted))
				r.Post("/no-action-required", s.handleEventTransition(store.EventStatusNoActionRequired))
			})
		})

		r.Get("/clips/{filename}", s.handleClip)
		r.Get("/thumbnails/{filename}", s.handleThumbnail)
	})

	r.Get("/ws", s.hub.ServeHTTP)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.lg.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	records, err := s.mgr.List()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"streams_count":   len(records),
		"streams_running": s.mgr.RunningCount(),
		"ws_clients":      s.hub.ClientCount(),
	})
}

func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{
		"model":                 s.cls.Info(),
		"loaded":                s.cls.Loaded(),
		"threshold":             s.cfg.ViolenceThreshold,
		"alert_threshold":       s.cfg.ViolenceAlertThreshold,
		"end_threshold":         config.EndThreshold(s.cfg.ViolenceThreshold),
		"inference_interval_ms": s.cfg.InferenceIntervalMS,
		"window_size":           s.cfg.FrameSampleRate,
	})
}
