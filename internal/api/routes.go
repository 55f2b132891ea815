package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/detectrelay/detectrelay/internal/delivery"
	"github.com/detectrelay/detectrelay/internal/logging"
	"github.com/detectrelay/detectrelay/internal/media"
	"github.com/detectrelay/detectrelay/internal/pipeline"
)

// NewRouter builds the HTTP surface. Progress sockets opened through a
// router built this way are not closed by Server.Shutdown; use NewServer
// for that.
func NewRouter(cfg ServerConfig) *chi.Mux {
	return newRouter(cfg, newWSHub())
}

func newRouter(cfg ServerConfig, hub *wsHub) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist(cfg.AllowedOrigins))

	r.Get("/ws", wsHandler(cfg, hub))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler(cfg))
		r.With(LoopbackGuard()).Get("/status", statusHandler(cfg, hub))
		r.Post("/process-image", processHandler(cfg, media.Image, "image"))
		r.Post("/process-video", processHandler(cfg, media.Video, "video"))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig, hub *wsHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs := cfg.Processor.Active()

		resp := StatusResponse{
			State:       "idle",
			JobsRunning: len(jobs),
			ActiveJobs:  make([]JobResponse, len(jobs)),
			Connections: hub.Len(),
		}
		if len(jobs) > 0 {
			resp.State = "processing"
		}
		for i, j := range jobs {
			resp.ActiveJobs[i] = JobToResponse(j)
		}
		if cfg.Bus != nil {
			resp.ProgressClients = cfg.Bus.Len()
		}

		// Peek never probes; serve keeps the cache current with Watch.
		if cfg.Probe != nil {
			if caps := cfg.Probe.Peek(); caps != nil {
				resp.Transcoder = CapabilitiesToResponse(caps)
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

// processHandler accepts one upload in form field and streams the processed
// result back in the same response.
func processHandler(cfg ServerConfig, kind media.Kind, field string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			WriteError(w, http.StatusBadRequest, "User ID is required", "MISSING_INPUT")
			return
		}

		logger := logging.WithUserID(logging.WithRequestID(cfg.Logger, requestID(r)), userID)

		up, err := receiveUpload(w, r, field, cfg.Uploads)
		if err != nil {
			logger.Warn("upload rejected", "kind", kind, "error", err)
			writeUploadError(w, kind, cfg.Uploads.MaxBytes, err)
			return
		}

		out := delivery.NewResponder(w, r, logger)
		err = cfg.Processor.Run(r.Context(), pipeline.Request{
			UserID:     userID,
			Kind:       kind,
			SourcePath: up.Path,
			Filename:   up.Filename,
		}, out)
		if err == nil {
			return
		}

		var perr *pipeline.Error
		if errors.As(err, &perr) && perr.Reason == pipeline.ReasonMissingInput {
			if !out.Committed() {
				WriteError(w, http.StatusBadRequest, perr.Err.Error(), "MISSING_INPUT")
			}
			return
		}
		if out.Committed() {
			// Headers are gone; the client sees a truncated body.
			return
		}
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to process %s", kind), "PROCESSING_FAILED")
	}
}

func writeUploadError(w http.ResponseWriter, kind media.Kind, maxBytes int64, err error) {
	switch {
	case errors.Is(err, ErrFileTooLarge):
		WriteError(w, http.StatusRequestEntityTooLarge, tooLargeMessage(maxBytes), "FILE_TOO_LARGE")
	case errors.Is(err, ErrUnsupportedType):
		WriteError(w, http.StatusUnsupportedMediaType, "Unsupported file type", "UNSUPPORTED_MEDIA_TYPE")
	case errors.Is(err, errUploadStorage):
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to store %s upload", kind), "INTERNAL_ERROR")
	case errors.Is(err, ErrMissingFile):
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("No %s file uploaded", kind), "MISSING_INPUT")
	default:
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Failed to read %s upload", kind), "BAD_REQUEST")
	}
}
