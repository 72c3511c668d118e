// Package api exposes the transcript pipeline over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/records"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

// Pipeline is the part of *pipeline.Pipeline served over HTTP.
type Pipeline interface {
	Start(ctx context.Context) (string, error)
	IngestChunk(ctx context.Context, sessionID string, raw []byte, declaredExt string) (pipeline.ChunkResult, error)
	Live(sessionID string) (session.Snapshot, error)
	Finalize(ctx context.Context, req pipeline.FinalizeRequest) (pipeline.FinalizeResult, error)
	ProcessFile(ctx context.Context, req pipeline.UploadRequest) (pipeline.FinalizeResult, error)
	WhisperModels() ([]string, error)
	UpdateSummary(ctx context.Context, id, summary string) (records.Record, error)
	DeleteRecord(ctx context.Context, id string) error
}

type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

type RecordReader interface {
	GetRecord(ctx context.Context, id string) (records.Record, error)
	ListRecords(ctx context.Context, limit int) ([]records.Record, error)
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]records.Event, error)
}

type Options struct {
	// WorkDir receives uploaded files while they are processed.
	WorkDir        string
	MaxUploadBytes int64
}

type Router struct {
	handler    *Handler
	middleware *Middleware
}

func NewRouter(p Pipeline, models ModelLister, recs RecordReader, opts Options, logger *slog.Logger) *Router {
	return &Router{
		handler:    NewHandler(p, models, recs, opts, logger),
		middleware: NewMiddleware(logger),
	}
}

// Mount registers the API routes on router.
func (r *Router) Mount(router chi.Router) {
	router.Use(middleware.RequestID)
	router.Use(r.middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Route("/api/v1", func(router chi.Router) {
		router.Post("/streams", r.handler.StartStream)
		router.Get("/streams/{id}", r.handler.GetStream)
		router.Post("/streams/{id}/chunks", r.handler.IngestChunk)
		router.Post("/streams/{id}/finalize", r.handler.FinalizeStream)
		router.Get("/streams/{id}/events", r.handler.ListEvents)

		router.Post("/transcriptions", r.handler.ProcessUpload)
		router.Get("/records", r.handler.ListRecords)
		router.Get("/records/{id}", r.handler.GetRecord)
		router.Put("/records/{id}/summary", r.handler.UpdateSummary)
		router.Delete("/records/{id}", r.handler.DeleteRecord)
		router.Get("/models", r.handler.ListModels)
		router.Get("/whisper-models", r.handler.ListWhisperModels)
	})
}

// Routes returns a standalone handler with the API routes.
func (r *Router) Routes() http.Handler {
	router := chi.NewRouter()
	r.Mount(router)
	return router
}
