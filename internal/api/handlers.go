package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/dialog"
	"github.com/loqalabs/loqa-scribe/internal/fault"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/records"
)

type Handler struct {
	pipeline Pipeline
	models   ModelLister
	records  RecordReader
	opts     Options
	logger   *slog.Logger
	clock    func() time.Time
}

func NewHandler(p Pipeline, models ModelLister, recs RecordReader, opts Options, logger *slog.Logger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 512 << 20
	}
	return &Handler{
		pipeline: p,
		models:   models,
		records:  recs,
		opts:     opts,
		logger:   logger.With(slog.String("component", "api")),
		clock:    time.Now,
	}
}

type streamResponse struct {
	SessionID  string `json:"session_id"`
	State      string `json:"state,omitempty"`
	Sequence   int    `json:"seq"`
	Transcript string `json:"transcript"`
	Warning    string `json:"warning,omitempty"`
	Chunks     int    `json:"chunks,omitempty"`
}

type finalizeRequest struct {
	SpeakerMode  string `json:"speaker_mode"`
	SubjectSex   string `json:"subject_sex"`
	Model        string `json:"model"`
	WhisperModel string `json:"whisper_model"`
	Language     string `json:"language"`
}

type resultResponse struct {
	RecordID          string   `json:"record_id"`
	Name              string   `json:"name"`
	Dialog            string   `json:"dialog"`
	Summary           string   `json:"summary"`
	SummaryFailed     bool     `json:"summary_failed"`
	DurationSeconds   *float64 `json:"duration_seconds"`
	AudioSeconds      *float64 `json:"audio_seconds"`
	ProcessingSeconds float64  `json:"processing_seconds"`
}

type recordResponse struct {
	resultResponse
	SessionID  string    `json:"session_id"`
	Source     string    `json:"source"`
	SubjectSex string    `json:"subject_sex"`
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
	// Group is the day bucket of CreatedAt in list responses: today,
	// yesterday, day_before_yesterday or older.
	Group string `json:"group,omitempty"`
}

type eventResponse struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type summaryRequest struct {
	Summary string `json:"summary"`
}

func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	id, err := h.pipeline.Start(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, streamResponse{SessionID: id})
}

func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	snap, err := h.pipeline.Live(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, streamResponse{
		SessionID:  snap.ID,
		State:      string(snap.State),
		Sequence:   snap.Seq,
		Transcript: snap.Live,
		Chunks:     len(snap.Chunks),
	})
}

// IngestChunk accepts a multipart form with the audio in "audio_chunk" and
// an optional "ext" field naming its container.
func (h *Handler) IngestChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	file, header, err := r.FormFile("audio_chunk")
	if err != nil {
		h.writeError(w, r, fault.Wrap(fault.InvalidInput, "read chunk", err))
		return
	}
	defer file.Close()
	raw, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, r, fault.Wrap(fault.InvalidInput, "read chunk", err))
		return
	}

	ext := r.FormValue("ext")
	if ext == "" && header != nil {
		ext = filepath.Ext(header.Filename)
	}
	res, err := h.pipeline.IngestChunk(r.Context(), id, raw, ext)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, streamResponse{
		SessionID:  id,
		Sequence:   res.Seq,
		Transcript: res.Transcript,
		Warning:    res.Warning,
	})
}

func (h *Handler) FinalizeStream(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, r, fault.Wrap(fault.InvalidInput, "decode finalize request", err))
			return
		}
	}
	res, err := h.pipeline.Finalize(r.Context(), pipeline.FinalizeRequest{
		SessionID:    chi.URLParam(r, "id"),
		SpeakerMode:  req.SpeakerMode,
		SubjectSex:   req.SubjectSex,
		Model:        req.Model,
		WhisperModel: req.WhisperModel,
		Language:     req.Language,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResult(res))
}

// ProcessUpload accepts a whole recording in the multipart field "audiofile".
func (h *Handler) ProcessUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	file, header, err := r.FormFile("audiofile")
	if err != nil {
		h.writeError(w, r, fault.Wrap(fault.InvalidInput, "read upload", err))
		return
	}
	defer file.Close()

	if err := os.MkdirAll(h.opts.WorkDir, 0o755); err != nil {
		h.writeError(w, r, fmt.Errorf("create upload dir: %w", err))
		return
	}
	path := filepath.Join(h.opts.WorkDir, "upload_"+uuid.NewString()+strings.ToLower(filepath.Ext(header.Filename)))
	if err := saveTo(path, file); err != nil {
		h.writeError(w, r, err)
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("failed to remove upload", slog.String("path", path), slog.String("error", err.Error()))
		}
	}()

	res, err := h.pipeline.ProcessFile(r.Context(), pipeline.UploadRequest{
		Path:         path,
		SpeakerMode:  r.FormValue("speaker_mode"),
		SubjectSex:   r.FormValue("subject_sex"),
		Model:        r.FormValue("model"),
		WhisperModel: r.FormValue("whisper_model"),
		Language:     r.FormValue("language"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResult(res))
}

func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.records.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecord(rec))
}

// ListRecords returns the newest records first, each tagged with its day
// bucket. The optional "limit" query parameter caps the count.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	recs, err := h.records.ListRecords(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.clock()
	out := make([]recordResponse, 0, len(recs))
	for _, rec := range recs {
		resp := toRecord(rec)
		resp.Group = dayGroup(rec.CreatedAt, now)
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string][]recordResponse{"records": out})
}

// UpdateSummary stores an edited summary sent as {"summary": "..."}.
func (h *Handler) UpdateSummary(w http.ResponseWriter, r *http.Request) {
	var req summaryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		h.writeError(w, r, fault.Wrap(fault.InvalidInput, "decode summary", err))
		return
	}
	rec, err := h.pipeline.UpdateSummary(r.Context(), chi.URLParam(r, "id"), req.Summary)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecord(rec))
}

func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.pipeline.DeleteRecord(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListEvents returns the stored timeline of a session, oldest first.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	events, err := h.records.ListSessionEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		resp := eventResponse{ID: e.ID, Type: e.Type, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			resp.Payload = e.Payload
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string][]eventResponse{"events": out})
}

func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.models.ListModels(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"models": models})
}

// ListWhisperModels returns the recognition model files a request may name
// in "whisper_model".
func (h *Handler) ListWhisperModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.pipeline.WhisperModels()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"models": models})
}

func toRecord(rec records.Record) recordResponse {
	return recordResponse{
		resultResponse: resultResponse{
			RecordID:          rec.ID,
			Name:              rec.Name,
			Dialog:            rec.Dialog,
			Summary:           rec.Summary,
			SummaryFailed:     dialog.IsSummaryError(rec.Summary),
			DurationSeconds:   rec.DurationSeconds,
			AudioSeconds:      rec.AudioSeconds,
			ProcessingSeconds: rec.ProcessingSeconds,
		},
		SessionID:  rec.SessionID,
		Source:     rec.Source,
		SubjectSex: rec.SubjectSex,
		Model:      rec.Model,
		CreatedAt:  rec.CreatedAt,
	}
}

// dayGroup buckets created by calendar day relative to now, in now's zone.
func dayGroup(created, now time.Time) string {
	day := func(t time.Time) time.Time {
		t = t.In(now.Location())
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, now.Location())
	}
	switch days := int(math.Round(day(now).Sub(day(created)).Hours() / 24)); {
	case days <= 0:
		return "today"
	case days == 1:
		return "yesterday"
	case days == 2:
		return "day_before_yesterday"
	default:
		return "older"
	}
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fault.New(fault.InvalidInput, "parse limit", "invalid limit "+raw)
	}
	return n, nil
}

func toResult(res pipeline.FinalizeResult) resultResponse {
	return resultResponse{
		RecordID:          res.RecordID,
		Name:              res.Name,
		Dialog:            res.Dialog,
		Summary:           res.Summary,
		SummaryFailed:     dialog.IsSummaryError(res.Summary),
		DurationSeconds:   res.Duration,
		AudioSeconds:      res.AudioSeconds,
		ProcessingSeconds: res.ProcessingSeconds,
	}
}

func saveTo(path string, src io.Reader) error {
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("store upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fault.Wrap(fault.InvalidInput, "store upload", err)
	}
	return dst.Close()
}

func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	switch fault.CodeOf(err) {
	case fault.NotFound:
		return http.StatusNotFound
	case fault.InvalidInput, fault.AudioMissing:
		return http.StatusBadRequest
	case fault.ToolMissing:
		return http.StatusServiceUnavailable
	case fault.Timeout:
		return http.StatusGatewayTimeout
	case fault.RemoteCallFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	attrs := []any{
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	}
	if status >= 500 {
		h.logger.Error("request failed", attrs...)
	} else {
		h.logger.Debug("request rejected", attrs...)
	}
	body := map[string]string{"error": err.Error()}
	if code := fault.CodeOf(err); code != "" {
		body["code"] = string(code)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
