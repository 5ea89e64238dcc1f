package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/loqalabs/loqa-transcribe/internal/inference"
	"github.com/loqalabs/loqa-transcribe/internal/ingest"
	"github.com/loqalabs/loqa-transcribe/internal/invoker"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/session"
	"github.com/loqalabs/loqa-transcribe/internal/status"
)

type loadModelRequest struct {
	Model     string `json:"model"`
	Precision string `json:"precision"`
}

type statusResponse struct {
	Entries []status.Entry `json:"entries"`
	Next    int64          `json:"next"`
}

type transcriptResponse struct {
	Text string `json:"text"`
}

type cancelResponse struct {
	Result invoker.CancelResult `json:"result"`
}

type samplesResponse struct {
	Samples []string `json:"samples"`
}

type historyResponse struct {
	Transcripts []protocol.Transcript `json:"transcripts"`
}

// History lists past transcripts, newest first.
type History interface {
	RecentTranscripts(ctx context.Context, limit int) ([]protocol.Transcript, error)
}

// apiServer exposes one Session over HTTP.
type apiServer struct {
	session   *session.Session
	history   History
	logger    *slog.Logger
	maxUpload int64
}

// NewAPIHandler registers the /v1 routes on mux. history may be nil.
func NewAPIHandler(mux *http.ServeMux, sess *session.Session, history History, maxUpload int64, logger *slog.Logger) {
	s := &apiServer{
		session:   sess,
		history:   history,
		logger:    logger.With(slog.String("component", "api")),
		maxUpload: maxUpload,
	}
	mux.HandleFunc("GET /v1/session", s.handleSession)
	mux.HandleFunc("POST /v1/model", s.handleLoadModel)
	mux.HandleFunc("POST /v1/audio", s.handleUpload)
	mux.HandleFunc("GET /v1/audio/samples", s.handleListSamples)
	mux.HandleFunc("POST /v1/audio/samples/{key}", s.handleLoadSample)
	mux.HandleFunc("POST /v1/transcriptions", s.handleTranscribe)
	mux.HandleFunc("POST /v1/transcriptions/stop", s.handleStop)
	mux.HandleFunc("GET /v1/transcript", s.handleTranscript)
	mux.HandleFunc("DELETE /v1/transcript", s.handleClearTranscript)
	mux.HandleFunc("GET /v1/transcripts", s.handleHistory)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
}

func (s *apiServer) handleSession(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.Info())
}

func (s *apiServer) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	var req loadModelRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// model downloads outlive a dropped client connection
	ctx := context.WithoutCancel(r.Context())
	if err := s.session.LoadModel(ctx, strings.TrimSpace(req.Model), strings.TrimSpace(req.Precision)); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Info())
}

func (s *apiServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.maxUpload+1<<20)
	name := r.URL.Query().Get("name")
	var reader io.Reader = body

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = body
		file, header, err := r.FormFile("file")
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
			return
		}
		defer file.Close()
		reader = file
		if name == "" {
			name = header.Filename
		}
	}

	src, err := ingest.FromReader(name, reader, s.maxUpload)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if len(src.Data) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty audio upload")
		return
	}
	if err := s.session.LoadSource(r.Context(), src); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Info())
}

func (s *apiServer) handleListSamples(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, samplesResponse{Samples: s.session.Samples()})
}

func (s *apiServer) handleLoadSample(w http.ResponseWriter, r *http.Request) {
	if err := s.session.LoadSample(r.Context(), r.PathValue("key")); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Info())
}

func (s *apiServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	var params inference.Params
	if err := decodeBody(r, &params); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// cancellation goes through /v1/transcriptions/stop
	res, err := s.session.Transcribe(context.WithoutCancel(r.Context()), params)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *apiServer) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, cancelResponse{Result: s.session.Stop()})
}

func (s *apiServer) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, transcriptResponse{Text: s.session.Transcript()})
}

func (s *apiServer) handleClearTranscript(w http.ResponseWriter, _ *http.Request) {
	s.session.ClearTranscript()
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	resp := historyResponse{Transcripts: []protocol.Transcript{}}
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, resp)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	transcripts, err := s.history.RecentTranscripts(r.Context(), limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	resp.Transcripts = append(resp.Transcripts, transcripts...)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	entries := s.session.Status().Since(since)
	next := since
	if len(entries) > 0 {
		next = entries[len(entries)-1].Seq
	}
	if entries == nil {
		entries = []status.Entry{}
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Entries: entries, Next: next})
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, session.ErrNotLoaded), errors.Is(err, session.ErrNoAudio), errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ingest.ErrFetch), errors.Is(err, inference.ErrPipelineLoad):
		return http.StatusBadGateway
	case errors.Is(err, audio.ErrDecode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, audio.ErrUnsupportedEnvironment):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *apiServer) writeFailure(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("request failed", slog.Int("status", code), slog.String("error", err.Error()))
	}
	s.writeError(w, code, err.Error())
}

func (s *apiServer) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]string{"error": message})
}
