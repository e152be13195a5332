package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/julia-epshtein/umunch/internal/audio"
	"github.com/julia-epshtein/umunch/internal/client"
	"github.com/julia-epshtein/umunch/internal/observability"
	"github.com/julia-epshtein/umunch/internal/session"
	"github.com/julia-epshtein/umunch/internal/workout"
	"github.com/julia-epshtein/umunch/internal/worklog"
)

// Controller is the part of client.Client the control surface drives.
type Controller interface {
	Snapshot() client.Snapshot
	Status() session.Status
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	StartConversation(ctx context.Context) error
	StopConversation(ctx context.Context) error
	ResetConversation()
	SendTranscript(ctx context.Context, text string) error
	SendWorkoutData(ctx context.Context, in workout.Intent) error
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) (client.RecordingResult, error)
}

// Server is the local HTTP control surface of the voice logger.
type Server struct {
	voice   Controller
	store   worklog.Store
	metrics *observability.Metrics
	logger  *slog.Logger
}

func New(voice Controller, store worklog.Store, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		voice:   voice,
		store:   store,
		metrics: metrics,
		logger:  logger.With("component", "httpapi"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1/voice", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/conversation/start", s.handleStartConversation)
		r.Post("/conversation/stop", s.handleStopConversation)
		r.Post("/conversation/reset", s.handleResetConversation)
		r.Post("/transcript", s.handleTranscript)
		r.Post("/workout", s.handleSendWorkout)
		r.Post("/recording/start", s.handleStartRecording)
		r.Post("/recording/stop", s.handleStopRecording)
	})
	r.Get("/v1/workouts", s.handleListWorkouts)
	r.Post("/v1/workouts", s.handleSaveWorkout)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handleResetPerfLatency)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"store_mode":  s.storeMode(),
		"voice_state": s.voice.Status().State,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	state := "ready"
	if s.voice.Status().State == session.StateEnded {
		status = http.StatusServiceUnavailable
		state = "closed"
	}
	respondJSON(w, status, map[string]any{
		"status":     state,
		"store_mode": s.storeMode(),
	})
}

type stateResponse struct {
	client.Snapshot
	Session session.Status `json:"session"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, stateResponse{Snapshot: s.voice.Snapshot(), Session: s.voice.Status()})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, s.voice.Connect)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, s.voice.Disconnect)
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, s.voice.StartConversation)
}

func (s *Server) handleStopConversation(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, s.voice.StopConversation)
}

func (s *Server) handleResetConversation(w http.ResponseWriter, r *http.Request) {
	s.voice.ResetConversation()
	respondJSON(w, http.StatusOK, s.voice.Snapshot())
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, s.voice.StartRecording)
}

type transcriptRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	var req transcriptRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.runAction(w, r, func(ctx context.Context) error {
		return s.voice.SendTranscript(ctx, req.Text)
	})
}

func (s *Server) handleSendWorkout(w http.ResponseWriter, r *http.Request) {
	var in workout.Intent
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.runAction(w, r, func(ctx context.Context) error {
		return s.voice.SendWorkoutData(ctx, in)
	})
}

type recordingResponse struct {
	Transcript string  `json:"transcript,omitempty"`
	Bytes      int     `json:"bytes"`
	Format     string  `json:"format,omitempty"`
	Seconds    float64 `json:"seconds"`
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	res, err := s.voice.StopRecording(r.Context())
	if err != nil {
		s.respondActionError(w, err)
		return
	}
	out := recordingResponse{Transcript: res.Transcript}
	if res.Audio != nil {
		out.Bytes = len(res.Audio.Data)
		out.Format = res.Audio.Format
		out.Seconds = res.Audio.Duration.Seconds()
	}
	respondJSON(w, http.StatusOK, out)
}

// runAction runs one control call and answers with the resulting snapshot.
func (s *Server) runAction(w http.ResponseWriter, r *http.Request, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		s.respondActionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.voice.Snapshot())
}

func (s *Server) respondActionError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("voice action failed", "code", code, "error", err)
	}
	respondError(w, status, code, err.Error())
}

func classifyError(err error) (int, string) {
	var verr *workout.ValidationError
	var cerr *session.ConnectionError
	switch {
	case errors.As(err, &verr), errors.Is(err, worklog.ErrInvalidEntry):
		return http.StatusUnprocessableEntity, "invalid_workout"
	case errors.Is(err, session.ErrEmptyTranscript):
		return http.StatusBadRequest, "empty_transcript"
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusConflict, "not_connected"
	case errors.Is(err, session.ErrConnectInProgress):
		return http.StatusConflict, "connect_in_progress"
	case errors.Is(err, workout.ErrAlreadyCaptured), errors.Is(err, workout.ErrConversationEnded):
		return http.StatusConflict, "conversation_closed"
	case errors.Is(err, audio.ErrAlreadyRecording):
		return http.StatusConflict, "already_recording"
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, client.ErrNoRecorder):
		return http.StatusNotImplemented, "capture_unavailable"
	case errors.Is(err, client.ErrClosed), errors.Is(err, session.ErrClosed), errors.Is(err, audio.ErrClosed):
		return http.StatusServiceUnavailable, "closed"
	case errors.As(err, &cerr):
		return http.StatusBadGateway, "connection_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) storeMode() string {
	if s.store == nil {
		return "disabled"
	}
	return worklog.Kind(s.store)
}
