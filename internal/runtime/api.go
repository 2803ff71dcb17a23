package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-relay/internal/capability"
	"github.com/loqalabs/loqa-relay/internal/capture"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/playback"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

const (
	defaultListLimit = 100
	maxConfigBody    = 64 << 10
)

type audioPusher interface {
	StartAt(sessionID string, seq uint64)
	PushWAV(ctx context.Context, sessionID string, r io.ReadSeeker) (capture.Result, error)
	Configure(sessionID string, opts protocol.SessionOptions)
	Options(sessionID string) (protocol.SessionOptions, bool)
}

type sessionCloser interface {
	Close(ctx context.Context, sessionID string) error
}

type outcomeReader interface {
	ListSessionOutcomes(ctx context.Context, sessionID string, limit int) ([]eventstore.Outcome, error)
	ListDeadLetters(ctx context.Context, limit int) ([]eventstore.Outcome, error)
}

type playbackStats interface {
	Stats() []playback.SessionStats
}

type nodeQuerier interface {
	Query(filter func(capability.NodeInfo) bool) []capability.NodeInfo
}

// api serves the operator HTTP surface. Optional collaborators are nil when
// the unit is not hosted on this node.
type api struct {
	log       *slog.Logger
	capture   audioPusher
	sessions  sessionCloser
	ledger    outcomeReader
	playback  playbackStats
	nodes     nodeQuerier
	metrics   http.Handler
	ready     func() (bool, map[string]bool)
	maxUpload int64
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions/{sessionID}/audio", a.handlePushAudio)
		r.Post("/sessions/{sessionID}/close", a.handleCloseSession)
		r.Post("/sessions/{sessionID}/config", a.handleConfigureSession)
		r.Get("/sessions/{sessionID}/config", a.handleSessionConfig)
		r.Get("/sessions/{sessionID}/outcomes", a.handleSessionOutcomes)
		r.Get("/deadletters", a.handleDeadLetters)
		r.Get("/playback/sessions", a.handlePlaybackSessions)
		r.Get("/nodes", a.handleNodes)
	})
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready, units := a.ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "units": units})
}

func (a *api) handlePushAudio(w http.ResponseWriter, r *http.Request) {
	if a.capture == nil {
		writeError(w, http.StatusNotImplemented, "capture is disabled on this node")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if from := r.URL.Query().Get("from"); from != "" {
		seq, err := strconv.ParseUint(from, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be a sequence number")
			return
		}
		a.capture.StartAt(sessionID, seq)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxUpload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "audio exceeds upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	res, err := a.capture.PushWAV(r.Context(), sessionID, bytes.NewReader(body))
	if err != nil {
		a.log.Warn("audio push failed",
			slog.String("session_id", sessionID),
			slog.Int("published", res.Chunks),
			slog.String("error", err.Error()))
		status := http.StatusBadGateway
		if errors.Is(err, capture.ErrInvalidAudio) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (a *api) handleConfigureSession(w http.ResponseWriter, r *http.Request) {
	if a.capture == nil {
		writeError(w, http.StatusNotImplemented, "capture is disabled on this node")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	var opts protocol.SessionOptions
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session config: "+err.Error())
		return
	}
	a.capture.Configure(sessionID, opts)
	writeJSON(w, http.StatusOK, sessionConfig{SessionID: sessionID, SessionOptions: opts})
}

func (a *api) handleSessionConfig(w http.ResponseWriter, r *http.Request) {
	if a.capture == nil {
		writeError(w, http.StatusNotImplemented, "capture is disabled on this node")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	opts, _ := a.capture.Options(sessionID)
	writeJSON(w, http.StatusOK, sessionConfig{SessionID: sessionID, SessionOptions: opts})
}

type sessionConfig struct {
	SessionID string `json:"session_id"`
	protocol.SessionOptions
}

func (a *api) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := a.sessions.Close(r.Context(), sessionID); err != nil {
		a.log.Error("session close failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "close failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID, "status": "closed"})
}

func (a *api) handleSessionOutcomes(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	rows, err := a.ledger.ListSessionOutcomes(r.Context(), sessionID, limitParam(r))
	if err != nil {
		a.log.Error("query outcomes failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

func (a *api) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	rows, err := a.ledger.ListDeadLetters(r.Context(), limitParam(r))
	if err != nil {
		a.log.Error("query dead letters failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

func (a *api) handlePlaybackSessions(w http.ResponseWriter, _ *http.Request) {
	stats := []playback.SessionStats{}
	if a.playback != nil {
		stats = a.playback.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) handleNodes(w http.ResponseWriter, r *http.Request) {
	var filter func(capability.NodeInfo) bool
	switch q := r.URL.Query(); {
	case q.Get("unit") != "":
		filter = capability.WithUnitFilter(q.Get("unit"))
	case q.Get("kind") != "":
		filter = capability.WithKindFilter(q.Get("kind"))
	}
	nodes := a.nodes.Query(filter)
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func limitParam(r *http.Request) int {
	limit := defaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	return limit
}

func nonNil(rows []eventstore.Outcome) []eventstore.Outcome {
	if rows == nil {
		return []eventstore.Outcome{}
	}
	return rows
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
