package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/broadcast"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/ledger"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

var logger = logging.Logger("httpapi")

const (
	DefaultPublishTimeout = 5 * time.Second
	defaultPageSize       = 100
	maxPageSize           = 1000
)

// Broadcaster is the subset of broadcast.Service the API needs.
type Broadcaster interface {
	IsLeader() bool
	LeaderHint() types.LeaderHint
	Status() types.NodeStatus
	Publish(ctx context.Context, data []byte) (broadcast.Result, error)
	PublishWithID(ctx context.Context, id uuid.UUID, data []byte) (broadcast.Result, error)
	Since(from uint64, limit int) ([]ledger.Record, error)
}

// Server serves the client HTTP API backed by a Broadcaster.
type Server struct {
	svc Broadcaster
	// PublishTimeout bounds how long POST /broadcast waits.
	PublishTimeout time.Duration
}

// New creates a new HTTP API server.
func New(svc Broadcaster) *Server {
	return &Server{svc: svc, PublishTimeout: DefaultPublishTimeout}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// shared middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.Healthz)
	r.Get("/status", s.Status)
	r.Post("/broadcast", s.Broadcast)
	r.Get("/deliveries", s.Deliveries)
	r.Get("/ui", handleUI())
	return r
}

// requestLogger logs one line per request through the package logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debugw("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

type broadcastRequest struct {
	// ID is optional; a retry with the same id is not published twice.
	ID   string `json:"id,omitempty"`
	Data []byte `json:"data"`
}

type broadcastResponse struct {
	Ok bool `json:"ok"`
	broadcast.Result
}

func (s *Server) Broadcast(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	var body broadcastRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	if body.Data == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "data is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.PublishTimeout)
	defer cancel()

	var (
		res broadcast.Result
		err error
	)
	if body.ID != "" {
		id, perr := uuid.Parse(body.ID)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "id must be a UUID")
			return
		}
		res, err = s.svc.PublishWithID(ctx, id, body.Data)
	} else {
		res, err = s.svc.Publish(ctx, body.Data)
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, broadcastResponse{Ok: true, Result: res})
	case errors.Is(err, raft.ErrNotLeader):
		// Leadership moved between the check and the proposal.
		s.writeNotLeader(w)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.Is(err, broadcast.ErrStopped), errors.Is(err, raft.ErrNodeStopped):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		logger.Errorw("publish failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type deliveriesResponse struct {
	Ok      bool            `json:"ok"`
	Records []ledger.Record `json:"records"`
	Next    uint64          `json:"next"`
}

func (s *Server) Deliveries(w http.ResponseWriter, r *http.Request) {
	from, err := queryUint(r, "from", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "from must be a non-negative integer")
		return
	}
	limit, err := queryUint(r, "limit", defaultPageSize)
	if err != nil || limit == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
		return
	}
	limit = min(limit, maxPageSize)

	recs, err := s.svc.Since(from, int(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	next := from
	if len(recs) > 0 {
		next = recs[len(recs)-1].Index + 1
	}
	if recs == nil {
		recs = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, deliveriesResponse{Ok: true, Records: recs, Next: next})
}

// redirectIfNotLeader returns 307 with leader hint if this node is not the leader.
func (s *Server) redirectIfNotLeader(w http.ResponseWriter) bool {
	if s.svc.IsLeader() {
		return false
	}
	s.writeNotLeader(w)
	return true
}

func (s *Server) writeNotLeader(w http.ResponseWriter) {
	hint := s.svc.LeaderHint()
	if hint.LeaderAddr != "" {
		w.Header().Set("Location", hint.LeaderAddr+"/broadcast")
	}
	writeJSON(w, http.StatusTemporaryRedirect, map[string]interface{}{
		"error":       "not_leader",
		"leader_hint": hint,
	})
}

// --- JSON helpers ---

func decodeJSON(r *http.Request, dst interface{}) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func queryUint(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]interface{}{"ok": false, "error": code, "message": msg})
}
