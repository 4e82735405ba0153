package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/provara/provara/internal/approval"
	"github.com/provara/provara/internal/chain"
	"github.com/provara/provara/internal/event"
	"github.com/provara/provara/internal/gate"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", s.handleIngest)
		r.Post("/actions/evaluate", s.handleEvaluate)
		r.Get("/verify", s.handleVerify)
		r.Get("/approvals", s.handleListApprovals)
		r.Post("/approvals/{id}/resolve", s.handleResolveApproval)
		r.Post("/exports", s.handleExport)
	})
	return r
}

// handleIngest accepts an event draft for appending. Fire-and-forget: a 202
// means the draft passed validation and is queued, not that it is chained.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(body)
	dec.UseNumber()

	var e event.Event
	if err := dec.Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "malformed event: "+err.Error())
		return
	}
	if err := s.pipeline.Submit(&e); err != nil {
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": e.ID})
}

// handleEvaluate runs the policy gate. On an approve escalation this call
// blocks until the approval resolves or the client disconnects.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.UseNumber()

	var req gate.ActionRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	// session_id is required so the recorded decision event passes ledger
	// validation and lands on a session-scoped stream.
	if req.AppID == "" || req.SessionID == "" || req.Action == "" || !req.Actor.Valid() {
		writeError(w, http.StatusBadRequest, "app_id, session_id, action, and a valid actor are required")
		return
	}

	decision, err := s.gate.Evaluate(r.Context(), req)
	if err != nil {
		if errors.Is(err, r.Context().Err()) {
			// Client abandoned the gated action mid-wait.
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// handleVerify re-verifies a stream range. Integrity failures are a normal
// response here, not an HTTP error: the body carries the first failing
// location.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	stream := r.URL.Query().Get("stream")
	if stream == "" {
		writeError(w, http.StatusBadRequest, "stream query parameter is required")
		return
	}
	from := queryInt(r, "from", 1)
	to := queryInt(r, "to", 0)

	result, err := s.chain.Verify(r.Context(), stream, from, to)
	if err != nil {
		var ierr *chain.IntegrityError
		switch {
		case errors.As(err, &ierr):
			writeJSON(w, http.StatusOK, result)
		case errors.Is(err, chain.ErrNotFound):
			writeError(w, http.StatusNotFound, "stream not found")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	state := approval.State(r.URL.Query().Get("state"))
	list, err := s.broker.List(r.Context(), state)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []*approval.Request{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Approve  bool   `json:"approve"`
		Resolver string `json:"resolver"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if req.Resolver == "" {
		writeError(w, http.StatusBadRequest, "resolver is required")
		return
	}

	resolved, err := s.broker.Resolve(r.Context(), id, req.Approve, req.Resolver, req.Reason)
	switch {
	case errors.Is(err, approval.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "approval already resolved")
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, "approval not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, resolved)
	}
}

// handleExport builds an evidence pack. A broken chain aborts the whole
// export rather than producing a partially trustworthy artifact.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppID string    `json:"app_id"`
		From  time.Time `json:"from"`
		To    time.Time `json:"to"`
		Kinds []string  `json:"kinds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if req.AppID == "" || req.From.IsZero() || req.To.IsZero() {
		writeError(w, http.StatusBadRequest, "app_id, from, and to are required")
		return
	}

	outDir := filepath.Join(s.cfg.ExportDir, req.AppID+"-"+uuid.NewString())
	pack, err := s.packager.Export(r.Context(), req.AppID, req.From, req.To, req.Kinds, outDir)
	if err != nil {
		var ierr *chain.IntegrityError
		switch {
		case errors.As(err, &ierr):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":    "integrity violation",
				"stream":   ierr.Stream,
				"seq":      ierr.Seq,
				"event_id": ierr.EventID,
				"reason":   ierr.Reason,
			})
		case errors.Is(err, chain.ErrNotFound):
			writeError(w, http.StatusNotFound, "no events for application")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dir":      pack.Dir,
		"manifest": pack.Manifest,
		"summary":  pack.Summary,
	})
}

func queryInt(r *http.Request, name string, def int64) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
