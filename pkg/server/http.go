// Package server exposes an Auditor over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/phnx-im/eid/internal/storage"
	"github.com/phnx-im/eid/pkg/audit"
	"github.com/phnx-im/eid/pkg/eid"
)

// HTTPHandler serves the audit API.
type HTTPHandler struct {
	auditor     *audit.Auditor
	logger      *slog.Logger
	maxBodySize int64
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(auditor *audit.Auditor, opts ...Option) *HTTPHandler {
	cfg := applyOptions(opts...)
	return &HTTPHandler{
		auditor:     auditor,
		logger:      cfg.Logger,
		maxBodySize: cfg.MaxBodySize,
	}
}

// Register adds the audit routes to mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /groups", h.HandleOpen)
	mux.HandleFunc("POST /groups/{groupID}/evolvements", h.HandleSubmit)
	mux.HandleFunc("GET /groups/{groupID}/members", h.HandleGetMembers)
	mux.HandleFunc("GET /groups/{groupID}/log", h.HandleGetLog)
	mux.HandleFunc("GET /groups/{groupID}/checkpoint", h.HandleCheckpoint)
	mux.HandleFunc("GET /groups/{groupID}/evolvements/{cid}", h.HandleGetGroupEvolvement)
	mux.HandleFunc("GET /evolvements/{cid}", h.HandleGetEvolvement)
}

// OpenResponse is the response for POST /groups.
type OpenResponse struct {
	Group eid.GroupID `json:"group"`
	Epoch uint64      `json:"epoch"`
}

// SubmitResponse is the response for POST /groups/{groupID}/evolvements.
type SubmitResponse struct {
	CID   string `json:"cid"`
	Epoch uint64 `json:"epoch"`
}

// LogResponse is the response for GET /groups/{groupID}/log.
type LogResponse struct {
	Trusted     eid.TranscriptState `json:"trusted"`
	Evolvements []eid.Evolvement    `json:"evolvements"`
}

// HandleOpen handles POST /groups. The body is the trusted TranscriptState.
func (h *HTTPHandler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	var ts eid.TranscriptState
	if !h.decode(w, r, &ts) {
		return
	}
	if err := h.auditor.Open(r.Context(), ts); err != nil {
		h.writeError(w, "open transcript", ts.Group, err)
		return
	}
	writeJSON(w, http.StatusCreated, OpenResponse{Group: ts.Group, Epoch: ts.Epoch})
}

// HandleSubmit handles POST /groups/{groupID}/evolvements.
func (h *HTTPHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	group, ok := groupID(w, r)
	if !ok {
		return
	}
	var ev eid.Evolvement
	if !h.decode(w, r, &ev) {
		return
	}
	id, err := h.auditor.Submit(r.Context(), group, ev)
	if err != nil {
		h.writeError(w, "submit evolvement", group, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{CID: id, Epoch: ev.Epoch})
}

// HandleGetMembers handles GET /groups/{groupID}/members and returns the
// current state of the group.
func (h *HTTPHandler) HandleGetMembers(w http.ResponseWriter, r *http.Request) {
	group, ok := groupID(w, r)
	if !ok {
		return
	}
	ts, err := h.auditor.State(r.Context(), group)
	if err != nil {
		h.writeError(w, "get members", group, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// HandleGetLog handles GET /groups/{groupID}/log.
func (h *HTTPHandler) HandleGetLog(w http.ResponseWriter, r *http.Request) {
	group, ok := groupID(w, r)
	if !ok {
		return
	}
	trusted, log, err := h.auditor.Log(r.Context(), group)
	if err != nil {
		h.writeError(w, "get log", group, err)
		return
	}
	if log == nil {
		log = []eid.Evolvement{}
	}
	writeJSON(w, http.StatusOK, LogResponse{Trusted: trusted, Evolvements: log})
}

// HandleCheckpoint handles GET /groups/{groupID}/checkpoint and serves the
// signed note as text/plain.
func (h *HTTPHandler) HandleCheckpoint(w http.ResponseWriter, r *http.Request) {
	group, ok := groupID(w, r)
	if !ok {
		return
	}
	cp, err := h.auditor.Checkpoint(r.Context(), group)
	if err != nil {
		h.writeError(w, "get checkpoint", group, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=5")
	w.WriteHeader(http.StatusOK)
	w.Write(cp)
}

// HandleGetEvolvement handles GET /evolvements/{cid}.
func (h *HTTPHandler) HandleGetEvolvement(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("cid")
	if id == "" {
		http.Error(w, "cid required", http.StatusBadRequest)
		return
	}
	ev, err := h.auditor.Evolvement(r.Context(), id)
	if err != nil {
		h.writeError(w, "get evolvement", "", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// HandleGetGroupEvolvement handles GET /groups/{groupID}/evolvements/{cid}.
// Unlike /evolvements/{cid} it finds evolvements of groups this process has
// not loaded yet.
func (h *HTTPHandler) HandleGetGroupEvolvement(w http.ResponseWriter, r *http.Request) {
	group, ok := groupID(w, r)
	if !ok {
		return
	}
	id := r.PathValue("cid")
	if id == "" {
		http.Error(w, "cid required", http.StatusBadRequest)
		return
	}
	ev, err := h.auditor.GroupEvolvement(r.Context(), group, id)
	if err != nil {
		h.writeError(w, "get evolvement", group, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func groupID(w http.ResponseWriter, r *http.Request) (eid.GroupID, bool) {
	id := r.PathValue("groupID")
	if id == "" {
		http.Error(w, "groupID required", http.StatusBadRequest)
		return "", false
	}
	// Group ids name directories on disk.
	if !storage.ValidGroupID(id) {
		http.Error(w, "invalid groupID", http.StatusBadRequest)
		return "", false
	}
	return eid.GroupID(id), true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps audit errors to status codes.
func (h *HTTPHandler) writeError(w http.ResponseWriter, op string, group eid.GroupID, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, audit.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, audit.ErrInvalidGroup), errors.Is(err, audit.ErrInvalidCID):
		status = http.StatusBadRequest
	case errors.Is(err, audit.ErrExists), errors.Is(err, audit.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, audit.ErrRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, audit.ErrNoSigner):
		status = http.StatusNotImplemented
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "op", op, "group", group, "error", err)
		http.Error(w, "failed to "+op, status)
		return
	}
	h.logger.Debug("request refused", "op", op, "group", group, "status", status, "error", err)
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
