package server

import (
	"net/http"

	"github.com/ashita-ai/kaigi/internal/council"
	"github.com/ashita-ai/kaigi/internal/ctxutil"
	"github.com/ashita-ai/kaigi/internal/model"
)

// HandleEscalate handles POST /v1/sessions/{id}/escalate.
func (h *Handlers) HandleEscalate(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.EscalateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	run, err := h.council.Escalate(r.Context(), council.EscalateInput{
		SessionID: id,
		Query:     req.Query,
		UserID:    ctxutil.UserIDFromContext(r.Context()),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, run)
}

// HandleStartRun handles POST /v1/runs/{run_id}/start. A synchronous start
// returns the finished run; an async start returns 202 with the pending run.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	var req model.RunCouncilRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Async {
		run, err := h.council.StartCouncil(r.Context(), runID)
		if err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
		writeJSON(w, r, http.StatusAccepted, run)
		return
	}
	run, err := h.council.RunCouncil(r.Context(), runID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleReturnToChat handles POST /v1/sessions/{id}/return.
func (h *Handlers) HandleReturnToChat(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.ReturnToChatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	sess, err := h.council.ReturnToChat(r.Context(), council.ReturnToChatInput{
		SessionID: id,
		Message:   req.Message,
		UserID:    ctxutil.UserIDFromContext(r.Context()),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sess)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.council.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns handles GET /v1/sessions/{id}/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit := queryLimit(r, 20)
	offset := queryOffset(r)
	runs, err := h.council.ListRuns(r.Context(), id, limit, offset)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeList(w, r, runs, len(runs), limit, offset)
}

// HandleRoles handles GET /v1/roles.
func (h *Handlers) HandleRoles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.council.Roles(r.Context()))
}
