package server

import (
	"net/http"

	"github.com/ashita-ai/kaigi/internal/council"
	"github.com/ashita-ai/kaigi/internal/ctxutil"
	"github.com/ashita-ai/kaigi/internal/model"
)

// HandleCreateSession handles POST /v1/sessions.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	sess, err := h.council.CreateSession(r.Context(), council.CreateSessionInput{
		Title:       req.Title,
		Description: req.Description,
		Agents:      req.Agents,
		UserID:      ctxutil.UserIDFromContext(r.Context()),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, sess)
}

// HandleListSessions handles GET /v1/sessions.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 20)
	offset := queryOffset(r)
	sessions, err := h.council.ListSessions(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeList(w, r, sessions, len(sessions), limit, offset)
}

// HandleGetSession handles GET /v1/sessions/{id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	detail, err := h.council.GetSession(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail)
}

// HandleUpdateSession handles PATCH /v1/sessions/{id}.
func (h *Handlers) HandleUpdateSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.UpdateSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	sess, err := h.council.UpdateSession(r.Context(), id, council.UpdateSessionInput{
		Title:       req.Title,
		Description: req.Description,
		Agents:      req.Agents,
		UserID:      ctxutil.UserIDFromContext(r.Context()),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sess)
}

// HandleDeleteSession handles DELETE /v1/sessions/{id}.
func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.council.DeleteSession(r.Context(), id, ctxutil.UserIDFromContext(r.Context())); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAppendUser handles POST /v1/sessions/{id}/messages. The response is
// 202 when an addressed agent was dispatched asynchronously.
func (h *Handlers) HandleAppendUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.AppendUserRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	res, err := h.council.AppendUser(r.Context(), council.AppendUserInput{
		SessionID: id,
		Text:      req.Text,
		Agent:     req.Agent,
		Async:     req.Async,
		UserID:    ctxutil.UserIDFromContext(r.Context()),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	status := http.StatusCreated
	if res.Job != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, res)
}

// HandleAppendAgent handles POST /v1/sessions/{id}/agent-messages.
func (h *Handlers) HandleAppendAgent(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.AppendAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	m, err := h.council.AppendAgent(r.Context(), council.AppendAgentInput{
		SessionID: id,
		Agent:     req.Agent,
		Text:      req.Text,
		UserID:    ctxutil.UserIDFromContext(r.Context()),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, m)
}

type stepResponse struct {
	Message *model.Message   `json:"message,omitempty"`
	Job     *council.StepJob `json:"job,omitempty"`
}

// HandleStep handles POST /v1/sessions/{id}/steps.
func (h *Handlers) HandleStep(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.StepRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	res, err := h.council.Step(r.Context(), council.StepInput{
		SessionID: id,
		Agent:     req.Agent,
		Goal:      req.Goal,
		Async:     req.Async,
		UserID:    ctxutil.UserIDFromContext(r.Context()),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	status := http.StatusCreated
	if res.Job != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, stepResponse{Message: res.Message, Job: res.Job})
}

// HandleDeleteTurn handles DELETE /v1/sessions/{id}/turns/{message_id}.
func (h *Handlers) HandleDeleteTurn(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	msgID, err := parseUUID(r, "message_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	n, err := h.council.DeleteTurn(r.Context(), id, msgID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int64{"deleted": n})
}

// HandleListEvents handles GET /v1/sessions/{id}/events. Events outlive their
// session, so a deleted session still returns its audit trail.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	if h.eventLog == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event log not available")
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit := queryLimit(r, 100)
	events, err := h.eventLog.ListEvents(r.Context(), id.String(), limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeList(w, r, events, len(events), limit, 0)
}
