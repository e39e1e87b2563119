package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/reasoning"
)

// HandleReasoningCallback handles POST /v1/callbacks/reasoning?token=...
//
// The token binds the URL to one correlation id, so a leaked URL cannot
// resolve any other pending message. Unmatched deliveries answer 200 with
// resolved=false; the backend must not retry them.
func (h *Handlers) HandleReasoningCallback(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "callbacks not configured")
		return
	}
	claims, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid callback token")
		return
	}

	// The backend owns this schema; unknown fields are tolerated.
	var cb reasoning.Callback
	body := http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(&cb); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		handleDecodeError(w, r, err)
		return
	}
	if cb.CorrelationID == "" {
		cb.CorrelationID = claims.CorrelationID
	}
	if cb.CorrelationID != claims.CorrelationID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeUnauthorized, "correlation_id does not match token")
		return
	}

	resolved, err := h.council.HandleCallback(r.Context(), cb)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"resolved": resolved})
}
