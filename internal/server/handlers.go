package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaigi/internal/callback"
	"github.com/ashita-ai/kaigi/internal/council"
	"github.com/ashita-ai/kaigi/internal/eventlog"
	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/workpool"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Verifier checks the signed token on a reasoning callback URL.
type Verifier interface {
	Verify(token string) (*callback.Claims, error)
}

// EventReader reads back the secondary event log.
type EventReader interface {
	ListEvents(ctx context.Context, sessionRef string, limit int) ([]model.Event, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	council             *council.Service
	verifier            Verifier
	broker              *Broker
	store               Pinger
	storeKind           string
	pool                *workpool.Pool
	events              *eventlog.Buffer
	eventLog            EventReader
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
	startedAt           time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Verifier, Broker, Pool, Events, EventLog, OpenAPISpec.
type HandlersDeps struct {
	Council             *council.Service
	Verifier            Verifier
	Broker              *Broker
	Store               Pinger
	StoreKind           string
	Pool                *workpool.Pool
	Events              *eventlog.Buffer
	EventLog            EventReader
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		council:             d.Council,
		verifier:            d.Verifier,
		broker:              d.Broker,
		store:               d.Store,
		storeKind:           d.StoreKind,
		pool:                d.Pool,
		events:              d.Events,
		eventLog:            d.EventLog,
		logger:              d.Logger,
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
		startedAt:           time.Now(),
	}
}

// HandleSubscribe handles GET /v1/subscribe (SSE). An optional session_id
// query parameter restricts the stream to one session.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream not available")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID != "" {
		if _, err := uuid.Parse(sessionID); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid session_id: "+sessionID)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Idle streams outlive WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(sessionID)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			storeStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	// Buffer health: >50% capacity = high, >75% capacity = critical.
	bufDepth := 0
	bufStatus := "ok"
	var dropped int64
	if h.events != nil {
		bufDepth = h.events.Len()
		dropped = h.events.DroppedEvents()
		capacity := h.events.Capacity()
		if bufDepth > capacity*3/4 {
			bufStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if bufDepth > capacity/2 {
			bufStatus = "high"
		}
	}

	resp := model.HealthResponse{
		Status:       status,
		Version:      h.version,
		Store:        h.storeKind + ":" + storeStatus,
		EventBuffer:  bufDepth,
		BufferStatus: bufStatus,
		Dropped:      dropped,
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}
	if h.pool != nil {
		resp.QueueDepth = h.pool.Len()
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}

// --- Shared helpers ---

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	return parseUUID(r, "id")
}

func parseUUID(r *http.Request, key string) (uuid.UUID, error) {
	raw := r.PathValue(key)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 100

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
