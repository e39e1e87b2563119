// Package council is the deliberation engine: it owns session mode and run
// state, freezes chat transcripts into council runs, and drives each run
// through positions, debate and synthesis against the reasoning backend.
//
// Every agent-facing call goes through the retry policy and degrades to a skip
// (positions, debate) or a locally built synthesis, so a run always ends with
// either a synthesis or a recorded error, and the session always returns to
// chat mode.
package council

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaigi/internal/eventlog"
	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/reasoning"
	"github.com/ashita-ai/kaigi/internal/retry"
	"github.com/ashita-ai/kaigi/internal/workpool"
)

// Errors returned by Service operations. Callers match with errors.Is.
var (
	ErrSessionNotFound    = errors.New("session_not_found")
	ErrRunNotFound        = errors.New("run_not_found")
	ErrInsufficientAgents = errors.New("insufficient_agents")
	ErrWrongMode          = errors.New("wrong_mode")
	ErrPhaseRegression    = errors.New("phase_regression")
	ErrInvalidInput       = errors.New("invalid_input")
	ErrRunFailed          = errors.New("run_failed")
	ErrBusy               = errors.New("busy")
)

// Store is the durable record of sessions, messages and runs. Run writes are
// single statements; Escalate, CloseRun and ReturnToChat are transactional.
type Store interface {
	CreateSession(ctx context.Context, s model.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (model.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]model.Session, error)
	UpdateSession(ctx context.Context, s model.Session) error
	DeleteSession(ctx context.Context, id uuid.UUID) error
	ReturnToChat(ctx context.Context, sessionID uuid.UUID, reason string, notice *model.Message) (bool, error)

	InsertMessage(ctx context.Context, m model.Message) error
	GetMessage(ctx context.Context, sessionID, id uuid.UUID) (model.Message, error)
	GetMessageByCorrelation(ctx context.Context, correlationID string) (model.Message, error)
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]model.Message, error)
	DeleteMessagesBetween(ctx context.Context, sessionID uuid.UUID, from time.Time, to *time.Time) (int64, error)
	AttachJob(ctx context.Context, correlationID, jobID string) error
	ResolvePendingMessage(ctx context.Context, correlationID string, status model.MessageStatus, text string, jobID *string) (bool, error)

	Escalate(ctx context.Context, run model.Run, notice model.Message) error
	GetRun(ctx context.Context, runID string) (model.Run, error)
	ActiveRun(ctx context.Context, sessionID uuid.UUID) (model.Run, error)
	ListRuns(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]model.Run, error)
	UpdateRun(ctx context.Context, run model.Run) error
	CloseRun(ctx context.Context, run model.Run, notice *model.Message) error
}

// Notifier publishes run progress to subscribers.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Signer produces the callback URL handed to the backend for async calls.
type Signer interface {
	URL(correlationID, sessionID string) (string, error)
}

// Config holds engine tunables.
type Config struct {
	RunIDPrefix      string
	MaxDebateRounds  int
	Retry            retry.Policy
	CallTimeout      time.Duration
	ReactionsEnabled bool
	// TranscriptTail bounds the history sent with ordinary chat steps.
	TranscriptTail int
}

// Hard limits on debate length.
const (
	DefaultDebateRounds = 2
	MaxDebateRounds     = 3
)

func (c Config) debateRounds() int {
	switch {
	case c.MaxDebateRounds <= 0:
		return DefaultDebateRounds
	case c.MaxDebateRounds > MaxDebateRounds:
		return MaxDebateRounds
	default:
		return c.MaxDebateRounds
	}
}

// Deps are the collaborators of a Service. Store and Reasoner are required.
type Deps struct {
	Store    Store
	Reasoner reasoning.Client
	Events   eventlog.Sink
	Pool     *workpool.Pool
	Detector ConsensusDetector
	Notifier Notifier
	Signer   Signer
	Logger   *slog.Logger
	Config   Config
}

// Service implements the council operations.
type Service struct {
	store    Store
	reasoner reasoning.Client
	events   eventlog.Sink
	pool     *workpool.Pool
	detector ConsensusDetector
	notifier Notifier
	signer   Signer
	logger   *slog.Logger
	cfg      Config
	metrics  *metrics

	// running guards against two goroutines driving the same run.
	running sync.Map
}

// New creates a Service.
func New(d Deps) *Service {
	if d.Events == nil {
		d.Events = eventlog.Nop{}
	}
	if d.Detector == nil {
		d.Detector = DefaultDetector()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Config.RunIDPrefix == "" {
		d.Config.RunIDPrefix = "council"
	}
	if d.Config.TranscriptTail <= 0 {
		d.Config.TranscriptTail = 20
	}
	if d.Config.Retry.Attempts <= 0 {
		d.Config.Retry = retry.DefaultPolicy()
	}
	return &Service{
		store:    d.Store,
		reasoner: d.Reasoner,
		events:   d.Events,
		pool:     d.Pool,
		detector: d.Detector,
		notifier: d.Notifier,
		signer:   d.Signer,
		logger:   d.Logger,
		cfg:      d.Config,
		metrics:  newMetrics(),
	}
}

func (s *Service) mirror(ctx context.Context, typ model.EventType, actorID string, actorType model.ActorType, sessionID uuid.UUID, payload map[string]any) {
	eventlog.Mirror(ctx, s.events, s.logger, model.Event{
		Type:       typ,
		ActorID:    actorID,
		ActorType:  actorType,
		Payload:    payload,
		SessionRef: sessionID.String(),
	})
}

func actorFor(userID string) (string, model.ActorType) {
	if userID == "" {
		return "system", model.ActorSystem
	}
	return userID, model.ActorUser
}

func now() time.Time { return time.Now().UTC() }
