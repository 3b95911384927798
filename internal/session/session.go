// Package session owns the per-conversation diagnostic state machine:
// NoImage → Diagnosing → HasDiagnosis ⇄ Responding. It sequences turns,
// rejects cross-turn concurrency within a conversation, and coordinates the
// persistence and provider-search collaborators around each turn.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/awilder/housecall/internal/domain"
	"github.com/awilder/housecall/internal/geo"
	"github.com/awilder/housecall/internal/llm"
	"github.com/awilder/housecall/internal/photostore"
	"github.com/awilder/housecall/internal/turn"
)

type State int

const (
	StateNoImage State = iota
	StateDiagnosing
	StateHasDiagnosis
	StateResponding
)

var (
	ErrAlreadyDiagnosing = errors.New("diagnosis already started for this conversation")
	ErrTurnInProgress    = errors.New("a turn is already streaming for this conversation")
	ErrNoDiagnosis       = errors.New("conversation has no diagnosis yet")
)

// conversationRepository is the subset of store.ConversationStore the
// session requires.
type conversationRepository interface {
	Create(ctx context.Context) (*domain.Conversation, error)
	GetByID(ctx context.Context, id int64) (*domain.Conversation, error)
	UpdateDiagnosis(ctx context.Context, id int64, rec *domain.DiagnosisRecord) error
	UpdateLocation(ctx context.Context, id int64, loc domain.Location) error
}

// messageRepository is the subset of store.MessageStore the session requires.
type messageRepository interface {
	Insert(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	ListByConversationID(ctx context.Context, conversationID int64) ([]*domain.Message, error)
	LastAssistant(ctx context.Context, conversationID int64) (*domain.Message, error)
	Delete(ctx context.Context, id int64) error
}

// providerRepository is the subset of store.ProviderStore the session requires.
type providerRepository interface {
	ReplaceForConversation(ctx context.Context, conversationID int64, providers []domain.Provider) error
	ListByConversationID(ctx context.Context, conversationID int64) ([]*domain.Provider, error)
	CountByConversationID(ctx context.Context, conversationID int64) (int, error)
}

// geoClient is the subset of geo.Client the side workflow requires.
type geoClient interface {
	FindProviders(ctx context.Context, loc domain.Location, trade string) ([]domain.Provider, error)
	ReverseGeocode(ctx context.Context, lat, lng float64) (string, error)
	CurrentPosition(ctx context.Context) (domain.Location, error)
}

// Deps bundles the session's collaborators.
type Deps struct {
	Conversations conversationRepository
	Messages      messageRepository
	Providers     providerRepository
	Photos        photostore.PhotoStore
	Model         llm.Streamer
	Geo           geoClient
	Logger        *slog.Logger
}

type EventType string

const (
	EventReasoning EventType = "reasoning"
	EventDiagnosis EventType = "diagnosis"
	EventProviders EventType = "providers"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Event is one progress update streamed to the caller during a turn.
type Event struct {
	Type      EventType
	Reasoning string
	Record    *domain.DiagnosisRecord
	Providers []domain.Provider
	Message   *domain.Message
	Err       error
}

// Session is the per-conversation controller. One turn may stream at a
// time; concurrent turn starts are rejected, never queued in parallel.
type Session struct {
	deps Deps
	conv *domain.Conversation

	mu     sync.Mutex
	state  State
	active *turn.Reducer

	// started is the one-shot guard for the initial diagnosis turn. A
	// CAS, not a state check: state updates are asynchronous relative to
	// duplicate StartDiagnosis calls.
	started atomic.Bool

	pending ImageCache
	loc     *domain.Location
}

func New(deps Deps, conv *domain.Conversation, hasMessages bool) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Session{deps: deps, conv: conv, state: StateNoImage}
	if hasMessages {
		s.state = StateHasDiagnosis
		s.started.Store(true)
	}
	return s
}

func (s *Session) ConversationID() int64 { return s.conv.ID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CancelActive invalidates the in-flight turn, if any. Its finalization
// becomes a no-op; no commit fires.
func (s *Session) CancelActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.active.Cancel()
	}
}

// StartDiagnosis begins the initial image-diagnosis turn. It may succeed at
// most once per conversation; duplicate calls (re-renders, double-fired
// effects) get ErrAlreadyDiagnosing.
func (s *Session) StartDiagnosis(ctx context.Context, image []byte, mimeType string, loc *domain.Location) (<-chan Event, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyDiagnosing
	}

	s.mu.Lock()
	s.state = StateDiagnosing
	s.loc = loc
	s.mu.Unlock()

	s.pending.Put(image, mimeType)

	storageKey, err := s.deps.Photos.Save(ctx, fmt.Sprintf("conv_%d", s.conv.ID), mimeType, bytes.NewReader(image))
	if err != nil {
		s.abortStart()
		return nil, fmt.Errorf("failed to save photo: %w", err)
	}

	if _, err := s.deps.Messages.Insert(ctx, &domain.Message{
		ConversationID: s.conv.ID,
		Role:           domain.RoleUser,
		Content:        "Please diagnose the problem in this photo.",
		Attachments:    []string{storageKey},
	}); err != nil {
		s.abortStart()
		return nil, fmt.Errorf("failed to insert user message: %w", err)
	}

	req := llm.Request{Image: image, MIME: mimeType}
	return s.startTurn(ctx, req, StateNoImage), nil
}

// Respond runs one follow-up turn for a user message.
func (s *Session) Respond(ctx context.Context, text string) (<-chan Event, error) {
	if err := s.beginFollowUp(); err != nil {
		return nil, err
	}

	history, err := s.deps.Messages.ListByConversationID(ctx, s.conv.ID)
	if err != nil {
		s.restoreState(StateHasDiagnosis)
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	if _, err := s.deps.Messages.Insert(ctx, &domain.Message{
		ConversationID: s.conv.ID,
		Role:           domain.RoleUser,
		Content:        text,
	}); err != nil {
		s.restoreState(StateHasDiagnosis)
		return nil, fmt.Errorf("failed to insert user message: %w", err)
	}

	req := llm.Request{
		History:   history,
		UserText:  text,
		Feedback:  lastFeedback(history),
		Providers: s.knownProviders(ctx),
	}
	return s.startTurn(ctx, req, StateHasDiagnosis), nil
}

// Regenerate re-runs the last turn on history truncated before the prior
// assistant message, replacing that message rather than appending.
func (s *Session) Regenerate(ctx context.Context) (<-chan Event, error) {
	if err := s.beginFollowUp(); err != nil {
		return nil, err
	}

	last, err := s.deps.Messages.LastAssistant(ctx, s.conv.ID)
	if err != nil {
		s.restoreState(StateHasDiagnosis)
		return nil, fmt.Errorf("failed to find last assistant message: %w", err)
	}
	if last == nil {
		s.restoreState(StateHasDiagnosis)
		return nil, fmt.Errorf("nothing to regenerate")
	}

	all, err := s.deps.Messages.ListByConversationID(ctx, s.conv.ID)
	if err != nil {
		s.restoreState(StateHasDiagnosis)
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	var history []*domain.Message
	for _, msg := range all {
		if msg.ID < last.ID {
			history = append(history, msg)
		}
	}

	if err := s.deps.Messages.Delete(ctx, last.ID); err != nil {
		s.restoreState(StateHasDiagnosis)
		return nil, fmt.Errorf("failed to remove prior assistant message: %w", err)
	}

	req := llm.Request{
		History:   history,
		Feedback:  string(feedbackOf(last)),
		Providers: s.knownProviders(ctx),
	}

	// Regenerating the very first turn needs the image again.
	if !hasAssistant(history) {
		if data, mime, ok := s.pending.Get(); ok {
			req.Image, req.MIME = data, mime
		} else if data, mime, err := s.loadFirstAttachment(ctx, history); err == nil {
			req.Image, req.MIME = data, mime
		} else {
			s.deps.Logger.Warn("regenerate without original image", "conversation_id", s.conv.ID, "error", err)
		}
	}

	return s.startTurn(ctx, req, StateHasDiagnosis), nil
}

// beginFollowUp moves HasDiagnosis → Responding, rejecting concurrent turns.
func (s *Session) beginFollowUp() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return ErrTurnInProgress
	}
	switch s.state {
	case StateHasDiagnosis:
		s.state = StateResponding
		return nil
	case StateDiagnosing, StateResponding:
		return ErrTurnInProgress
	default:
		return ErrNoDiagnosis
	}
}

// startTurn launches the reducer goroutine for one turn. failState is where
// the session lands if the turn fails terminally.
func (s *Session) startTurn(ctx context.Context, req llm.Request, failState State) <-chan Event {
	events := make(chan Event, 64)
	go s.runTurn(ctx, req, events, failState)
	return events
}

func (s *Session) runTurn(ctx context.Context, req llm.Request, events chan<- Event, failState State) {
	defer close(events)

	// Persistence and the side workflow survive a client disconnect; the
	// result is already user-visible by commit time.
	detached := context.WithoutCancel(ctx)

	s.mu.Lock()
	prevDiagnosis, prevTrade := s.conv.Diagnosis, s.conv.Trade
	s.mu.Unlock()

	count, err := s.deps.Providers.CountByConversationID(ctx, s.conv.ID)
	if err != nil {
		s.deps.Logger.Error("failed to count providers", "conversation_id", s.conv.ID, "error", err)
	}

	var side sync.WaitGroup
	var committed *domain.Message

	red := turn.New(turn.Hooks{
		OnReasoning: func(text string) {
			events <- Event{Type: EventReasoning, Reasoning: text}
		},
		OnPartial: func(rec *domain.DiagnosisRecord) {
			events <- Event{Type: EventDiagnosis, Record: rec}
		},
		OnTrade: func(trade string) {
			side.Add(1)
			go func() {
				defer side.Done()
				s.locateAndSearch(detached, trade, events)
			}()
		},
		Commit: func(rec *domain.DiagnosisRecord, reasoning string) error {
			msg, err := s.commitTurn(detached, rec, reasoning, prevDiagnosis, prevTrade)
			committed = msg
			return err
		},
	}, prevTrade, count > 0, s.deps.Logger)

	s.setActive(red)
	defer s.clearActive(red)

	deltas, err := s.deps.Model.Diagnose(ctx, req)
	if err != nil {
		s.deps.Logger.Error("model request failed", "conversation_id", s.conv.ID, "error", err)
		s.failTurn(events, failState, err)
		return
	}

	res, err := red.Run(ctx, deltas)

	// Provider events may still be in flight; the channel stays open for
	// them regardless of which side finishes first.
	side.Wait()

	if err != nil {
		if errors.Is(err, turn.ErrCancelled) {
			s.deps.Logger.Info("turn cancelled", "conversation_id", s.conv.ID, "turn_id", red.ID())
			s.restoreState(failState)
			return
		}
		s.deps.Logger.Error("turn failed", "conversation_id", s.conv.ID, "turn_id", red.ID(), "error", err)
		s.failTurn(events, failState, err)
		return
	}

	s.mu.Lock()
	s.state = StateHasDiagnosis
	s.mu.Unlock()

	events <- Event{Type: EventDone, Record: res.Record, Reasoning: res.Reasoning, Message: committed}
}

// commitTurn is the exactly-once persistence step at turn finalization.
func (s *Session) commitTurn(ctx context.Context, rec *domain.DiagnosisRecord, reasoning, prevDiagnosis, prevTrade string) (*domain.Message, error) {
	changed := rec.Valid() && diagnosisChanged(prevDiagnosis, prevTrade, rec)

	msg, err := s.deps.Messages.Insert(ctx, &domain.Message{
		ConversationID:      s.conv.ID,
		Role:                domain.RoleAssistant,
		Content:             assistantContent(rec, reasoning),
		HasUpdatedDiagnosis: changed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist assistant message: %w", err)
	}

	if rec.Valid() {
		if err := s.deps.Conversations.UpdateDiagnosis(ctx, s.conv.ID, rec); err != nil {
			// Best-effort durability: in-memory state already reflects
			// the result.
			s.deps.Logger.Error("failed to persist diagnosis", "conversation_id", s.conv.ID, "error", err)
		}
		s.mu.Lock()
		s.conv.Diagnosis = rec.Diagnosis
		s.conv.Trade = rec.Trade
		s.conv.ActionRequired = rec.ActionRequired
		s.conv.EstimatedCost = rec.EstimatedCost
		s.mu.Unlock()
	}

	// The conversation now has a persisted assistant message.
	s.pending.Clear()

	return msg, nil
}

// locateAndSearch is the early-triggered side workflow: resolve a location,
// geocode it, search providers, persist. It runs concurrently with stream
// consumption and tolerates the turn finishing first. Every failure is
// logged and degrades; none aborts the turn.
func (s *Session) locateAndSearch(ctx context.Context, trade string, events chan<- Event) {
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()

	if loc == nil {
		pos, err := s.deps.Geo.CurrentPosition(ctx)
		if err != nil {
			// Denial is terminal for this trigger; no retry.
			s.deps.Logger.Warn("geolocation unavailable", "conversation_id", s.conv.ID, "error", err)
			return
		}
		loc = &pos
	}

	if loc.Address == "" {
		addr, err := s.deps.Geo.ReverseGeocode(ctx, loc.Lat, loc.Lng)
		if err != nil {
			s.deps.Logger.Warn("geocode failed, using placeholder", "conversation_id", s.conv.ID, "error", err)
			addr = geo.PlaceholderAddress
		}
		loc.Address = addr
	}

	s.mu.Lock()
	s.loc = loc
	s.mu.Unlock()

	if err := s.deps.Conversations.UpdateLocation(ctx, s.conv.ID, *loc); err != nil {
		s.deps.Logger.Error("failed to persist location", "conversation_id", s.conv.ID, "error", err)
	}

	providers, err := s.deps.Geo.FindProviders(ctx, *loc, trade)
	if err != nil {
		s.deps.Logger.Warn("provider search failed", "conversation_id", s.conv.ID, "trade", trade, "error", err)
		return
	}

	if err := s.deps.Providers.ReplaceForConversation(ctx, s.conv.ID, providers); err != nil {
		s.deps.Logger.Error("failed to persist providers", "conversation_id", s.conv.ID, "error", err)
	}

	events <- Event{Type: EventProviders, Providers: providers}
}

func (s *Session) failTurn(events chan<- Event, failState State, err error) {
	s.restoreState(failState)
	// One user-visible notification per failed turn.
	events <- Event{Type: EventError, Err: err}
}

func (s *Session) restoreState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if state == StateNoImage {
		// Allow a manual retry of the initial diagnosis.
		s.started.Store(false)
	}
}

func (s *Session) abortStart() {
	s.pending.Clear()
	s.restoreState(StateNoImage)
}

func (s *Session) setActive(r *turn.Reducer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = r
}

func (s *Session) clearActive(r *turn.Reducer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == r {
		s.active = nil
	}
}

func (s *Session) knownProviders(ctx context.Context) []domain.Provider {
	list, err := s.deps.Providers.ListByConversationID(ctx, s.conv.ID)
	if err != nil {
		s.deps.Logger.Error("failed to list providers", "conversation_id", s.conv.ID, "error", err)
		return nil
	}
	providers := make([]domain.Provider, 0, len(list))
	for _, p := range list {
		providers = append(providers, *p)
	}
	return providers
}

func (s *Session) loadFirstAttachment(ctx context.Context, history []*domain.Message) ([]byte, string, error) {
	for _, msg := range history {
		if len(msg.Attachments) == 0 {
			continue
		}
		r, mime, err := s.deps.Photos.Get(ctx, msg.Attachments[0])
		if err != nil {
			return nil, "", err
		}
		data, err := io.ReadAll(r)
		if cerr := r.Close(); cerr != nil {
			s.deps.Logger.Error("failed to close photo reader", "error", cerr)
		}
		if err != nil {
			return nil, "", err
		}
		return data, mime, nil
	}
	return nil, "", fmt.Errorf("no attachment in history")
}

// assistantContent picks the user-facing text for the committed message.
func assistantContent(rec *domain.DiagnosisRecord, reasoning string) string {
	switch {
	case rec != nil && strings.TrimSpace(rec.Message) != "":
		return rec.Message
	case rec.Valid():
		return rec.Diagnosis
	default:
		return reasoning
	}
}

// diagnosisChanged compares case- and whitespace-insensitively: "Plumber"
// → "plumber" is not an update, "Plumber" → "Electrician" is.
func diagnosisChanged(prevDiagnosis, prevTrade string, rec *domain.DiagnosisRecord) bool {
	return !foldEqual(prevDiagnosis, rec.Diagnosis) || !foldEqual(prevTrade, rec.Trade)
}

func foldEqual(a, b string) bool {
	return strings.EqualFold(collapse(a), collapse(b))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func hasAssistant(history []*domain.Message) bool {
	for _, msg := range history {
		if msg.Role == domain.RoleAssistant {
			return true
		}
	}
	return false
}

func lastFeedback(history []*domain.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleAssistant {
			return string(feedbackOf(history[i]))
		}
	}
	return ""
}

func feedbackOf(msg *domain.Message) domain.Feedback {
	if msg.Feedback == nil {
		return ""
	}
	return *msg.Feedback
}
