package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awilder/housecall/internal/domain"
	"github.com/awilder/housecall/internal/geo"
	"github.com/awilder/housecall/internal/llm"
)

// fakeStreamer replays scripted chunks. When gate is set the stream stays
// open until the gate closes, which keeps a turn in flight for concurrency
// tests.
type fakeStreamer struct {
	chunks  []string
	callErr error
	gate    chan struct{}

	mu      sync.Mutex
	calls   int
	lastReq llm.Request
}

func (f *fakeStreamer) Diagnose(_ context.Context, req llm.Request) (<-chan llm.Delta, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	chunks, gate, callErr := f.chunks, f.gate, f.callErr
	f.mu.Unlock()

	if callErr != nil {
		return nil, callErr
	}

	ch := make(chan llm.Delta, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			ch <- llm.Delta{Text: c}
		}
		if gate != nil {
			<-gate
		}
	}()
	return ch, nil
}

func (f *fakeStreamer) request() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

type fakeConversations struct {
	mu     sync.Mutex
	nextID int64
	convs  map[int64]*domain.Conversation
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{convs: make(map[int64]*domain.Conversation)}
}

func (f *fakeConversations) Create(_ context.Context) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	conv := &domain.Conversation{ID: f.nextID}
	f.convs[conv.ID] = conv
	return &domain.Conversation{ID: conv.ID}, nil
}

func (f *fakeConversations) GetByID(_ context.Context, id int64) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return nil, nil
	}
	cp := *conv
	return &cp, nil
}

func (f *fakeConversations) UpdateDiagnosis(_ context.Context, id int64, rec *domain.DiagnosisRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return fmt.Errorf("conversation %d not found", id)
	}
	conv.Diagnosis = rec.Diagnosis
	conv.Trade = rec.Trade
	conv.ActionRequired = rec.ActionRequired
	conv.EstimatedCost = rec.EstimatedCost
	return nil
}

func (f *fakeConversations) UpdateLocation(_ context.Context, id int64, loc domain.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return fmt.Errorf("conversation %d not found", id)
	}
	conv.Address = loc.Address
	conv.Lat = loc.Lat
	conv.Lng = loc.Lng
	return nil
}

func (f *fakeConversations) stored(id int64) domain.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.convs[id]
}

type fakeMessages struct {
	mu     sync.Mutex
	nextID int64
	msgs   []*domain.Message
}

func (f *fakeMessages) Insert(_ context.Context, msg *domain.Message) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	cp := *msg
	cp.ID = f.nextID
	f.msgs = append(f.msgs, &cp)
	out := cp
	return &out, nil
}

func (f *fakeMessages) ListByConversationID(_ context.Context, conversationID int64) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Message
	for _, m := range f.msgs {
		if m.ConversationID == conversationID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeMessages) LastAssistant(_ context.Context, conversationID int64) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last *domain.Message
	for _, m := range f.msgs {
		if m.ConversationID == conversationID && m.Role == domain.RoleAssistant {
			if last == nil || m.ID > last.ID {
				last = m
			}
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (f *fakeMessages) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.msgs {
		if m.ID == id {
			f.msgs = append(f.msgs[:i], f.msgs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("message %d not found", id)
}

func (f *fakeMessages) seed(msg domain.Message) *domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg.ID = f.nextID
	cp := msg
	f.msgs = append(f.msgs, &cp)
	return &cp
}

func (f *fakeMessages) all(conversationID int64) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Message
	for _, m := range f.msgs {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type fakeProviders struct {
	mu     sync.Mutex
	byConv map[int64][]domain.Provider
}

func newFakeProviders() *fakeProviders {
	return &fakeProviders{byConv: make(map[int64][]domain.Provider)}
}

func (f *fakeProviders) ReplaceForConversation(_ context.Context, conversationID int64, providers []domain.Provider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byConv[conversationID] = append([]domain.Provider(nil), providers...)
	return nil
}

func (f *fakeProviders) ListByConversationID(_ context.Context, conversationID int64) ([]*domain.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Provider
	for _, p := range f.byConv[conversationID] {
		cp := p
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeProviders) CountByConversationID(_ context.Context, conversationID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byConv[conversationID]), nil
}

type fakeGeo struct {
	pos     domain.Location
	posErr  error
	addr    string
	addrErr error

	results []domain.Provider
	findErr error
}

func (f *fakeGeo) CurrentPosition(_ context.Context) (domain.Location, error) {
	return f.pos, f.posErr
}

func (f *fakeGeo) ReverseGeocode(_ context.Context, _, _ float64) (string, error) {
	return f.addr, f.addrErr
}

func (f *fakeGeo) FindProviders(_ context.Context, _ domain.Location, _ string) ([]domain.Provider, error) {
	return f.results, f.findErr
}

// stubPhotoStore is a minimal in-memory photostore.PhotoStore for tests.
type stubPhotoStore struct {
	mu    sync.Mutex
	saved map[string][]byte
	mimes map[string]string
}

func newStubPhotoStore() *stubPhotoStore {
	return &stubPhotoStore{saved: make(map[string][]byte), mimes: make(map[string]string)}
}

func (s *stubPhotoStore) Save(_ context.Context, prefix, mimeType string, r io.Reader) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _ := io.ReadAll(r)
	key := fmt.Sprintf("%s/photo_%d", prefix, len(s.saved))
	s.saved[key] = data
	s.mimes[key] = mimeType
	return key, nil
}

func (s *stubPhotoStore) Get(_ context.Context, key string) (io.ReadCloser, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.saved[key]
	if !ok {
		return nil, "", errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), s.mimes[key], nil
}

func (s *stubPhotoStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, key)
	return nil
}

type fixture struct {
	convs     *fakeConversations
	msgs      *fakeMessages
	providers *fakeProviders
	photos    *stubPhotoStore
	model     *fakeStreamer
	geo       *fakeGeo
}

func newFixture(model *fakeStreamer) *fixture {
	return &fixture{
		convs:     newFakeConversations(),
		msgs:      &fakeMessages{},
		providers: newFakeProviders(),
		photos:    newStubPhotoStore(),
		model:     model,
		geo: &fakeGeo{
			pos:  domain.Location{Lat: 45.5, Lng: -122.6},
			addr: "123 Main St, Portland, OR",
			results: []domain.Provider{
				{Name: "Ace Plumbing", Trade: "Plumber", Rating: 4.8, OpenNow: true},
				{Name: "Rapid Rooter", Trade: "Plumber", Rating: 4.2},
			},
		},
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Conversations: f.convs,
		Messages:      f.msgs,
		Providers:     f.providers,
		Photos:        f.photos,
		Model:         f.model,
		Geo:           f.geo,
	}
}

func (f *fixture) newSession(t *testing.T, hasMessages bool) *Session {
	t.Helper()
	conv, err := f.convs.Create(context.Background())
	require.NoError(t, err)
	return New(f.deps(), conv, hasMessages)
}

func drainEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

var plumberChunks = []string{
	"<thought>Corrosion around the shutoff valve, ",
	"water pooling below.</thought>",
	`<json>{"message":"Your shutoff valve is leaking.","diagnosis":"Leaking shutoff valve",`,
	`"trade":"Plumber","action_required":"Replace the valve","estimated_cost":"$150-$250"}</json>`,
}

func TestStartDiagnosis(t *testing.T) {
	f := newFixture(&fakeStreamer{chunks: plumberChunks})
	s := f.newSession(t, false)

	ch, err := s.StartDiagnosis(context.Background(), []byte{0xFF, 0xD8, 0xFF}, "image/jpeg", nil)
	require.NoError(t, err)
	events := drainEvents(t, ch)

	require.NotEmpty(t, eventsOfType(events, EventReasoning))
	require.NotEmpty(t, eventsOfType(events, EventDiagnosis))

	done := eventsOfType(events, EventDone)
	require.Len(t, done, 1)
	require.NotNil(t, done[0].Record)
	assert.Equal(t, "Leaking shutoff valve", done[0].Record.Diagnosis)
	assert.Equal(t, "Plumber", done[0].Record.Trade)
	require.NotNil(t, done[0].Message)
	assert.Equal(t, "Your shutoff valve is leaking.", done[0].Message.Content)
	assert.True(t, done[0].Message.HasUpdatedDiagnosis)

	assert.Equal(t, StateHasDiagnosis, s.State())

	stored := f.convs.stored(s.ConversationID())
	assert.Equal(t, "Leaking shutoff valve", stored.Diagnosis)
	assert.Equal(t, "Plumber", stored.Trade)

	msgs := f.msgs.all(s.ConversationID())
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.NotEmpty(t, msgs[0].Attachments)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
}

func TestStartDiagnosisTriggersProviderSearch(t *testing.T) {
	f := newFixture(&fakeStreamer{chunks: plumberChunks})
	s := f.newSession(t, false)

	ch, err := s.StartDiagnosis(context.Background(), []byte{0x01}, "image/jpeg", nil)
	require.NoError(t, err)
	events := drainEvents(t, ch)

	provEvents := eventsOfType(events, EventProviders)
	require.Len(t, provEvents, 1)
	assert.Len(t, provEvents[0].Providers, 2)

	stored, err := f.providers.ListByConversationID(context.Background(), s.ConversationID())
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	// Reverse-geocoded address lands on the conversation.
	conv := f.convs.stored(s.ConversationID())
	assert.Equal(t, "123 Main St, Portland, OR", conv.Address)
}

func TestStartDiagnosisOncePerConversation(t *testing.T) {
	f := newFixture(&fakeStreamer{chunks: plumberChunks})
	s := f.newSession(t, false)

	ch, err := s.StartDiagnosis(context.Background(), []byte{0x01}, "image/jpeg", nil)
	require.NoError(t, err)

	_, err = s.StartDiagnosis(context.Background(), []byte{0x01}, "image/jpeg", nil)
	assert.ErrorIs(t, err, ErrAlreadyDiagnosing)

	drainEvents(t, ch)

	// Still rejected after the turn completes.
	_, err = s.StartDiagnosis(context.Background(), []byte{0x01}, "image/jpeg", nil)
	assert.ErrorIs(t, err, ErrAlreadyDiagnosing)
}

func TestStartDiagnosisFailureAllowsRetry(t *testing.T) {
	model := &fakeStreamer{callErr: errors.New("model offline")}
	f := newFixture(model)
	s := f.newSession(t, false)

	ch, err := s.StartDiagnosis(context.Background(), []byte{0x01}, "image/jpeg", nil)
	require.NoError(t, err)
	events := drainEvents(t, ch)

	errEvents := eventsOfType(events, EventError)
	require.Len(t, errEvents, 1)
	assert.Empty(t, eventsOfType(events, EventDone))
	assert.Equal(t, StateNoImage, s.State())

	// The one-shot guard resets on failure so the user can try again.
	model.mu.Lock()
	model.callErr = nil
	model.chunks = plumberChunks
	model.mu.Unlock()

	ch, err = s.StartDiagnosis(context.Background(), []byte{0x01}, "image/jpeg", nil)
	require.NoError(t, err)
	events = drainEvents(t, ch)
	assert.Len(t, eventsOfType(events, EventDone), 1)
}

func TestRespondRequiresDiagnosis(t *testing.T) {
	f := newFixture(&fakeStreamer{})
	s := f.newSession(t, false)

	_, err := s.Respond(context.Background(), "what should I do?")
	assert.ErrorIs(t, err, ErrNoDiagnosis)
}

func TestRespondRejectsConcurrentTurn(t *testing.T) {
	gate := make(chan struct{})
	model := &fakeStreamer{chunks: []string{"<thought>still thinking"}, gate: gate}
	f := newFixture(model)
	s := f.newSession(t, true)

	ch, err := s.Respond(context.Background(), "first question")
	require.NoError(t, err)

	_, err = s.Respond(context.Background(), "second question")
	assert.ErrorIs(t, err, ErrTurnInProgress)

	close(gate)
	drainEvents(t, ch)

	// Sequential follow-ups are fine once the turn settles.
	model.mu.Lock()
	model.gate = nil
	model.chunks = plumberChunks
	model.mu.Unlock()

	ch, err = s.Respond(context.Background(), "third question")
	require.NoError(t, err)
	drainEvents(t, ch)
}

func TestRespondCarriesHistoryAndFeedback(t *testing.T) {
	model := &fakeStreamer{chunks: plumberChunks}
	f := newFixture(model)
	s := f.newSession(t, true)

	f.msgs.seed(domain.Message{ConversationID: s.ConversationID(), Role: domain.RoleUser, Content: "diagnose this"})
	down := domain.FeedbackDown
	f.msgs.seed(domain.Message{ConversationID: s.ConversationID(), Role: domain.RoleAssistant, Content: "It is a leak.", Feedback: &down})

	ch, err := s.Respond(context.Background(), "are you sure?")
	require.NoError(t, err)
	drainEvents(t, ch)

	req := model.request()
	assert.Len(t, req.History, 2)
	assert.Equal(t, "are you sure?", req.UserText)
	assert.Equal(t, string(domain.FeedbackDown), req.Feedback)
}

func TestDiagnosisUpdateFlagIgnoresCaseAndWhitespace(t *testing.T) {
	tests := []struct {
		name      string
		diagnosis string
		trade     string
		want      bool
	}{
		{"identical", "Leaking shutoff valve", "Plumber", false},
		{"case and spacing only", "  leaking   SHUTOFF valve ", "plumber", false},
		{"new trade", "Faulty breaker panel", "Electrician", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chunks := []string{
				"<thought>reviewing</thought>",
				fmt.Sprintf(`<json>{"diagnosis":%q,"trade":%q,"action_required":"","estimated_cost":""}</json>`, tc.diagnosis, tc.trade),
			}
			f := newFixture(&fakeStreamer{chunks: chunks})
			s := f.newSession(t, true)

			f.convs.mu.Lock()
			f.convs.convs[s.ConversationID()].Diagnosis = "Leaking shutoff valve"
			f.convs.convs[s.ConversationID()].Trade = "Plumber"
			f.convs.mu.Unlock()
			s.conv.Diagnosis = "Leaking shutoff valve"
			s.conv.Trade = "Plumber"

			ch, err := s.Respond(context.Background(), "take another look")
			require.NoError(t, err)
			events := drainEvents(t, ch)

			done := eventsOfType(events, EventDone)
			require.Len(t, done, 1)
			require.NotNil(t, done[0].Message)
			assert.Equal(t, tc.want, done[0].Message.HasUpdatedDiagnosis)
		})
	}
}

func TestNoProviderSearchWhenTradeUnchanged(t *testing.T) {
	f := newFixture(&fakeStreamer{chunks: plumberChunks})
	s := f.newSession(t, true)
	s.conv.Diagnosis = "Leaking shutoff valve"
	s.conv.Trade = "Plumber"

	// Providers already known for this trade.
	require.NoError(t, f.providers.ReplaceForConversation(context.Background(), s.ConversationID(), []domain.Provider{{Name: "Ace Plumbing", Trade: "Plumber"}}))

	ch, err := s.Respond(context.Background(), "tell me more")
	require.NoError(t, err)
	events := drainEvents(t, ch)

	assert.Empty(t, eventsOfType(events, EventProviders))
}

func TestGeolocationDenialDegrades(t *testing.T) {
	f := newFixture(&fakeStreamer{chunks: plumberChunks})
	f.geo.posErr = errors.New("permission denied")
	s := f.newSession(t, false)

	ch, err := s.StartDiagnosis(context.Background(), []byte{0x01}, "image/jpeg", nil)
	require.NoError(t, err)
	events := drainEvents(t, ch)

	// The turn still completes; the side workflow just never reports.
	assert.Empty(t, eventsOfType(events, EventProviders))
	assert.Len(t, eventsOfType(events, EventDone), 1)

	stored, err := f.providers.ListByConversationID(context.Background(), s.ConversationID())
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestGeocodeFailureUsesPlaceholderAddress(t *testing.T) {
	f := newFixture(&fakeStreamer{chunks: plumberChunks})
	f.geo.addrErr = errors.New("geocoder down")
	s := f.newSession(t, false)

	ch, err := s.StartDiagnosis(context.Background(), []byte{0x01}, "image/jpeg", &domain.Location{Lat: 40.7, Lng: -74.0})
	require.NoError(t, err)
	events := drainEvents(t, ch)

	require.Len(t, eventsOfType(events, EventProviders), 1)
	conv := f.convs.stored(s.ConversationID())
	assert.Equal(t, geo.PlaceholderAddress, conv.Address)
}

func TestProviderSearchFailureDegrades(t *testing.T) {
	f := newFixture(&fakeStreamer{chunks: plumberChunks})
	f.geo.findErr = errors.New("search backend down")
	s := f.newSession(t, false)

	ch, err := s.StartDiagnosis(context.Background(), []byte{0x01}, "image/jpeg", nil)
	require.NoError(t, err)
	events := drainEvents(t, ch)

	assert.Empty(t, eventsOfType(events, EventProviders))
	assert.Len(t, eventsOfType(events, EventDone), 1)
}

func TestRegenerateReplacesLastAssistantMessage(t *testing.T) {
	model := &fakeStreamer{chunks: plumberChunks}
	f := newFixture(model)
	s := f.newSession(t, false)

	ch, err := s.StartDiagnosis(context.Background(), []byte{0xAA, 0xBB}, "image/jpeg", nil)
	require.NoError(t, err)
	drainEvents(t, ch)

	before := f.msgs.all(s.ConversationID())
	require.Len(t, before, 2)
	oldAssistantID := before[1].ID

	ch, err = s.Regenerate(context.Background())
	require.NoError(t, err)
	events := drainEvents(t, ch)
	require.Len(t, eventsOfType(events, EventDone), 1)

	after := f.msgs.all(s.ConversationID())
	require.Len(t, after, 2)
	assert.Equal(t, domain.RoleAssistant, after[1].Role)
	assert.NotEqual(t, oldAssistantID, after[1].ID)

	// Regenerating the first turn resends the original image.
	req := model.request()
	assert.Equal(t, []byte{0xAA, 0xBB}, req.Image)
	assert.Equal(t, "image/jpeg", req.MIME)
}

func TestRegenerateReloadsImageFromPhotoStore(t *testing.T) {
	model := &fakeStreamer{chunks: plumberChunks}
	f := newFixture(model)
	s := f.newSession(t, false)

	ch, err := s.StartDiagnosis(context.Background(), []byte{0xDE, 0xAD}, "image/jpeg", nil)
	require.NoError(t, err)
	drainEvents(t, ch)

	// A restarted process has no pending cache; the photostore is the
	// fallback.
	s.pending.Clear()

	ch, err = s.Regenerate(context.Background())
	require.NoError(t, err)
	drainEvents(t, ch)

	req := model.request()
	assert.Equal(t, []byte{0xDE, 0xAD}, req.Image)
}

func TestRegenerateWithoutAssistantMessage(t *testing.T) {
	f := newFixture(&fakeStreamer{chunks: plumberChunks})
	s := f.newSession(t, true)

	_, err := s.Regenerate(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateHasDiagnosis, s.State())
}

func TestPendingImageClearedAfterCommit(t *testing.T) {
	f := newFixture(&fakeStreamer{chunks: plumberChunks})
	s := f.newSession(t, false)

	ch, err := s.StartDiagnosis(context.Background(), []byte{0x01}, "image/jpeg", nil)
	require.NoError(t, err)
	drainEvents(t, ch)

	_, _, ok := s.pending.Get()
	assert.False(t, ok)
}

func TestCancelActiveSuppressesCommit(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(&fakeStreamer{chunks: plumberChunks[:2], gate: gate})
	s := f.newSession(t, false)

	ch, err := s.StartDiagnosis(context.Background(), []byte{0x01}, "image/jpeg", nil)
	require.NoError(t, err)

	// Wait until the stream is live before cancelling.
	first := <-ch
	require.Equal(t, EventReasoning, first.Type)

	s.CancelActive()
	close(gate)
	events := drainEvents(t, ch)

	assert.Empty(t, eventsOfType(events, EventDone))
	assert.Empty(t, eventsOfType(events, EventError))

	// Only the user message persisted; no assistant commit happened.
	msgs := f.msgs.all(s.ConversationID())
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
}

func TestManagerCreateAndGet(t *testing.T) {
	f := newFixture(&fakeStreamer{chunks: plumberChunks})
	m := NewManager(f.deps())

	s, err := m.Create(context.Background())
	require.NoError(t, err)

	got, err := m.Get(context.Background(), s.ConversationID())
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestManagerGetUnknownConversation(t *testing.T) {
	f := newFixture(&fakeStreamer{})
	m := NewManager(f.deps())

	_, err := m.Get(context.Background(), 404)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestManagerRehydratesFromStore(t *testing.T) {
	f := newFixture(&fakeStreamer{chunks: plumberChunks})

	conv, err := f.convs.Create(context.Background())
	require.NoError(t, err)
	f.msgs.seed(domain.Message{ConversationID: conv.ID, Role: domain.RoleUser, Content: "diagnose this"})
	f.msgs.seed(domain.Message{ConversationID: conv.ID, Role: domain.RoleAssistant, Content: "It is a leak."})

	m := NewManager(f.deps())
	s, err := m.Get(context.Background(), conv.ID)
	require.NoError(t, err)

	// A conversation with history resumes past the one-shot initial turn.
	assert.Equal(t, StateHasDiagnosis, s.State())
	_, err = s.StartDiagnosis(context.Background(), []byte{0x01}, "image/jpeg", nil)
	assert.ErrorIs(t, err, ErrAlreadyDiagnosing)
}
