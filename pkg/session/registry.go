package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/figaro/pkg/conversation"
	"github.com/go-go-golems/figaro/pkg/events"
	"github.com/go-go-golems/figaro/pkg/inference"
	"github.com/go-go-golems/figaro/pkg/store"
)

// ErrSessionActive is returned when a generation is already streaming for
// the target conversation. Starts are rejected, never queued; callers must
// stop the active session first.
var ErrSessionActive = errors.New("generation already active for conversation")

// Registry owns the per-conversation session slots. At most one session may
// be streaming per conversation ID; sessions for different conversations run
// independently.
type Registry struct {
	client inference.Client
	store  store.Store
	sinks  []events.EventSink

	mu     sync.Mutex
	active map[uuid.UUID]*Session
}

func NewRegistry(client inference.Client, st store.Store, sinks ...events.EventSink) *Registry {
	return &Registry{
		client: client,
		store:  st,
		sinks:  sinks,
		active: make(map[uuid.UUID]*Session),
	}
}

// StartParams seed one generation session.
type StartParams struct {
	ConvID       uuid.UUID
	AttachLeafID conversation.MessageID
	Prompt       []inference.PromptMessage
	Options      inference.Options
}

// Reserve claims the conversation's session slot ahead of Start, so a caller
// can reject a conflicting request before performing any graph mutation. The
// returned release undoes a reservation that was never consumed; once Start
// has filled the slot it is a no-op.
func (r *Registry) Reserve(convID uuid.UUID) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[convID]; busy {
		return nil, errors.Wrapf(ErrSessionActive, "%s", convID)
	}
	r.active[convID] = nil
	return func() {
		r.mu.Lock()
		if cur, ok := r.active[convID]; ok && cur == nil {
			delete(r.active, convID)
		}
		r.mu.Unlock()
	}, nil
}

// Start fills the conversation's session slot (claiming it first when the
// caller holds no reservation) and launches the streaming loop on its own
// goroutine. The returned session is already in StateStreaming.
func (r *Registry) Start(ctx context.Context, params StartParams) (*Session, error) {
	s := &Session{
		ID:           uuid.New(),
		ConvID:       params.ConvID,
		AttachLeafID: params.AttachLeafID,
		client:       r.client,
		store:        r.store,
		sinks:        r.sinks,
		prompt:       params.Prompt,
		opts:         params.Options,
		registry:     r,
		state:        StateStreaming,
		done:         make(chan struct{}),
	}

	r.mu.Lock()
	if cur, busy := r.active[params.ConvID]; busy && cur != nil {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrSessionActive, "%s", params.ConvID)
	}
	r.active[params.ConvID] = s
	r.mu.Unlock()

	// the stream context is carved out before the goroutine starts so that
	// an immediate Stop already has a cancel handle to pull
	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.run(ctx, streamCtx)
	return s, nil
}

// Get returns the active session for a conversation, if any. A slot that is
// merely reserved has no session yet and reports false.
func (r *Registry) Get(convID uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[convID]
	if !ok || s == nil {
		return nil, false
	}
	return s, true
}

// Stop cancels the active session for a conversation. It is a no-op when
// none is active, and never touches sessions of other conversations.
func (r *Registry) Stop(convID uuid.UUID) {
	if s, ok := r.Get(convID); ok {
		s.Stop()
	}
}

func (r *Registry) release(s *Session) {
	r.mu.Lock()
	if cur, ok := r.active[s.ConvID]; ok && cur == s {
		delete(r.active, s.ConvID)
	}
	r.mu.Unlock()
}
