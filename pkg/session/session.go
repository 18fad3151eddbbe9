package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/figaro/pkg/conversation"
	"github.com/go-go-golems/figaro/pkg/events"
	"github.com/go-go-golems/figaro/pkg/inference"
	"github.com/go-go-golems/figaro/pkg/store"
)

// State is the lifecycle phase of one generation session. No state is
// re-entrant; a new session is a fresh instance per call.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	// StateFinalized means the stream terminated and its accumulated content
	// (possibly partial, after a caller stop) was committed to the graph.
	StateFinalized State = "finalized"
	// StateDiscarded means the stream failed and nothing was committed.
	StateDiscarded State = "discarded"
)

type terminationReason int

const (
	reasonCompleted terminationReason = iota
	reasonCancelled
	reasonFailed
)

// accumulator is the draft reply state threaded through the stream
// consumption loop. It is a value, folded over deltas, so the commit/discard
// decision at the end is a pure function of the final accumulator and the
// termination reason.
type accumulator struct {
	// hasContent distinguishes "no output yet" (draft content nil) from an
	// empty-but-started completion. Once true it never reverts.
	hasContent bool
	text       string
	model      string
	timing     *conversation.TimingStats
}

func (a accumulator) fold(d inference.Delta) accumulator {
	if d.Text != "" {
		a.hasContent = true
		a.text += d.Text
	}
	if d.Model != "" && a.model == "" {
		// model name is sticky once set
		a.model = d.Model
	}
	if d.Timing != nil {
		// timing snapshots replace one another wholesale
		a.timing = d.Timing
	}
	return a
}

// decide is the pure finalize/discard decision. A user stop is a deliberate
// "good enough, stop here" signal, so cancelled sessions commit like
// completed ones; an unrequested failure is not trustworthy enough to
// persist, no matter how much text had accumulated.
func decide(acc accumulator, reason terminationReason) bool {
	if reason == reasonFailed {
		return false
	}
	return acc.hasContent
}

// Session drives exactly one streaming generation: it consumes the
// completion stream, republishes draft states to observers, and commits (or
// discards) the accumulated reply when the stream terminates.
type Session struct {
	ID           uuid.UUID
	ConvID       uuid.UUID
	AttachLeafID conversation.MessageID

	client inference.Client
	store  store.Store
	sinks  []events.EventSink

	prompt []inference.PromptMessage
	opts   inference.Options

	registry *Registry

	mu              sync.Mutex
	state           State
	cancel          context.CancelFunc
	cancelRequested bool
	lastPublished   string

	done chan struct{}
}

// State returns the session's current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop requests cooperative cancellation. The pending draft is retracted
// immediately (observers see the interrupt right away) while the stream winds
// down in the background; whatever content has accumulated once it does is
// committed as a regular assistant message.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state != StateStreaming || s.cancelRequested {
		s.mu.Unlock()
		return
	}
	s.cancelRequested = true
	cancel := s.cancel
	text := s.lastPublished
	s.mu.Unlock()

	log.Debug().Str("conv_id", s.ConvID.String()).Str("session_id", s.ID.String()).Msg("stopping generation session")
	s.publish(events.NewInterruptEvent(s.metadata(), text))
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the session has reached a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) metadata() events.EventMetadata {
	return events.EventMetadata{
		ID:        uuid.New(),
		ConvID:    s.ConvID,
		SessionID: s.ID,
	}
}

func (s *Session) publish(ev events.Event) {
	for _, sink := range s.sinks {
		if err := sink.PublishEvent(ev); err != nil {
			log.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("failed to publish event to sink")
		}
	}
}

// run consumes the stream to termination. baseCtx outlives the cancellable
// streamCtx so that a stopped session can still persist its partial commit.
func (s *Session) run(baseCtx context.Context, streamCtx context.Context) {
	defer close(s.done)
	defer s.registry.release(s)
	defer s.cancel()

	// transient draft, published without a persisted ID so the UI can render
	// the in-progress reply
	draft := &conversation.Message{
		ConvID:   s.ConvID,
		ParentID: s.AttachLeafID,
		Role:     conversation.RoleAssistant,
		Content:  nil,
	}
	s.publish(events.NewStartEvent(s.metadata(), draft))

	ch, err := s.client.StreamCompletion(streamCtx, s.prompt, s.opts)
	if err != nil {
		log.Error().Err(err).Str("conv_id", s.ConvID.String()).Msg("failed to start completion stream")
		s.terminate(baseCtx, accumulator{}, reasonFailed, err)
		return
	}

	acc := accumulator{}
	reason := reasonCompleted
	var failure error
	for d := range ch {
		if d.Err != nil {
			reason = reasonFailed
			failure = d.Err
			break
		}
		acc = acc.fold(d)
		if d.Text != "" {
			meta := s.metadata()
			meta.Model = acc.model
			meta.Timing = acc.timing
			s.publish(events.NewPartialEvent(meta, d.Text, acc.text))
			s.mu.Lock()
			s.lastPublished = acc.text
			s.mu.Unlock()
		}
	}

	if reason != reasonFailed {
		s.mu.Lock()
		if s.cancelRequested {
			reason = reasonCancelled
		}
		s.mu.Unlock()
	}

	s.terminate(baseCtx, acc, reason, failure)
}

// terminate performs the single graph mutation (or none) for this session.
// It runs strictly after the stream has ended.
func (s *Session) terminate(ctx context.Context, acc accumulator, reason terminationReason, failure error) {
	meta := s.metadata()
	meta.Model = acc.model
	meta.Timing = acc.timing

	if !decide(acc, reason) {
		if reason == reasonFailed {
			if failure == nil {
				failure = errors.New("generation failed")
			}
			log.Warn().Err(failure).Str("conv_id", s.ConvID.String()).Int("discarded_length", len(acc.text)).
				Msg("generation session discarded")
			s.publish(events.NewErrorEvent(meta, failure))
		} else if reason != reasonCancelled {
			// nothing accumulated; retract the draft. A cancelled session
			// already published its interrupt from Stop.
			s.publish(events.NewInterruptEvent(meta, ""))
		}
		s.setState(StateDiscarded)
		return
	}

	msg, err := s.commit(ctx, acc)
	if err != nil {
		log.Error().Err(err).Str("conv_id", s.ConvID.String()).Msg("failed to persist assistant reply")
		s.publish(events.NewErrorEvent(meta, err))
		s.setState(StateDiscarded)
		return
	}

	log.Debug().Str("conv_id", s.ConvID.String()).Str("message_id", msg.ID.String()).
		Int("content_length", len(acc.text)).Bool("cancelled", reason == reasonCancelled).
		Msg("generation session finalized")
	s.publish(events.NewFinalEvent(meta, acc.text, msg))
	s.setState(StateFinalized)
}

func (s *Session) commit(ctx context.Context, acc accumulator) (*conversation.Message, error) {
	text := acc.text
	msg := conversation.NewMessage(s.ConvID, s.AttachLeafID, conversation.RoleAssistant, &text,
		conversation.WithModelName(acc.model),
		conversation.WithTiming(acc.timing),
	)

	for {
		err := s.store.AppendMessage(ctx, msg, s.AttachLeafID)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrDuplicateMessage) {
			msg.ID = conversation.NewMessageID()
			continue
		}
		return nil, err
	}

	conv, err := s.store.GetConversation(ctx, s.ConvID)
	if err != nil {
		return msg, err
	}
	conv.CurrentLeafID = msg.ID
	if err := s.store.PutConversation(ctx, conv); err != nil {
		return msg, err
	}
	return msg, nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
