package events

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/figaro/pkg/conversation"
)

type EventType string

const (
	// EventTypeStart is published when a generation session opens its draft.
	EventTypeStart EventType = "start"
	// EventTypePartial carries one streamed text delta plus the accumulated
	// completion so far.
	EventTypePartial EventType = "partial"
	// EventTypeFinal is published after a normally completed stream has been
	// committed to the conversation.
	EventTypeFinal EventType = "final"
	// EventTypeInterrupt is published when the caller stops a session; the
	// accumulated partial text is still committed.
	EventTypeInterrupt EventType = "interrupt"
	// EventTypeError is published when the stream fails; nothing is committed.
	EventTypeError EventType = "error"
)

// EventMetadata identifies which conversation and session an event belongs
// to, plus whatever inference metadata the stream has reported so far.
type EventMetadata struct {
	ID        uuid.UUID `json:"event_id"`
	ConvID    uuid.UUID `json:"conv_id"`
	SessionID uuid.UUID `json:"session_id"`

	Model  string                    `json:"model,omitempty"`
	Timing *conversation.TimingStats `json:"timing,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	e.Str("conv_id", em.ConvID.String())
	e.Str("session_id", em.SessionID.String())
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.Timing != nil {
		e.Int("input_tokens", em.Timing.InputTokens)
		e.Int("output_tokens", em.Timing.OutputTokens)
		e.Int64("duration_ms", em.Timing.DurationMs)
	}
}

type Event interface {
	Type() EventType
	Metadata() EventMetadata
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

var _ Event = (*EventImpl)(nil)

// EventStart announces a new pending draft. Draft carries the transient
// assistant node (nil content, no committed ID) so observers can render an
// in-progress reply.
type EventStart struct {
	EventImpl
	Draft *conversation.Message `json:"draft"`
}

func NewStartEvent(metadata EventMetadata, draft *conversation.Message) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
		Draft:     draft,
	}
}

var _ Event = (*EventStart)(nil)

// EventPartial carries one text delta. Completion is the full accumulated
// text, so published states are monotonically non-decreasing in length even
// when an observer misses intermediate events.
type EventPartial struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialEvent(metadata EventMetadata, delta string, completion string) *EventPartial {
	return &EventPartial{
		EventImpl:  EventImpl{Type_: EventTypePartial, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = (*EventPartial)(nil)

// EventFinal reports a committed assistant reply. Message is the persisted
// node appended to the graph.
type EventFinal struct {
	EventImpl
	Text    string                `json:"text"`
	Message *conversation.Message `json:"message,omitempty"`
}

func NewFinalEvent(metadata EventMetadata, text string, message *conversation.Message) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
		Message:   message,
	}
}

var _ Event = (*EventFinal)(nil)

// EventInterrupt retracts the pending draft after a caller-initiated stop.
// The partial text accumulated up to cancellation is still committed, and the
// committed node follows in an EventFinal.
type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = (*EventInterrupt)(nil)

// EventError reports a transport or protocol failure. The draft is discarded
// and the graph stays untouched.
type EventError struct {
	EventImpl
	ErrorString string `json:"error"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	msg := "generation failed"
	if err != nil {
		msg = err.Error()
	}
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: msg,
	}
}

var _ Event = (*EventError)(nil)

// NewEventFromJson decodes an event serialized by a sink back into its typed
// form, dispatching on the embedded type tag.
func NewEventFromJson(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, err
	}

	switch hdr.Type {
	case EventTypeStart:
		return decodeEvent[EventStart](b)
	case EventTypePartial:
		return decodeEvent[EventPartial](b)
	case EventTypeFinal:
		return decodeEvent[EventFinal](b)
	case EventTypeInterrupt:
		return decodeEvent[EventInterrupt](b)
	case EventTypeError:
		return decodeEvent[EventError](b)
	default:
		return nil, errors.Errorf("unknown event type %q", hdr.Type)
	}
}

func decodeEvent[T any, PT interface {
	*T
	Event
}](b []byte) (Event, error) {
	ret := PT(new(T))
	if err := json.Unmarshal(b, ret); err != nil {
		return nil, err
	}
	return ret, nil
}
