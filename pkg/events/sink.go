package events

// EventSink is a destination for generation events. Implementations can
// forward events to a message bus, a log, or a UI loop.
type EventSink interface {
	// PublishEvent publishes an event to the sink.
	PublishEvent(event Event) error
}

// NullSink discards all events. Useful in tests or when no observer cares.
type NullSink struct{}

func NewNullSink() *NullSink {
	return &NullSink{}
}

func (n *NullSink) PublishEvent(event Event) error {
	return nil
}

var _ EventSink = (*NullSink)(nil)
