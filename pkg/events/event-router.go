package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
)

// ChatEventHandler dispatches typed generation events to an observer, most
// commonly a UI loop rendering the streamed reply.
type ChatEventHandler interface {
	HandleStart(ctx context.Context, e *EventStart) error
	HandlePartial(ctx context.Context, e *EventPartial) error
	HandleFinal(ctx context.Context, e *EventFinal) error
	HandleInterrupt(ctx context.Context, e *EventInterrupt) error
	HandleError(ctx context.Context, e *EventError) error
}

// EventRouter couples an in-process watermill pub/sub with a message router.
// Sessions publish through Publisher (typically via a WatermillSink) and
// observers register handlers on topics.
type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger: watermill.NopLogger{},
	}
	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{}, ret.logger)
	ret.Publisher = goPubSub
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router

	return ret, nil
}

func (e *EventRouter) Close() error {
	if err := e.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close pubsub")
	}
	return e.router.Close()
}

// AddHandler registers a raw watermill handler on a topic.
func (e *EventRouter) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, f)
}

// AddChatHandler registers a handler that decodes chat events and dispatches
// them to the typed ChatEventHandler interface.
func (e *EventRouter) AddChatHandler(name string, topic string, handler ChatEventHandler) {
	e.AddHandler(name, topic, createChatDispatchHandler(handler))
}

func createChatDispatchHandler(handler ChatEventHandler) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		ev, err := NewEventFromJson(msg.Payload)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.UUID).Msg("failed to parse chat event")
			// one bad message should not kill the handler
			return nil
		}

		msgCtx := msg.Context()
		switch e := ev.(type) {
		case *EventStart:
			return handler.HandleStart(msgCtx, e)
		case *EventPartial:
			return handler.HandlePartial(msgCtx, e)
		case *EventFinal:
			return handler.HandleFinal(msgCtx, e)
		case *EventInterrupt:
			return handler.HandleInterrupt(msgCtx, e)
		case *EventError:
			return handler.HandleError(msgCtx, e)
		default:
			log.Warn().Str("event_type", string(ev.Type())).Msg("unhandled chat event type")
			return nil
		}
	}
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}
