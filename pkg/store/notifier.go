package store

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const changeTopic = "store.changes"

// changeNotifier fans conversation-change notifications out to subscribers
// over an in-process watermill pub/sub.
type changeNotifier struct {
	pubsub *gochannel.GoChannel
}

func newChangeNotifier() *changeNotifier {
	return &changeNotifier{
		pubsub: gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{}),
	}
}

func (n *changeNotifier) notify(convID uuid.UUID) {
	msg := message.NewMessage(watermill.NewUUID(), []byte(convID.String()))
	if err := n.pubsub.Publish(changeTopic, msg); err != nil {
		log.Warn().Err(err).Str("conv_id", convID.String()).Msg("failed to publish store change")
	}
}

func (n *changeNotifier) subscribe(ctx context.Context, handler ChangeHandler) error {
	ch, err := n.pubsub.Subscribe(ctx, changeTopic)
	if err != nil {
		return err
	}
	go func() {
		for msg := range ch {
			convID, err := uuid.Parse(string(msg.Payload))
			if err != nil {
				log.Warn().Err(err).Msg("malformed store change payload")
				msg.Ack()
				continue
			}
			handler(convID)
			msg.Ack()
		}
	}()
	return nil
}

func (n *changeNotifier) close() error {
	return n.pubsub.Close()
}
