package nats

import (
	"context"
	"fmt"

	"github.com/abgdnv/kidscart/pkg/messaging"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher sends cart service events to a JetStream stream. An event implementing
// messaging.Identified is published with its ID as the message ID, and the stream keeps one
// copy per ID within its duplicate window.
type Publisher struct {
	js jetstream.JetStream
}

func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// Publish waits for the stream to acknowledge the event.
func (p *Publisher) Publish(ctx context.Context, event messaging.Event) error {
	data, err := event.Payload()
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.Subject(), err)
	}
	var opts []jetstream.PublishOpt
	if id, ok := event.(messaging.Identified); ok && id.MessageID() != "" {
		opts = append(opts, jetstream.WithMsgID(id.MessageID()))
	}
	if _, err = p.js.Publish(ctx, event.Subject(), data, opts...); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", event.Subject(), err)
	}
	return nil
}
