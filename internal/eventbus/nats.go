package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NatsBus is an optional pub/sub backend implementing the same Bus
// interface as MemoryBus, for deployments that run more than one gateway
// process against a shared NATS server.
// It is not used by default (Config.Events.Backend == "memory").
type NatsBus struct {
	conn *nats.Conn
}

// DialNatsBus connects to a NATS server at url.
func DialNatsBus(url string) (*NatsBus, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.MaxReconnects(10))
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &NatsBus{conn: conn}, nil
}

// Publish marshals event as JSON and publishes it to subject.
func (b *NatsBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.conn.Publish(subject, data)
}

// Subscribe subscribes to subject (NATS' own "foo.*"/"foo.>" wildcard
// syntax applies here, not MemoryBus's simplified one) and unmarshals
// incoming messages before invoking handler.
func (b *NatsBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
			var event Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				return
			}
			_ = handler(context.Background(), &event)
	})
	if err != nil {
		return nil, err
	}
	return &natsSubscription{sub: sub}, nil
}

// Close closes the NATS connection without draining it.
func (b *NatsBus) Close() error {
	b.conn.Close()
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() {
	_ = s.sub.Unsubscribe()
}
