package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/brojonat/flexrp/service/payment"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ConsumeOptions controls a settlement subscription.
type ConsumeOptions struct {
	// Merchant filters to one receiver; empty means all merchants.
	Merchant string
	// Durable names a consumer that survives restarts. Empty is ephemeral.
	Durable string
}

// Consume streams settlement events to handle until ctx is cancelled.
// Messages that fail to decode are acked and logged so one bad payload
// cannot wedge the consumer.
func Consume(ctx context.Context, natsURL string, opts ConsumeOptions, logger *slog.Logger, handle func(*payment.SettlementEvent) error) error {
	nc, err := nats.Connect(natsURL, nats.Name("flexrp-consumer"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	subject := StreamSubjects
	if opts.Merchant != "" {
		subject = Subject(opts.Merchant)
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       opts.Durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var event payment.SettlementEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			logger.Error("failed to decode settlement event", "subject", msg.Subject(), "error", err)
			_ = msg.Ack()
			return
		}
		if err := handle(&event); err != nil {
			logger.Error("settlement handler failed", "hash", event.TransactionHash, "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	<-ctx.Done()
	return nil
}
