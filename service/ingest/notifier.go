package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/brojonat/flexrp/service/metrics"
	"github.com/brojonat/flexrp/service/payment"
)

// Publisher delivers a stored settlement to downstream consumers.
type Publisher interface {
	PublishSettlement(ctx context.Context, rec payment.SettlementRecord) error
}

// AsyncNotifier decouples publishing from ingestion. Notify never blocks:
// when the buffer is full the notification is dropped and counted.
type AsyncNotifier struct {
	ch             chan payment.SettlementRecord
	publisher      Publisher
	publishTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// NewAsyncNotifier creates a notifier with the given buffer size.
func NewAsyncNotifier(publisher Publisher, buffer int, m *metrics.Metrics, logger *slog.Logger) *AsyncNotifier {
	if buffer < 1 {
		buffer = 1
	}
	return &AsyncNotifier{
		ch:             make(chan payment.SettlementRecord, buffer),
		publisher:      publisher,
		publishTimeout: 5 * time.Second,
		logger:         logger.With("component", "notifier"),
		metrics:        m,
	}
}

func (n *AsyncNotifier) Notify(rec payment.SettlementRecord) {
	select {
	case n.ch <- rec:
	default:
		n.logger.Warn("notification buffer full, dropping",
			"hash", rec.TransactionHash,
			"merchant", rec.Receiver,
		)
		if n.metrics != nil {
			n.metrics.RecordNotificationDropped(rec.Receiver)
		}
	}
}

// Run publishes queued notifications until ctx is cancelled, then flushes
// whatever is already buffered.
func (n *AsyncNotifier) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-n.ch:
			n.publish(ctx, rec)
		case <-ctx.Done():
			n.flush()
			return nil
		}
	}
}

func (n *AsyncNotifier) flush() {
	ctx := context.Background()
	for {
		select {
		case rec := <-n.ch:
			n.publish(ctx, rec)
		default:
			return
		}
	}
}

func (n *AsyncNotifier) publish(ctx context.Context, rec payment.SettlementRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.publishTimeout)
	defer cancel()

	// Publishing is best-effort; the record is already durable.
	if err := n.publisher.PublishSettlement(ctx, rec); err != nil {
		n.logger.ErrorContext(ctx, "failed to publish settlement",
			"hash", rec.TransactionHash,
			"error", err,
		)
	}
}
