package nats

import (
	"context"
	"sync"

	"github.com/brojonat/flexrp/service/payment"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu           sync.RWMutex
	published    []payment.SettlementRecord
	publishError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishSettlement records the settlement and returns any configured error.
func (m *MockPublisher) PublishSettlement(ctx context.Context, rec payment.SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.published = append(m.published, rec)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Published returns a copy of all published settlements.
func (m *MockPublisher) Published() []payment.SettlementRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]payment.SettlementRecord, len(m.published))
	copy(out, m.published)
	return out
}

// PublishedForMerchant returns settlements published for one receiver.
func (m *MockPublisher) PublishedForMerchant(address string) []payment.SettlementRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []payment.SettlementRecord
	for _, rec := range m.published {
		if rec.Receiver == address {
			out = append(out, rec)
		}
	}
	return out
}

// SetPublishError configures the mock to return err on PublishSettlement.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
