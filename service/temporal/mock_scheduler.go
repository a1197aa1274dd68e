package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is a mock implementation of ReplayScheduler for testing.
type MockScheduler struct {
	mu        sync.Mutex
	started   []int // batch sizes of started runs
	interval  time.Duration
	scheduled bool
	startErr  error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{}
}

// StartReplay records a started run.
func (m *MockScheduler) StartReplay(ctx context.Context, batchSize int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return "", m.startErr
	}
	m.started = append(m.started, batchSize)
	return fmt.Sprintf("replay-%d", len(m.started)), nil
}

// UpsertReplaySchedule records the schedule interval.
func (m *MockScheduler) UpsertReplaySchedule(ctx context.Context, interval time.Duration, batchSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = interval
	m.scheduled = true
	return nil
}

// DeleteReplaySchedule removes the recorded schedule.
func (m *MockScheduler) DeleteReplaySchedule(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.scheduled {
		return fmt.Errorf("schedule %q not found", ReplayScheduleID)
	}
	m.scheduled = false
	return nil
}

// SetStartError makes StartReplay fail with err.
func (m *MockScheduler) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// Started returns the batch sizes of all started runs.
func (m *MockScheduler) Started() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.started))
	copy(out, m.started)
	return out
}

// Scheduled reports whether a schedule exists and its interval.
func (m *MockScheduler) Scheduled() (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduled, m.interval
}
