package temporal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/flexrp/service/db"
	"github.com/brojonat/flexrp/service/payment"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// Mock Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) ListFailed(ctx context.Context, limit int) ([]*payment.SettlementRecord, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*payment.SettlementRecord), args.Error(1)
}

func (m *MockStore) GetByHash(ctx context.Context, hash string) (*payment.SettlementRecord, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.SettlementRecord), args.Error(1)
}

func (m *MockStore) Transition(ctx context.Context, hash string, u db.StatusUpdate) error {
	args := m.Called(ctx, hash, u)
	return args.Error(0)
}

// Mock Resolver
type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) GetRate(ctx context.Context, pair payment.Pair) (payment.Rate, error) {
	args := m.Called(ctx, pair)
	return args.Get(0).(payment.Rate), args.Error(1)
}

// Mock Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishSettlement(ctx context.Context, rec payment.SettlementRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func failedRecord(hash string) *payment.SettlementRecord {
	return &payment.SettlementRecord{
		TransactionHash: hash,
		Receiver:        "rMerchant",
		AmountNative:    decimal.RequireFromString("10"),
		FiatCurrency:    "USD",
		Status:          payment.StatusFailed,
		FailureReason:   payment.ReasonRateUnavailable,
		CreatedAt:       time.Now().UTC(),
	}
}

func usdRate(price string) payment.Rate {
	return payment.Rate{Quote: payment.Quote{
		Pair:       payment.NewPair("XRP", "USD"),
		Price:      decimal.RequireFromString(price),
		FetchedAt:  time.Now(),
		ProviderID: "coinmarketcap",
	}}
}

func TestListFailedSettlements(t *testing.T) {
	store := new(MockStore)
	acts := NewActivities(store, new(MockResolver), nil, nil, testLogger())

	store.On("ListFailed", mock.Anything, 100).
		Return([]*payment.SettlementRecord{failedRecord("A"), failedRecord("B")}, nil)

	result, err := acts.ListFailedSettlements(context.Background(), ListFailedSettlementsInput{})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, result.Hashes)
	store.AssertExpectations(t)
}

func TestReplaySettlement_Converts(t *testing.T) {
	store := new(MockStore)
	resolver := new(MockResolver)
	publisher := new(MockPublisher)
	acts := NewActivities(store, resolver, publisher, nil, testLogger())

	store.On("GetByHash", mock.Anything, "A").Return(failedRecord("A"), nil)
	resolver.On("GetRate", mock.Anything, payment.NewPair("XRP", "USD")).Return(usdRate("0.52345"), nil)
	store.On("Transition", mock.Anything, "A", mock.MatchedBy(func(u db.StatusUpdate) bool {
		return u.Status == payment.StatusConverted &&
			u.AmountFiat != nil && u.AmountFiat.String() == "5.23" &&
			u.RateProvider == "coinmarketcap"
	})).Return(nil)
	publisher.On("PublishSettlement", mock.Anything, mock.MatchedBy(func(rec payment.SettlementRecord) bool {
		return rec.Status == payment.StatusConverted && rec.FailureReason == ""
	})).Return(nil)

	result, err := acts.ReplaySettlement(context.Background(), ReplaySettlementInput{TransactionHash: "A"})
	require.NoError(t, err)
	assert.Equal(t, replayConverted, result.Status)
	assert.Equal(t, "5.23", result.AmountFiat)

	store.AssertExpectations(t)
	resolver.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestReplaySettlement_SkipsNonFailed(t *testing.T) {
	store := new(MockStore)
	resolver := new(MockResolver)
	acts := NewActivities(store, resolver, nil, nil, testLogger())

	rec := failedRecord("A")
	rec.Status = payment.StatusConverted
	store.On("GetByHash", mock.Anything, "A").Return(rec, nil)

	result, err := acts.ReplaySettlement(context.Background(), ReplaySettlementInput{TransactionHash: "A"})
	require.NoError(t, err)
	assert.Equal(t, replaySkipped, result.Status)
	resolver.AssertNotCalled(t, "GetRate", mock.Anything, mock.Anything)
}

func TestReplaySettlement_RaceLostIsSkipped(t *testing.T) {
	store := new(MockStore)
	resolver := new(MockResolver)
	acts := NewActivities(store, resolver, nil, nil, testLogger())

	store.On("GetByHash", mock.Anything, "A").Return(failedRecord("A"), nil)
	resolver.On("GetRate", mock.Anything, mock.Anything).Return(usdRate("1"), nil)
	store.On("Transition", mock.Anything, "A", mock.Anything).Return(payment.ErrInvalidTransition)

	result, err := acts.ReplaySettlement(context.Background(), ReplaySettlementInput{TransactionHash: "A"})
	require.NoError(t, err)
	assert.Equal(t, replaySkipped, result.Status)
}

func TestReplaySettlement_RateUnavailable(t *testing.T) {
	store := new(MockStore)
	resolver := new(MockResolver)
	acts := NewActivities(store, resolver, nil, nil, testLogger())

	store.On("GetByHash", mock.Anything, "A").Return(failedRecord("A"), nil)
	resolver.On("GetRate", mock.Anything, mock.Anything).Return(payment.Rate{}, payment.ErrRateUnavailable)

	_, err := acts.ReplaySettlement(context.Background(), ReplaySettlementInput{TransactionHash: "A"})
	assert.ErrorIs(t, err, payment.ErrRateUnavailable)
	store.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything, mock.Anything)
}

func TestReplaySettlement_NotFoundIsNonRetryable(t *testing.T) {
	store := new(MockStore)
	acts := NewActivities(store, new(MockResolver), nil, nil, testLogger())

	store.On("GetByHash", mock.Anything, "missing").Return(nil, payment.ErrNotFound)

	_, err := acts.ReplaySettlement(context.Background(), ReplaySettlementInput{TransactionHash: "missing"})
	require.Error(t, err)

	var appErr *temporalsdk.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.True(t, appErr.NonRetryable())
	assert.Equal(t, "NotFound", appErr.Type())
}

func TestMockScheduler(t *testing.T) {
	s := NewMockScheduler()
	ctx := context.Background()

	id, err := s.StartReplay(ctx, 25)
	require.NoError(t, err)
	assert.Equal(t, "replay-1", id)
	assert.Equal(t, []int{25}, s.Started())

	assert.Error(t, s.DeleteReplaySchedule(ctx))
	require.NoError(t, s.UpsertReplaySchedule(ctx, time.Minute, 10))
	ok, interval := s.Scheduled()
	assert.True(t, ok)
	assert.Equal(t, time.Minute, interval)
	require.NoError(t, s.DeleteReplaySchedule(ctx))

	s.SetStartError(errors.New("temporal down"))
	_, err = s.StartReplay(ctx, 1)
	assert.Error(t, err)
}
