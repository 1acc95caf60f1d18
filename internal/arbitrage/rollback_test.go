package arbitrage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"arbiter/internal/exchange"
	"arbiter/internal/model"
)

func failedSession(t *testing.T, trades ...model.TradeResult) *model.Session {
	t.Helper()
	s := model.NewSession("sess-1", model.Opportunity{ID: "opp"}, time.Now())
	require.NoError(t, s.Transition(model.SessionExecuting))
	for _, tr := range trades {
		s.AddTrade(tr)
	}
	require.NoError(t, s.Transition(model.SessionFailed))
	return s
}

func TestRollbackCoordinator_ReverseOrderOppositeSide(t *testing.T) {
	gw := newMockGateway("X", 0.001)
	s := failedSession(t,
		model.TradeResult{Venue: "X", Symbol: "BTC/USD", Side: model.Buy, FilledAmount: 0.5, FillPrice: 30000},
		model.TradeResult{Venue: "X", Symbol: "ETH/BTC", Side: model.Buy, FilledAmount: 7, FillPrice: 0.07},
		model.TradeResult{Venue: "X", Symbol: "ETH/USD", Side: model.Sell, FilledAmount: 6.9, FillPrice: 2150},
	)

	gw.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(r model.OrderRequest) bool {
		return r.Type == model.Market
	})).Return("c", nil).Times(3)
	gw.On("GetOrderStatus", mock.Anything, "c").Return(filled("c", 1, 1, 0), nil)

	r := NewRollbackCoordinator(testLogger(), executionConfig(), exchange.NewRegistry(gw))
	report := r.Compensate(t.Context(), s)

	assert.Equal(t, []string{"buy ETH/USD", "sell ETH/BTC", "sell BTC/USD"}, gw.placed())
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 3, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.Same(t, report, s.Rollback)
	assert.Equal(t, 6.9, report.Compensations[0].Amount)
	assert.Equal(t, 7.0, report.Compensations[1].Amount)
	assert.Equal(t, 0.5, report.Compensations[2].Amount)
	assert.Equal(t, model.SessionFailed, s.Status)
	assert.Empty(t, s.Errors)
}

func TestRollbackCoordinator_ContinuesAfterFailure(t *testing.T) {
	a := newMockGateway("A", 0.001)
	b := newMockGateway("B", 0.001)
	s := failedSession(t,
		model.TradeResult{Venue: "A", Symbol: "BTC/USDT", Side: model.Buy, FilledAmount: 1, FillPrice: 100},
		model.TradeResult{Venue: "B", Symbol: "BTC/USDT", Side: model.Sell, FilledAmount: 1, FillPrice: 102},
		model.TradeResult{Venue: "C", Symbol: "BTC/USDT", Side: model.Buy, FilledAmount: 1, FillPrice: 101},
	)

	b.On("PlaceOrder", mock.Anything, order("BTC/USDT", model.Buy)).Return("", errors.New("venue down")).Once()
	a.On("PlaceOrder", mock.Anything, order("BTC/USDT", model.Sell)).Return("ca", nil).Once()
	a.On("GetOrderStatus", mock.Anything, "ca").Return(filled("ca", 1, 99, 0), nil)

	r := NewRollbackCoordinator(testLogger(), executionConfig(), exchange.NewRegistry(a, b))
	report := r.Compensate(t.Context(), s)

	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Compensations, 3)
	assert.Equal(t, "C", report.Compensations[0].Venue)
	assert.Contains(t, report.Compensations[0].Error, "unknown venue")
	assert.Contains(t, report.Compensations[1].Error, "venue down")
	assert.True(t, report.Compensations[2].Success)
	assert.Equal(t, "ca", report.Compensations[2].OrderID)
	assert.Len(t, s.Errors, 2)
	assert.Equal(t, model.SessionFailed, s.Status)
	a.AssertExpectations(t)
	b.AssertExpectations(t)
}
