package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSymbol(t *testing.T) {
	base, quote, ok := SplitSymbol("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, "BTC", base)
	assert.Equal(t, "USDT", quote)

	for _, bad := range []string{"BTCUSDT", "/USDT", "BTC/", "A/B/C", ""} {
		_, _, ok := SplitSymbol(bad)
		assert.False(t, ok, bad)
	}
}

func TestPricePoint_BestBidAskFallback(t *testing.T) {
	p := PricePoint{Price: 100}
	assert.Equal(t, 100.0, p.BestBid())
	assert.Equal(t, 100.0, p.BestAsk())

	p = PricePoint{Price: 100, Bid: 99, Ask: 101}
	assert.Equal(t, 99.0, p.BestBid())
	assert.Equal(t, 101.0, p.BestAsk())
}

func TestOrderSide_Opposite(t *testing.T) {
	assert.Equal(t, Sell, Buy.Opposite())
	assert.Equal(t, Buy, Sell.Opposite())
}

func TestSession_Transition(t *testing.T) {
	opp := Opportunity{ID: "simple:BTC/USDT:a>b", Kind: Simple, ExpectedProfit: 1.5}

	t.Run("legal path to completed", func(t *testing.T) {
		s := NewSession("s1", opp, time.Now())
		assert.Equal(t, SessionPending, s.Status)
		assert.Equal(t, 1.5, s.TargetProfit)
		require.NoError(t, s.Transition(SessionExecuting))
		require.NoError(t, s.Transition(SessionCompleted))
		assert.True(t, s.Status.Terminal())
	})

	t.Run("legal path to failed", func(t *testing.T) {
		s := NewSession("s2", opp, time.Now())
		require.NoError(t, s.Transition(SessionExecuting))
		require.NoError(t, s.Transition(SessionFailed))
	})

	t.Run("illegal transitions", func(t *testing.T) {
		cases := []struct {
			from SessionStatus
			to   SessionStatus
		}{
			{SessionPending, SessionCompleted},
			{SessionPending, SessionFailed},
			{SessionPending, SessionPending},
			{SessionExecuting, SessionPending},
			{SessionExecuting, SessionExecuting},
			{SessionCompleted, SessionFailed},
			{SessionCompleted, SessionExecuting},
			{SessionFailed, SessionCompleted},
			{SessionFailed, SessionPending},
		}
		for _, c := range cases {
			s := &Session{Status: c.from}
			err := s.Transition(c.to)
			assert.True(t, errors.Is(err, ErrIllegalTransition), "%s -> %s", c.from, c.to)
			assert.Equal(t, c.from, s.Status)
		}
	})
}

func TestSession_TradesOnlyGrow(t *testing.T) {
	s := NewSession("s", Opportunity{}, time.Now())
	s.AddTrade(TradeResult{Symbol: "BTC/USDT"})
	s.AddTrade(TradeResult{Symbol: "ETH/BTC"})
	require.Len(t, s.Trades, 2)
	assert.Equal(t, "BTC/USDT", s.Trades[0].Symbol)

	s.Fail("leg %d failed", 2)
	assert.Equal(t, []string{"leg 2 failed"}, s.Errors)
}

func TestSeverity_Rank(t *testing.T) {
	assert.Less(t, SeverityInfo.Rank(), SeverityWarning.Rank())
	assert.Less(t, SeverityWarning.Rank(), SeverityError.Rank())
}
