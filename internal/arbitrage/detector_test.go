package arbitrage

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/config"
	"arbiter/internal/model"
)

var detectedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func detectorConfig() config.DetectorConfig {
	return config.DetectorConfig{
		MinProfitPercentage: 0.5,
		MaxPathLength:       3,
		DefaultFeePercent:   0.1,
		TradeCapital:        1000,
	}
}

func quote(venue, symbol string, bid, ask float64) model.PricePoint {
	return model.PricePoint{Venue: venue, Symbol: symbol, Price: (bid + ask) / 2, Bid: bid, Ask: ask, Timestamp: detectedAt}
}

func price(venue, symbol string, p float64) model.PricePoint {
	return model.PricePoint{Venue: venue, Symbol: symbol, Price: p, Timestamp: detectedAt}
}

func TestDetector_SimpleCrossVenue(t *testing.T) {
	d := NewDetector(testLogger(), detectorConfig(), map[string]float64{"A": 0.001, "B": 0.001})

	opps := d.Detect([]model.PricePoint{
		quote("A", "BTC/USDT", 99.5, 100),
		quote("B", "BTC/USDT", 102, 102.5),
	})

	require.Len(t, opps, 1)
	opp := opps[0]
	assert.Equal(t, "simple:BTC/USDT:A>B", opp.ID)
	assert.Equal(t, model.Simple, opp.Kind)
	assert.Equal(t, []string{"A", "B"}, opp.Venues)
	assert.Equal(t, []string{"BTC/USDT"}, opp.Path)
	assert.InDelta(t, (1.02*0.998-1)*100, opp.ProfitPercentage, 1e-9)
	assert.InDelta(t, 1.80, opp.ProfitPercentage, 0.01)
	assert.Equal(t, 1000.0, opp.MinCapital)
	assert.InDelta(t, 1000*opp.ProfitPercentage/100, opp.ExpectedProfit, 1e-9)
	assert.Equal(t, detectedAt, opp.DiscoveredAt)

	require.Len(t, opp.Legs, 2)
	assert.Equal(t, model.Leg{Venue: "A", Symbol: "BTC/USDT", Side: model.Buy, From: "USDT", To: "BTC", Price: 100, Amount: 10}, opp.Legs[0])
	assert.Equal(t, "B", opp.Legs[1].Venue)
	assert.Equal(t, model.Sell, opp.Legs[1].Side)
	assert.InDelta(t, 9.99, opp.Legs[1].Amount, 1e-9)
	assert.Equal(t, "USDT", opp.EntryAsset())
	assert.Equal(t, "A", opp.EntryVenue())
}

func TestDetector_SimpleBelowThreshold(t *testing.T) {
	d := NewDetector(testLogger(), detectorConfig(), nil)

	opps := d.Detect([]model.PricePoint{
		quote("A", "BTC/USDT", 99.5, 100),
		quote("B", "BTC/USDT", 100.4, 100.6),
	})
	assert.Empty(t, opps)
}

func TestDetector_SimpleVenuesAreDistinct(t *testing.T) {
	d := NewDetector(testLogger(), detectorConfig(), nil)

	// A is crossed with itself; only a pair of different venues may be used
	opps := d.Detect([]model.PricePoint{
		quote("A", "BTC/USDT", 105, 100),
		quote("B", "BTC/USDT", 101, 101.5),
		quote("C", "BTC/USDT", 100.2, 100.4),
	})

	require.Len(t, opps, 1)
	assert.Equal(t, []string{"C", "A"}, opps[0].Venues)
	for _, opp := range opps {
		assert.NotEqual(t, opp.Venues[0], opp.Venues[1])
	}
}

func TestDetector_Triangular(t *testing.T) {
	cfg := detectorConfig()
	cfg.StartAssets = []string{"USD"}
	cfg.Capital = map[string]float64{"USD": 100}
	d := NewDetector(testLogger(), cfg, map[string]float64{"X": 0.001})

	opps := d.Detect([]model.PricePoint{
		price("X", "BTC/USD", 30000),
		price("X", "ETH/BTC", 0.07),
		price("X", "ETH/USD", 2150),
	})

	require.Len(t, opps, 1)
	opp := opps[0]
	want := (2150/(30000*0.07)*math.Pow(0.999, 3) - 1) * 100
	assert.Equal(t, "triangular:X:USD>BTC>ETH>USD:BTC/USD,ETH/BTC,ETH/USD", opp.ID)
	assert.Equal(t, model.Triangular, opp.Kind)
	assert.Equal(t, []string{"USD", "BTC", "ETH", "USD"}, opp.Path)
	assert.Equal(t, []string{"X"}, opp.Venues)
	assert.InDelta(t, want, opp.ProfitPercentage, 1e-9)
	assert.InDelta(t, 2.07, opp.ProfitPercentage, 0.01)
	assert.Equal(t, 100.0, opp.MinCapital)

	require.Len(t, opp.Legs, 3)
	assert.Equal(t, model.Buy, opp.Legs[0].Side)
	assert.Equal(t, "BTC/USD", opp.Legs[0].Symbol)
	assert.InDelta(t, 100.0/30000, opp.Legs[0].Amount, 1e-12)
	assert.Equal(t, model.Buy, opp.Legs[1].Side)
	assert.Equal(t, "ETH/BTC", opp.Legs[1].Symbol)
	assert.InDelta(t, 100.0/30000*0.999/0.07, opp.Legs[1].Amount, 1e-12)
	assert.Equal(t, model.Sell, opp.Legs[2].Side)
	assert.Equal(t, "ETH/USD", opp.Legs[2].Symbol)
	assert.Equal(t, "ETH", opp.Legs[2].From)
	assert.Equal(t, "USD", opp.Legs[2].To)
}

func TestDetector_TriangularEveryStartAsset(t *testing.T) {
	d := NewDetector(testLogger(), detectorConfig(), nil)

	opps := d.Detect([]model.PricePoint{
		price("X", "BTC/USD", 30000),
		price("X", "ETH/BTC", 0.07),
		price("X", "ETH/USD", 2150),
	})

	// the same cycle entered from each of its three assets
	require.Len(t, opps, 3)
	ids := []string{opps[0].ID, opps[1].ID, opps[2].ID}
	assert.ElementsMatch(t, []string{
		"triangular:X:USD>BTC>ETH>USD:BTC/USD,ETH/BTC,ETH/USD",
		"triangular:X:BTC>ETH>USD>BTC:ETH/BTC,ETH/USD,BTC/USD",
		"triangular:X:ETH>USD>BTC>ETH:ETH/USD,BTC/USD,ETH/BTC",
	}, ids)
}

func TestDetector_TriangularIDsDistinguishPairs(t *testing.T) {
	cfg := detectorConfig()
	cfg.StartAssets = []string{"USD"}
	d := NewDetector(testLogger(), cfg, map[string]float64{"X": 0.001})

	// BTC is quoted both ways, so USD>BTC>ETH>USD has two routes
	opps := d.Detect([]model.PricePoint{
		price("X", "BTC/USD", 30000),
		price("X", "USD/BTC", 1.0/30000),
		price("X", "ETH/BTC", 0.07),
		price("X", "ETH/USD", 2150),
	})

	require.Len(t, opps, 2)
	assert.Equal(t, opps[0].Path, opps[1].Path)
	assert.NotEqual(t, opps[0].ID, opps[1].ID)
	assert.ElementsMatch(t, []string{
		"triangular:X:USD>BTC>ETH>USD:BTC/USD,ETH/BTC,ETH/USD",
		"triangular:X:USD>BTC>ETH>USD:USD/BTC,ETH/BTC,ETH/USD",
	}, []string{opps[0].ID, opps[1].ID})
	for _, opp := range opps {
		assert.InDelta(t, opps[0].ProfitPercentage, opp.ProfitPercentage, 1e-9)
	}
}

func TestDetector_SkipsBadData(t *testing.T) {
	d := NewDetector(testLogger(), detectorConfig(), nil)

	stale := quote("B", "BTC/USDT", 120, 121)
	stale.Timestamp = detectedAt.Add(-time.Minute)

	opps := d.Detect([]model.PricePoint{
		quote("A", "BTC/USDT", 99.5, 100),
		stale,
		quote("B", "BTC/USDT", 100.1, 100.2),
		{Venue: "C", Symbol: "BTC/USDT", Price: 0},
		{Venue: "D", Symbol: "BTCUSDT", Price: 150, Bid: 150, Ask: 150, Timestamp: detectedAt},
		{Venue: "E", Symbol: "BTC/USDT", Price: -5, Timestamp: detectedAt},
	})
	assert.Empty(t, opps)
}

func TestDetector_PathValidityAndThreshold(t *testing.T) {
	cfg := detectorConfig()
	cfg.MaxPathLength = 4
	cfg.MinProfitPercentage = -100
	d := NewDetector(testLogger(), cfg, nil)

	snapshot := denseSnapshot(rand.New(rand.NewSource(7)))
	opps := d.Detect(snapshot)
	require.NotEmpty(t, opps)

	var triangular int
	for _, opp := range opps {
		if opp.Kind == model.Simple {
			assert.NotEqual(t, opp.Venues[0], opp.Venues[1], opp.ID)
			continue
		}
		triangular++
		path := opp.Path
		assert.Equal(t, path[0], path[len(path)-1], opp.ID)
		assert.GreaterOrEqual(t, len(path), 3, opp.ID)
		assert.LessOrEqual(t, len(path), cfg.MaxPathLength+1, opp.ID)

		seen := map[string]bool{}
		for _, asset := range path[:len(path)-1] {
			assert.False(t, seen[asset], "asset %s repeated in %s", asset, opp.ID)
			seen[asset] = true
		}

		require.Len(t, opp.Legs, len(path)-1)
		for i, leg := range opp.Legs {
			assert.Equal(t, path[i], leg.From)
			assert.Equal(t, path[i+1], leg.To)
		}
	}
	assert.Positive(t, triangular)

	cfg.MinProfitPercentage = 0.2
	d = NewDetector(testLogger(), cfg, nil)
	for _, opp := range d.Detect(snapshot) {
		assert.GreaterOrEqual(t, opp.ProfitPercentage, 0.2, opp.ID)
	}
}

func TestDetector_Deterministic(t *testing.T) {
	cfg := detectorConfig()
	cfg.MaxPathLength = 4
	cfg.MinProfitPercentage = -1
	d := NewDetector(testLogger(), cfg, nil)

	rng := rand.New(rand.NewSource(11))
	snapshot := denseSnapshot(rng)
	first := d.Detect(snapshot)

	shuffled := append([]model.PricePoint(nil), snapshot...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	second := d.Detect(shuffled)

	assert.Equal(t, first, second)
}

func TestRank(t *testing.T) {
	opps := []model.Opportunity{
		{ID: "c", ProfitPercentage: 1, MinCapital: 100},
		{ID: "b", ProfitPercentage: 2, MinCapital: 100},
		{ID: "a", ProfitPercentage: 1, MinCapital: 100},
		{ID: "d", ProfitPercentage: 1, MinCapital: 50},
	}
	Rank(opps)

	var ids []string
	for _, o := range opps {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, ids)
}

// denseSnapshot quotes every pair of a few assets on two venues with a
// little noise so that some cycles are profitable and some are not.
func denseSnapshot(rng *rand.Rand) []model.PricePoint {
	usd := map[string]float64{"BTC": 30000, "ETH": 2000, "SOL": 100, "USDT": 1}
	assets := []string{"BTC", "ETH", "SOL", "USDT"}

	var out []model.PricePoint
	for _, venue := range []string{"V1", "V2"} {
		for i, base := range assets {
			for _, q := range assets[i+1:] {
				mid := usd[base] / usd[q] * (1 + (rng.Float64()-0.5)*0.02)
				out = append(out, quote(venue, base+"/"+q, mid*0.9995, mid*1.0005))
			}
		}
	}
	return out
}
