package arbitrage

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"arbiter/internal/config"
	"arbiter/internal/model"
)

// Detector turns a price snapshot into ranked, fee-adjusted opportunities.
// It performs no I/O and keeps no state between calls.
type Detector struct {
	cfg    config.DetectorConfig
	fees   map[string]float64
	logger *slog.Logger
}

// NewDetector creates a Detector. fees maps venue names to taker fee
// fractions; venues missing from it use cfg.DefaultFeePercent.
func NewDetector(logger *slog.Logger, cfg config.DetectorConfig, fees map[string]float64) *Detector {
	return &Detector{
		cfg:    cfg,
		fees:   fees,
		logger: logger.With(slog.String("component", "detector")),
	}
}

func (d *Detector) fee(venue string) float64 {
	if f, ok := d.fees[venue]; ok {
		return f
	}
	return d.cfg.DefaultFeePercent / 100
}

// capital returns the configured trade size denominated in asset.
func (d *Detector) capital(asset string) float64 {
	if c, ok := d.cfg.Capital[asset]; ok && c > 0 {
		return c
	}
	return d.cfg.TradeCapital
}

// Detect returns simple and triangular opportunities found in snapshot,
// ordered by profit percentage (descending), then minimum capital, then id.
func (d *Detector) Detect(snapshot []model.PricePoint) []model.Opportunity {
	points, discoveredAt := d.clean(snapshot)

	opps := d.detectSimple(points, discoveredAt)
	opps = append(opps, d.detectTriangular(points, discoveredAt)...)
	Rank(opps)
	return opps
}

// Rank sorts opportunities in place into execution priority order.
func Rank(opps []model.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		a, b := opps[i], opps[j]
		if a.ProfitPercentage != b.ProfitPercentage {
			return a.ProfitPercentage > b.ProfitPercentage
		}
		if a.MinCapital != b.MinCapital {
			return a.MinCapital < b.MinCapital
		}
		return a.ID < b.ID
	})
}

// clean drops unusable quotes and keeps the newest quote per venue and
// symbol. The result is sorted by venue then symbol.
func (d *Detector) clean(snapshot []model.PricePoint) ([]model.PricePoint, time.Time) {
	latest := make(map[string]model.PricePoint, len(snapshot))
	var newest time.Time
	for _, p := range snapshot {
		if _, _, ok := model.SplitSymbol(p.Symbol); !ok {
			d.logger.Debug("skipping malformed symbol", "venue", p.Venue, "symbol", p.Symbol)
			continue
		}
		if p.Venue == "" || p.BestBid() <= 0 || p.BestAsk() <= 0 {
			d.logger.Debug("skipping non-positive price", "venue", p.Venue, "symbol", p.Symbol)
			continue
		}
		key := p.Venue + "|" + p.Symbol
		if cur, ok := latest[key]; ok && !p.Timestamp.After(cur.Timestamp) {
			continue
		}
		latest[key] = p
		if p.Timestamp.After(newest) {
			newest = p.Timestamp
		}
	}

	out := make([]model.PricePoint, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, newest
}

func (d *Detector) detectSimple(points []model.PricePoint, at time.Time) []model.Opportunity {
	bySymbol := make(map[string][]model.PricePoint)
	var symbols []string
	for _, p := range points {
		if _, ok := bySymbol[p.Symbol]; !ok {
			symbols = append(symbols, p.Symbol)
		}
		bySymbol[p.Symbol] = append(bySymbol[p.Symbol], p)
	}
	sort.Strings(symbols)

	var opps []model.Opportunity
	for _, symbol := range symbols {
		quotes := bySymbol[symbol]
		if len(quotes) < 2 {
			continue
		}

		// lowest ask against highest bid on a different venue; quotes are
		// venue-sorted so the first best pair wins ties
		var buy, sell model.PricePoint
		best := 0.0
		for _, a := range quotes {
			for _, b := range quotes {
				if a.Venue == b.Venue {
					continue
				}
				if ratio := b.BestBid() / a.BestAsk(); ratio > best {
					best, buy, sell = ratio, a, b
				}
			}
		}
		if best == 0 {
			continue
		}

		pct := (best*(1-d.fee(buy.Venue)-d.fee(sell.Venue)) - 1) * 100
		if pct < d.cfg.MinProfitPercentage {
			continue
		}
		opps = append(opps, d.simpleOpportunity(symbol, buy, sell, pct, at))
	}
	return opps
}

func (d *Detector) simpleOpportunity(symbol string, buy, sell model.PricePoint, pct float64, at time.Time) model.Opportunity {
	base, quote, _ := model.SplitSymbol(symbol)
	capital := d.capital(quote)
	bought := capital / buy.BestAsk()

	return model.Opportunity{
		ID:     fmt.Sprintf("simple:%s:%s>%s", symbol, buy.Venue, sell.Venue),
		Kind:   model.Simple,
		Path:   []string{symbol},
		Venues: []string{buy.Venue, sell.Venue},
		Legs: []model.Leg{
			{Venue: buy.Venue, Symbol: symbol, Side: model.Buy, From: quote, To: base, Price: buy.BestAsk(), Amount: bought},
			{Venue: sell.Venue, Symbol: symbol, Side: model.Sell, From: base, To: quote, Price: sell.BestBid(), Amount: bought * (1 - d.fee(buy.Venue))},
		},
		ExpectedProfit:   capital * pct / 100,
		ProfitPercentage: pct,
		MinCapital:       capital,
		DiscoveredAt:     at,
	}
}

// edge is a conversion available from one asset on a venue.
type edge struct {
	to     string
	symbol string
	side   model.OrderSide
	price  float64
}

// rate is how many units of the target asset one unit of the source buys
// before fees: selling BASE multiplies by the price, buying BASE divides.
func (e edge) rate() float64 {
	if e.side == model.Sell {
		return e.price
	}
	return 1 / e.price
}

type venueGraph struct {
	venue string
	fee   float64
	adj   map[string][]edge
}

func buildGraphs(points []model.PricePoint, fee func(string) float64) []venueGraph {
	var graphs []venueGraph
	index := make(map[string]int)
	for _, p := range points {
		base, quote, _ := model.SplitSymbol(p.Symbol)
		if base == quote {
			continue
		}
		i, ok := index[p.Venue]
		if !ok {
			i = len(graphs)
			index[p.Venue] = i
			graphs = append(graphs, venueGraph{venue: p.Venue, fee: fee(p.Venue), adj: make(map[string][]edge)})
		}
		g := graphs[i]
		g.adj[base] = append(g.adj[base], edge{to: quote, symbol: p.Symbol, side: model.Sell, price: p.BestBid()})
		g.adj[quote] = append(g.adj[quote], edge{to: base, symbol: p.Symbol, side: model.Buy, price: p.BestAsk()})
	}
	for _, g := range graphs {
		for asset := range g.adj {
			edges := g.adj[asset]
			sort.Slice(edges, func(i, j int) bool {
				if edges[i].to != edges[j].to {
					return edges[i].to < edges[j].to
				}
				return edges[i].symbol < edges[j].symbol
			})
		}
	}
	return graphs
}

func (d *Detector) startAssets(g venueGraph) []string {
	var assets []string
	if len(d.cfg.StartAssets) > 0 {
		for _, a := range d.cfg.StartAssets {
			if _, ok := g.adj[a]; ok {
				assets = append(assets, a)
			}
		}
	} else {
		for a := range g.adj {
			assets = append(assets, a)
		}
	}
	sort.Strings(assets)
	return assets
}

func (d *Detector) detectTriangular(points []model.PricePoint, at time.Time) []model.Opportunity {
	maxHops := d.cfg.MaxPathLength
	if maxHops < 3 {
		return nil
	}

	var opps []model.Opportunity
	for _, g := range buildGraphs(points, d.fee) {
		for _, start := range d.startAssets(g) {
			s := cycleSearch{d: d, g: g, start: start, maxHops: maxHops, at: at, visited: map[string]bool{start: true}}
			s.walk(start, 1.0)
			opps = append(opps, s.found...)
		}
	}
	return opps
}

// cycleSearch is a depth-bounded DFS for one venue and start asset.
type cycleSearch struct {
	d       *Detector
	g       venueGraph
	start   string
	maxHops int
	at      time.Time

	visited map[string]bool
	hops    []edge
	found   []model.Opportunity
}

func (s *cycleSearch) walk(current string, value float64) {
	for _, e := range s.g.adj[current] {
		next := value * e.rate() * (1 - s.g.fee)

		if e.to == s.start {
			if len(s.hops)+1 >= 3 {
				s.emit(append(s.hops, e), next)
			}
			continue
		}
		if s.visited[e.to] || len(s.hops)+1 >= s.maxHops {
			continue
		}

		s.visited[e.to] = true
		s.hops = append(s.hops, e)
		s.walk(e.to, next)
		s.hops = s.hops[:len(s.hops)-1]
		delete(s.visited, e.to)
	}
}

func (s *cycleSearch) emit(hops []edge, value float64) {
	pct := (value - 1) * 100
	if pct < s.d.cfg.MinProfitPercentage {
		return
	}

	capital := s.d.capital(s.start)
	path := []string{s.start}
	symbols := make([]string, 0, len(hops))
	legs := make([]model.Leg, 0, len(hops))
	held, from := capital, s.start
	for _, e := range hops {
		amount := held
		if e.side == model.Buy {
			amount = held / e.price
		}
		legs = append(legs, model.Leg{
			Venue:  s.g.venue,
			Symbol: e.symbol,
			Side:   e.side,
			From:   from,
			To:     e.to,
			Price:  e.price,
			Amount: amount,
		})
		held = held * e.rate() * (1 - s.g.fee)
		from = e.to
		path = append(path, e.to)
		symbols = append(symbols, e.symbol)
	}

	s.found = append(s.found, model.Opportunity{
		// one asset cycle can route through differently quoted pairs
		ID:               fmt.Sprintf("triangular:%s:%s:%s", s.g.venue, strings.Join(path, ">"), strings.Join(symbols, ",")),
		Kind:             model.Triangular,
		Path:             path,
		Venues:           []string{s.g.venue},
		Legs:             legs,
		ExpectedProfit:   capital * pct / 100,
		ProfitPercentage: pct,
		MinCapital:       capital,
		DiscoveredAt:     s.at,
	})
}
