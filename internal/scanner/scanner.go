package scanner

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/riverrun/daytrader-engine/internal/broker"
	"github.com/riverrun/daytrader-engine/pkg/types"
)

// Scanner ranks the universe into a watchlist of Opportunity scores on a
// fixed cadence, falling back to its last-good list if a refresh fails so
// a transient broker error never empties the watchlist.
type Scanner struct {
	adapter  broker.Adapter
	log      *zap.Logger
	universe []string
	cadence  time.Duration

	lastGood []types.Opportunity
	lastRun  time.Time
}

// New constructs a Scanner over the given universe.
func New(adapter broker.Adapter, universe []string, cadence time.Duration, log *zap.Logger) *Scanner {
	return &Scanner{adapter: adapter, log: log, universe: universe, cadence: cadence}
}

// DueForRefresh reports whether the cadence has elapsed since the last
// successful scan.
func (s *Scanner) DueForRefresh(now time.Time) bool {
	return now.Sub(s.lastRun) >= s.cadence
}

// Refresh re-scores the universe and returns the ranked opportunity list,
// or the last-good list (with a nil error) if scoring fails for every
// symbol.
func (s *Scanner) Refresh(ctx context.Context, now time.Time) ([]types.Opportunity, error) {
	var scored []types.Opportunity
	for _, sym := range s.universe {
		opp, ok := s.score(ctx, sym)
		if ok {
			scored = append(scored, opp)
		}
	}
	if len(scored) == 0 {
		s.log.Warn("scanner refresh produced no scorable symbols, keeping last-good list")
		return s.lastGood, nil
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score.GreaterThan(scored[j].Score) })
	s.lastGood = scored
	s.lastRun = now
	return scored, nil
}

// score computes a 0-110 weighted score for a single symbol from recent
// bars: base 50, +20 for above-average relative volume, +20 for a
// positive short-window return, +20 for range expansion, minus a penalty
// for thin liquidity.
func (s *Scanner) score(ctx context.Context, symbol string) (types.Opportunity, bool) {
	bars, err := s.adapter.GetBars(ctx, symbol, "1Day", 25)
	if err != nil || len(bars) < 20 {
		return types.Opportunity{}, false
	}

	last := bars[len(bars)-1]
	first := bars[0]

	avgVol := decimal.Zero
	for _, b := range bars[:len(bars)-1] {
		avgVol = avgVol.Add(b.Volume)
	}
	avgVol = avgVol.Div(decimal.NewFromInt(int64(len(bars) - 1)))

	score := decimal.NewFromInt(50)
	var reasons []string

	if avgVol.IsPositive() && last.Volume.GreaterThan(avgVol.Mul(decimal.NewFromFloat(1.5))) {
		score = score.Add(decimal.NewFromInt(20))
		reasons = append(reasons, "relative_volume_surge")
	}

	ret := decimal.Zero
	if first.Close.IsPositive() {
		ret = last.Close.Div(first.Close).Sub(decimal.NewFromInt(1))
	}
	if ret.GreaterThan(decimal.NewFromFloat(0.02)) {
		score = score.Add(decimal.NewFromInt(20))
		reasons = append(reasons, "positive_momentum")
	}

	high, low := last.High, last.Low
	for _, b := range bars {
		if b.High.GreaterThan(high) {
			high = b.High
		}
		if b.Low.LessThan(low) || low.IsZero() {
			low = b.Low
		}
	}
	if !last.Close.IsZero() {
		rangePct := high.Sub(low).Div(last.Close)
		if rangePct.GreaterThan(decimal.NewFromFloat(0.08)) {
			score = score.Add(decimal.NewFromInt(20))
			reasons = append(reasons, "range_expansion")
		}
	}

	if avgVol.LessThan(decimal.NewFromInt(100_000)) {
		score = score.Sub(decimal.NewFromInt(15))
		reasons = append(reasons, "thin_liquidity_penalty")
	}

	grade := "C"
	switch {
	case score.GreaterThanOrEqual(decimal.NewFromInt(90)):
		grade = "A"
	case score.GreaterThanOrEqual(decimal.NewFromInt(70)):
		grade = "B"
	}

	return types.Opportunity{Symbol: symbol, Score: score, Grade: grade, Reasons: reasons}, true
}
