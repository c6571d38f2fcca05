// Package features computes the fixed-shape per-symbol indicator
// snapshot from a rolling bar window.
package features

import (
	"github.com/shopspring/decimal"

	"github.com/riverrun/daytrader-engine/pkg/types"
)

// Engine computes Features snapshots from bar history. It is stateless
// across symbols; callers keep one rolling bar slice per symbol.
type Engine struct {
	EMAShortPeriod int
	EMALongPeriod  int
	ATRPeriod      int
	RSIPeriod      int
	ADXPeriod      int
	VolumeLookback int
}

// NewEngine builds an Engine from configured periods.
func NewEngine(emaShort, emaLong int) *Engine {
	return &Engine{
		EMAShortPeriod: emaShort,
		EMALongPeriod:  emaLong,
		ATRPeriod:      14,
		RSIPeriod:      14,
		ADXPeriod:      14,
		VolumeLookback: 20,
	}
}

// minBars is the longest lookback any indicator needs (including MACD's
// 26-bar slow EMA and the two periods ADX reads), plus one bar of slack
// for the "previous EMA" crossover comparison.
func (e *Engine) minBars() int {
	longest := e.EMALongPeriod
	for _, p := range []int{e.ATRPeriod, e.RSIPeriod, 2 * e.ADXPeriod, e.VolumeLookback, 26} {
		if p > longest {
			longest = p
		}
	}
	return longest + 1
}

// Compute returns the Features snapshot for the most recent bar in bars.
// bars must be ordered oldest-first. Valid is false when history is too
// short to trust every indicator.
func (e *Engine) Compute(symbol string, bars []types.Bar) types.Features {
	if len(bars) == 0 {
		return types.Features{Symbol: symbol, Valid: false}
	}
	last := bars[len(bars)-1]
	f := types.Features{
		Symbol: symbol,
		TS:     last.TS,
		Price:  last.Close,
	}

	if len(bars) < e.minBars() {
		f.Valid = false
		return f
	}

	closes := closesOf(bars)
	emaShortSeries := ema(closes, e.EMAShortPeriod)
	emaLongSeries := ema(closes, e.EMALongPeriod)
	n := len(closes)

	f.EMAShort = emaShortSeries[n-1]
	f.EMALong = emaLongSeries[n-1]
	f.PrevEMAShort = emaShortSeries[n-2]
	f.PrevEMALong = emaLongSeries[n-2]
	if !f.EMALong.IsZero() {
		f.EMADiffPct = f.EMAShort.Div(f.EMALong).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
	}

	f.ATR = atr(bars, e.ATRPeriod)
	f.RSI = rsi(closes, e.RSIPeriod)
	macdLine, signalLine, hist := macd(closes)
	f.MACD, f.MACDSignal, f.MACDHist = macdLine, signalLine, hist
	plusDI, minusDI, adx := adx(bars, e.ADXPeriod)
	f.PlusDI, f.MinusDI, f.ADX = plusDI, minusDI, adx
	f.VWAP = vwap(bars)
	f.OBV = obv(bars)

	f.Volume = last.Volume
	f.VolumeAvg = smaDecimal(volumesOf(bars), e.VolumeLookback)
	if !f.VolumeAvg.IsZero() {
		f.VolumeRatio = f.Volume.Div(f.VolumeAvg)
	}

	f.Valid = true
	return f
}

func closesOf(bars []types.Bar) []decimal.Decimal {
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func volumesOf(bars []types.Bar) []decimal.Decimal {
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

// ema computes an exponential moving average matching pandas'
// ewm(span=period, adjust=False).mean(): seed with the first value, then
// recurse with alpha = 2/(period+1).
func ema(values []decimal.Decimal, period int) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	if len(values) == 0 {
		return out
	}
	alpha := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period) + 1))
	oneMinusAlpha := decimal.NewFromInt(1).Sub(alpha)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i].Mul(alpha).Add(out[i-1].Mul(oneMinusAlpha))
	}
	return out
}

// atr computes the average true range with Wilder smoothing: seeded with
// the simple mean of the first period true ranges, then
// atr = (prev*(period-1) + tr) / period for each later bar.
func atr(bars []types.Bar, period int) decimal.Decimal {
	if len(bars) < period+1 {
		return decimal.Zero
	}
	trs := make([]decimal.Decimal, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		trs = append(trs, trueRange(bars[i], bars[i-1]))
	}
	p := decimal.NewFromInt(int64(period))
	val := smaDecimal(trs[:period], period)
	for _, tr := range trs[period:] {
		val = val.Mul(p.Sub(decimal.NewFromInt(1))).Add(tr).Div(p)
	}
	return val
}

func trueRange(cur, prev types.Bar) decimal.Decimal {
	hl := cur.High.Sub(cur.Low)
	hc := cur.High.Sub(prev.Close).Abs()
	lc := cur.Low.Sub(prev.Close).Abs()
	m := hl
	if hc.GreaterThan(m) {
		m = hc
	}
	if lc.GreaterThan(m) {
		m = lc
	}
	return m
}

func smaDecimal(values []decimal.Decimal, period int) decimal.Decimal {
	if len(values) < period || period <= 0 {
		return decimal.Zero
	}
	window := values[len(values)-period:]
	sum := decimal.Zero
	for _, v := range window {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// rsi computes the Wilder relative strength index over the trailing
// period using a simple average of gains/losses.
func rsi(closes []decimal.Decimal, period int) decimal.Decimal {
	if len(closes) < period+1 {
		return decimal.Zero
	}
	var gains, losses decimal.Decimal
	for i := len(closes) - period; i < len(closes); i++ {
		diff := closes[i].Sub(closes[i-1])
		if diff.IsPositive() {
			gains = gains.Add(diff)
		} else {
			losses = losses.Add(diff.Abs())
		}
	}
	avgGain := gains.Div(decimal.NewFromInt(int64(period)))
	avgLoss := losses.Div(decimal.NewFromInt(int64(period)))
	if avgLoss.IsZero() {
		return decimal.NewFromInt(100)
	}
	rs := avgGain.Div(avgLoss)
	hundred := decimal.NewFromInt(100)
	return hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
}

// macd computes the standard 12/26/9 MACD line, signal, and histogram.
func macd(closes []decimal.Decimal) (line, signal, hist decimal.Decimal) {
	if len(closes) < 26 {
		return decimal.Zero, decimal.Zero, decimal.Zero
	}
	ema12 := ema(closes, 12)
	ema26 := ema(closes, 26)
	macdSeries := make([]decimal.Decimal, len(closes))
	for i := range closes {
		macdSeries[i] = ema12[i].Sub(ema26[i])
	}
	signalSeries := ema(macdSeries, 9)
	n := len(closes)
	line = macdSeries[n-1]
	signal = signalSeries[n-1]
	hist = line.Sub(signal)
	return
}

// adx computes +DI and -DI from simple means of directional movement and
// true range over the trailing period. The returned ADX is the DX of that
// one window; DX is not smoothed across bars.
func adx(bars []types.Bar, period int) (plusDI, minusDI, adxVal decimal.Decimal) {
	if len(bars) < period*2 {
		return decimal.Zero, decimal.Zero, decimal.Zero
	}
	n := len(bars)
	plusDMs := make([]decimal.Decimal, 0, n-1)
	minusDMs := make([]decimal.Decimal, 0, n-1)
	trs := make([]decimal.Decimal, 0, n-1)
	for i := 1; i < n; i++ {
		upMove := bars[i].High.Sub(bars[i-1].High)
		downMove := bars[i-1].Low.Sub(bars[i].Low)
		plusDM := decimal.Zero
		minusDM := decimal.Zero
		if upMove.GreaterThan(downMove) && upMove.IsPositive() {
			plusDM = upMove
		}
		if downMove.GreaterThan(upMove) && downMove.IsPositive() {
			minusDM = downMove
		}
		plusDMs = append(plusDMs, plusDM)
		minusDMs = append(minusDMs, minusDM)
		trs = append(trs, trueRange(bars[i], bars[i-1]))
	}

	avgPlusDM := smaDecimal(plusDMs, period)
	avgMinusDM := smaDecimal(minusDMs, period)
	avgTR := smaDecimal(trs, period)
	if avgTR.IsZero() {
		return decimal.Zero, decimal.Zero, decimal.Zero
	}
	hundred := decimal.NewFromInt(100)
	plusDI = avgPlusDM.Div(avgTR).Mul(hundred)
	minusDI = avgMinusDM.Div(avgTR).Mul(hundred)

	sum := plusDI.Add(minusDI)
	if sum.IsZero() {
		return plusDI, minusDI, decimal.Zero
	}
	dx := plusDI.Sub(minusDI).Abs().Div(sum).Mul(hundred)
	adxVal = dx
	return
}

// vwap computes the volume-weighted average price over the full window
// supplied (callers pass the session's bars for an intraday VWAP).
func vwap(bars []types.Bar) decimal.Decimal {
	var pv, vol decimal.Decimal
	for _, b := range bars {
		typical := b.High.Add(b.Low).Add(b.Close).Div(decimal.NewFromInt(3))
		pv = pv.Add(typical.Mul(b.Volume))
		vol = vol.Add(b.Volume)
	}
	if vol.IsZero() {
		return decimal.Zero
	}
	return pv.Div(vol)
}

// obv computes the on-balance volume running total.
func obv(bars []types.Bar) decimal.Decimal {
	if len(bars) == 0 {
		return decimal.Zero
	}
	total := decimal.Zero
	for i := 1; i < len(bars); i++ {
		if bars[i].Close.GreaterThan(bars[i-1].Close) {
			total = total.Add(bars[i].Volume)
		} else if bars[i].Close.LessThan(bars[i-1].Close) {
			total = total.Sub(bars[i].Volume)
		}
	}
	return total
}

// DetectEMACrossover reports "buy", "sell", or "":
// prevShort<=prevLong && short>long is a buy crossover, the mirror
// condition is a sell crossover.
func DetectEMACrossover(f types.Features) string {
	if f.PrevEMAShort.LessThanOrEqual(f.PrevEMALong) && f.EMAShort.GreaterThan(f.EMALong) {
		return "buy"
	}
	if f.PrevEMAShort.GreaterThanOrEqual(f.PrevEMALong) && f.EMAShort.LessThan(f.EMALong) {
		return "sell"
	}
	return ""
}
