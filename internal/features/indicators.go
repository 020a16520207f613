package features

import (
	"math"

	"github.com/sawpanic/bottomrun/internal/models"
)

// LatestATR returns the Wilder ATR of the final bar in the series, or NaN
// when the history is too short.
func LatestATR(bars []models.Bar, period int) float64 {
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
	}
	return atr(highs, lows, closes, len(bars)-1, period)
}

// return over k bars: (c[i] - c[i-k]) / c[i-k].
func kReturn(closes []float64, i, k int) float64 {
	if i-k < 0 || closes[i-k] == 0 {
		return math.NaN()
	}
	return (closes[i] - closes[i-k]) / closes[i-k]
}

// rsi computes Wilder's RSI over the given period ending at index i.
func rsi(closes []float64, i, period int) float64 {
	if i-period < 0 {
		return math.NaN()
	}
	var gain, loss float64
	for j := i - period + 1; j <= i; j++ {
		delta := closes[j] - closes[j-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

// sma is the simple moving average of the window ending at index i.
func sma(values []float64, i, window int) float64 {
	if i-window+1 < 0 {
		return math.NaN()
	}
	var sum float64
	for j := i - window + 1; j <= i; j++ {
		sum += values[j]
	}
	return sum / float64(window)
}

// rollingVol is the sample standard deviation of 1-bar returns over the
// window ending at index i.
func rollingVol(closes []float64, i, window int) float64 {
	if i-window < 0 {
		return math.NaN()
	}
	rets := make([]float64, 0, window)
	for j := i - window + 1; j <= i; j++ {
		if closes[j-1] == 0 {
			return math.NaN()
		}
		rets = append(rets, (closes[j]-closes[j-1])/closes[j-1])
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var ss float64
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	if len(rets) < 2 {
		return math.NaN()
	}
	return math.Sqrt(ss / float64(len(rets)-1))
}

// atr computes Wilder-smoothed Average True Range over the period ending
// at index i.
func atr(highs, lows, closes []float64, i, period int) float64 {
	if i-period < 1 {
		return math.NaN()
	}
	trueRange := func(j int) float64 {
		hl := highs[j] - lows[j]
		hc := math.Abs(highs[j] - closes[j-1])
		lc := math.Abs(lows[j] - closes[j-1])
		return math.Max(hl, math.Max(hc, lc))
	}
	// Seed with the simple average of the first window, then smooth.
	start := i - period + 1
	var seed float64
	for j := start - period + 1; j <= start; j++ {
		if j < 1 {
			return math.NaN()
		}
		seed += trueRange(j)
	}
	val := seed / float64(period)
	for j := start + 1; j <= i; j++ {
		val = (val*float64(period-1) + trueRange(j)) / float64(period)
	}
	return val
}

// drawdownFromMax is the fractional distance of c[i] below the rolling max
// of the window ending at index i. Zero when at the high.
func drawdownFromMax(closes []float64, i, window int) float64 {
	if i-window+1 < 0 {
		return math.NaN()
	}
	maxC := closes[i-window+1]
	for j := i - window + 2; j <= i; j++ {
		if closes[j] > maxC {
			maxC = closes[j]
		}
	}
	if maxC == 0 {
		return math.NaN()
	}
	return (closes[i] - maxC) / maxC
}
