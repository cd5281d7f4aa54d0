// Package drift estimates the systematic rate difference between a
// device's internal tick clock and the host wall clock. Over long
// recordings the device clock runs measurably fast or slow; the estimated
// slope rescales the nominal sample period so reconstructed time stays
// aligned with wall-clock time.
package drift

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/dwml/percept-decoder/internal/monitoring"
)

// Estimate fits a first-degree polynomial of (tick - host) against host by
// least squares, both series in milliseconds and zero-referenced to the
// stream start, and returns 1/(1+m) where m is the fitted slope.
//
// Degenerate input (fewer than two points, zero host variance, or a
// non-finite or non-positive result) falls back to 1.0. The fallback is
// logged as a soft warning, never raised as an error.
func Estimate(tickMs, hostMs []float64) float64 {
	if len(tickMs) != len(hostMs) || len(tickMs) < 2 {
		monitoring.Logf("drift: %d points insufficient for regression, using slope 1.0", len(tickMs))
		return 1.0
	}

	x := make([]float64, len(hostMs))
	y := make([]float64, len(tickMs))
	h0, t0 := hostMs[0], tickMs[0]
	variance := false
	for i := range hostMs {
		x[i] = hostMs[i] - h0
		y[i] = (tickMs[i] - t0) - x[i]
		if x[i] != x[0] {
			variance = true
		}
	}
	if !variance {
		monitoring.Logf("drift: zero variance in host time, using slope 1.0")
		return 1.0
	}

	_, m := stat.LinearRegression(x, y, nil, false)
	slope := 1.0 / (1.0 + m)
	if math.IsNaN(slope) || math.IsInf(slope, 0) || slope <= 0 {
		monitoring.Logf("drift: degenerate regression slope %v, using slope 1.0", m)
		return 1.0
	}
	return slope
}
