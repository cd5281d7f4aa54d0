// Package reconcile detects missing packets in an unwrapped telemetry
// stream and inserts synthetic filler entries so the sample grid stays
// uniform. Detection works on tick deltas against a robust estimate of the
// true inter-packet spacing; every synthesized sample is flagged missing.
//
// Gap filling is a normal processing path, not an error condition. The
// only fatal outcome is a tick series that stays non-monotonic after the
// bounded local swap correction.
package reconcile

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/dwml/percept-decoder/internal/config"
	"github.com/dwml/percept-decoder/internal/monitoring"
	"github.com/dwml/percept-decoder/internal/telemetry"
)

// SampleInput is a sample-level (raw waveform) stream after counter
// unwrap: per-packet ticks and sizes plus the concatenated payload.
type SampleInput struct {
	// Key identifies the stream in diagnostics and fatal errors.
	Key string

	// Ticks are unwrapped device-clock values in milliseconds, one per
	// packet, expected non-decreasing up to local transmission reorder.
	Ticks []int64

	// Sizes are per-packet sample counts; sum(Sizes) == len(Data).
	Sizes []int

	// Data is the concatenated sample payload.
	Data []float64

	// SizeAware scales the expected tick advance in front of a packet by
	// how many modal packet lengths its payload spans. Device families
	// whose packets can carry several nominal intervals' worth of samples
	// need this to avoid padding in front of every oversized packet.
	SizeAware bool
}

// SampleResult is the gap-filled form of a SampleInput. The input arrays
// are never modified; all fields are freshly allocated.
type SampleResult struct {
	Ticks   []int64
	Sizes   []int
	Data    []float64
	Missing []bool

	// NominalTickMs is the estimated true inter-packet spacing used for
	// detection.
	NominalTickMs float64

	// InsertedPackets counts synthetic entries added.
	InsertedPackets int

	// Swaps counts local adjacent-pair corrections applied before
	// detection.
	Swaps int

	// Notes collects soft diagnostics (non-whole-packet gaps, swap fixes).
	Notes []string
}

// Sample reconciles a sample-level stream. A negative tick delta that
// bounded adjacent swapping cannot resolve yields a
// telemetry.MalformedSequenceError; every other anomaly is absorbed.
func Sample(in SampleInput, pol *config.Policy) (*SampleResult, error) {
	if got, want := len(in.Data), sumInts(in.Sizes); got != want {
		return nil, fmt.Errorf("stream %s: payload length %d does not match packet sizes sum %d", in.Key, got, want)
	}
	if len(in.Ticks) != len(in.Sizes) {
		return nil, fmt.Errorf("stream %s: %d ticks for %d packet sizes", in.Key, len(in.Ticks), len(in.Sizes))
	}

	res := &SampleResult{
		Ticks: append([]int64(nil), in.Ticks...),
		Sizes: append([]int(nil), in.Sizes...),
		Data:  append([]float64(nil), in.Data...),
	}
	res.Missing = make([]bool, len(res.Data))
	if len(res.Ticks) < 2 {
		res.NominalTickMs = 0
		return res, nil
	}

	swaps, err := correctReversals(in.Key, res.Ticks, res.Sizes, res.Data, res.Missing, pol.GetSwapCeiling())
	if err != nil {
		return nil, err
	}
	res.Swaps = swaps
	if swaps > 0 {
		res.Notes = append(res.Notes, fmt.Sprintf("tick series reordered by %d local swaps", swaps))
		monitoring.Logf("reconcile: stream %s tick series reordered by %d local swaps", in.Key, swaps)
	}

	res.NominalTickMs = medianDeltas(res.Ticks)
	if res.NominalTickMs <= 0 {
		return res, nil
	}

	tol := pol.GetIntervalTolerance()
	modal := modalSize(res.Sizes)
	pattern := pol.GetFill()

	// Walk packets and splice synthetic entries at every gap. Insertion
	// indexes are derived from cumulative packet sizes, so the arrays are
	// rebuilt in one pass.
	outTicks := make([]int64, 0, len(res.Ticks))
	outSizes := make([]int, 0, len(res.Sizes))
	outData := make([]float64, 0, len(res.Data))
	outMissing := make([]bool, 0, len(res.Missing))

	sampleOffset := 0
	for i := range res.Ticks {
		if i > 0 {
			delta := float64(res.Ticks[i] - res.Ticks[i-1])
			if in.SizeAware && modal > 0 {
				// A packet spanning k modal lengths legitimately advances
				// the tick by k intervals.
				if span := math.Round(float64(res.Sizes[i]) / float64(modal)); span > 1 {
					delta -= (span - 1) * res.NominalTickMs
				}
			}
			if delta > res.NominalTickMs*(1+tol) {
				whole, frac := splitGap(delta, res.NominalTickMs, tol)
				if frac > 0 {
					res.Notes = append(res.Notes, fmt.Sprintf("gap of %.0fms at packet %d is not a whole-packet multiple", delta, i))
				}
				sizes := fillSizes(pattern, modal, whole, frac, outSizes)
				for j, size := range sizes {
					outTicks = append(outTicks, res.Ticks[i-1]+int64(math.Round(float64(j+1)*res.NominalTickMs)))
					outSizes = append(outSizes, size)
					for n := 0; n < size; n++ {
						outData = append(outData, 0)
						outMissing = append(outMissing, true)
					}
					res.InsertedPackets++
				}
			}
		}
		size := res.Sizes[i]
		outTicks = append(outTicks, res.Ticks[i])
		outSizes = append(outSizes, size)
		outData = append(outData, res.Data[sampleOffset:sampleOffset+size]...)
		outMissing = append(outMissing, res.Missing[sampleOffset:sampleOffset+size]...)
		sampleOffset += size
	}

	res.Ticks = outTicks
	res.Sizes = outSizes
	res.Data = outData
	res.Missing = outMissing
	if res.InsertedPackets > 0 {
		res.Notes = append(res.Notes, fmt.Sprintf("filled %d synthetic packets (nominal %.1fms)",
			res.InsertedPackets, res.NominalTickMs))
		monitoring.Debugf("reconcile: stream %s filled %d synthetic packets (nominal %.1fms)",
			in.Key, res.InsertedPackets, res.NominalTickMs)
	}
	return res, nil
}

// AggregateInput is an aggregate-level (periodic scalar band) stream: one
// timestamp per packet and one value per channel per packet.
type AggregateInput struct {
	Key string

	// Times are per-packet timestamps in seconds, tick-derived.
	Times []float64

	// Values holds one series per channel, each len(Times) long.
	Values [][]float64

	// Stimulation optionally holds the per-channel stimulation amplitude
	// series reported in the same packets.
	Stimulation [][]float64
}

// AggregateResult is the grid-reconciled form of an AggregateInput.
type AggregateResult struct {
	// Grid is the uniform timestamp grid with step NominalStep covering
	// the original time range. Equal to a copy of the input times when no
	// gap exceeded tolerance.
	Grid []float64

	Values      [][]float64
	Stimulation [][]float64

	// Missing flags grid points with no observed timestamp within half a
	// nominal step.
	Missing []bool

	// NominalStep is the low-quantile estimate of true packet spacing in
	// seconds.
	NominalStep float64

	Swaps int
	Notes []string
}

// Aggregate reconciles an aggregate-level stream onto a uniform grid with
// linearly interpolated values.
func Aggregate(in AggregateInput, pol *config.Policy) (*AggregateResult, error) {
	for c, vs := range in.Values {
		if len(vs) != len(in.Times) {
			return nil, fmt.Errorf("stream %s: channel %d has %d values for %d timestamps", in.Key, c, len(vs), len(in.Times))
		}
	}
	for c, vs := range in.Stimulation {
		if len(vs) != len(in.Times) {
			return nil, fmt.Errorf("stream %s: stimulation channel %d has %d values for %d timestamps", in.Key, c, len(vs), len(in.Times))
		}
	}

	res := &AggregateResult{
		Grid:        append([]float64(nil), in.Times...),
		Values:      copyColumns(in.Values),
		Stimulation: copyColumns(in.Stimulation),
	}
	res.Missing = make([]bool, len(res.Grid))
	if len(res.Grid) < 2 {
		return res, nil
	}

	swaps, err := correctFloatReversals(in.Key, res.Grid, append(res.Values, res.Stimulation...), pol.GetSwapCeiling())
	if err != nil {
		return nil, err
	}
	res.Swaps = swaps
	if swaps > 0 {
		res.Notes = append(res.Notes, fmt.Sprintf("timestamp series reordered by %d local swaps", swaps))
	}

	deltas := floatDeltas(res.Grid)
	sorted := append([]float64(nil), deltas...)
	sort.Float64s(sorted)
	res.NominalStep = stat.Quantile(pol.GetAggregateQuantile(), stat.Empirical, sorted, nil)
	if res.NominalStep <= 0 {
		return res, nil
	}

	tol := pol.GetIntervalTolerance()
	gapped := false
	for _, d := range deltas {
		if d > res.NominalStep*(1+tol) {
			gapped = true
			break
		}
	}
	if !gapped {
		return res, nil
	}

	// Rebuild onto a uniform grid spanning the original range.
	first, last := res.Grid[0], res.Grid[len(res.Grid)-1]
	n := int(math.Round((last-first)/res.NominalStep)) + 1
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = first + float64(i)*res.NominalStep
	}

	values := make([][]float64, len(res.Values))
	for c := range res.Values {
		values[c] = interp(grid, res.Grid, res.Values[c])
	}
	stimulation := make([][]float64, len(res.Stimulation))
	for c := range res.Stimulation {
		stimulation[c] = interp(grid, res.Grid, res.Stimulation[c])
	}

	// A grid point is synthesized when no observation lies within half a
	// step of it; half the step tolerates timestamp jitter while still
	// flagging every interpolated point inside a gap.
	missing := make([]bool, n)
	for i, g := range grid {
		if nearestDistance(g, res.Grid) > res.NominalStep/2 {
			missing[i] = true
		}
	}

	res.Grid = grid
	res.Values = values
	res.Stimulation = stimulation
	res.Missing = missing
	res.Notes = append(res.Notes, fmt.Sprintf("interpolated onto %d-point grid (step %.3fs)", n, res.NominalStep))
	monitoring.Debugf("reconcile: stream %s interpolated onto %d-point grid (step %.3fs)", in.Key, n, res.NominalStep)
	return res, nil
}

// correctReversals swaps adjacent out-of-order packets (ticks plus their
// size and payload blocks) until the tick series is non-decreasing or the
// ceiling is exceeded.
func correctReversals(key string, ticks []int64, sizes []int, data []float64, missing []bool, ceiling int) (int, error) {
	swaps := 0
	for {
		rev := -1
		for i := 1; i < len(ticks); i++ {
			if ticks[i] < ticks[i-1] {
				rev = i - 1
				break
			}
		}
		if rev < 0 {
			return swaps, nil
		}
		swaps++
		if swaps > ceiling {
			return swaps, &telemetry.MalformedSequenceError{StreamKey: key, Swaps: swaps, Ceiling: ceiling}
		}
		swapPackets(ticks, sizes, data, missing, rev)
	}
}

// swapPackets exchanges packets i and i+1 including their payload blocks.
func swapPackets(ticks []int64, sizes []int, data []float64, missing []bool, i int) {
	start := sumInts(sizes[:i])
	a, b := sizes[i], sizes[i+1]

	block := make([]float64, a+b)
	copy(block, data[start+a:start+a+b])
	copy(block[b:], data[start:start+a])
	copy(data[start:start+a+b], block)

	flags := make([]bool, a+b)
	copy(flags, missing[start+a:start+a+b])
	copy(flags[b:], missing[start:start+a])
	copy(missing[start:start+a+b], flags)

	ticks[i], ticks[i+1] = ticks[i+1], ticks[i]
	sizes[i], sizes[i+1] = sizes[i+1], sizes[i]
}

// correctFloatReversals is the aggregate-stream variant: per-packet
// scalars only, so a swap exchanges single entries in every column.
func correctFloatReversals(key string, times []float64, columns [][]float64, ceiling int) (int, error) {
	swaps := 0
	for {
		rev := -1
		for i := 1; i < len(times); i++ {
			if times[i] < times[i-1] {
				rev = i - 1
				break
			}
		}
		if rev < 0 {
			return swaps, nil
		}
		swaps++
		if swaps > ceiling {
			return swaps, &telemetry.MalformedSequenceError{StreamKey: key, Swaps: swaps, Ceiling: ceiling}
		}
		times[rev], times[rev+1] = times[rev+1], times[rev]
		for _, col := range columns {
			col[rev], col[rev+1] = col[rev+1], col[rev]
		}
	}
}

// splitGap resolves a tick delta into whole missing packets plus a
// fractional remainder packet. Deltas within tolerance of a whole multiple
// are snapped; otherwise the fraction is preserved so the filler can
// append a shorter terminal packet.
func splitGap(delta, nominal, tol float64) (whole int, frac float64) {
	ratio := delta / nominal
	nearest := math.Round(ratio)
	if math.Abs(ratio-nearest) <= tol {
		return int(nearest) - 1, 0
	}
	return int(math.Floor(ratio)) - 1, ratio - math.Floor(ratio)
}

// fillSizes produces the synthetic packet sizes for a gap. With a
// configured pattern the established size alternation continues in phase;
// otherwise every filler uses the modal size and the remainder is folded
// into the whole-packet count.
func fillSizes(pattern *config.FillPattern, modal, whole int, frac float64, prior []int) []int {
	if pattern != nil {
		prev := 0
		if len(prior) > 0 {
			prev = prior[len(prior)-1]
		}
		return pattern.Sizes(whole, frac, prev)
	}
	if frac >= 0.5 {
		whole++
	}
	sizes := make([]int, whole)
	for i := range sizes {
		sizes[i] = modal
	}
	return sizes
}

// interp linearly interpolates y(x) onto xNew, clamping outside the
// observed range.
func interp(xNew, x, y []float64) []float64 {
	out := make([]float64, len(xNew))
	for i, xi := range xNew {
		out[i] = interpAt(xi, x, y)
	}
	return out
}

func interpAt(xi float64, x, y []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	if xi <= x[0] {
		return y[0]
	}
	if xi >= x[len(x)-1] {
		return y[len(y)-1]
	}
	j := sort.SearchFloat64s(x, xi)
	if x[j] == xi {
		return y[j]
	}
	x0, x1 := x[j-1], x[j]
	y0, y1 := y[j-1], y[j]
	return y0 + (y1-y0)*(xi-x0)/(x1-x0)
}

func nearestDistance(v float64, xs []float64) float64 {
	j := sort.SearchFloat64s(xs, v)
	best := math.Inf(1)
	if j < len(xs) {
		best = math.Abs(xs[j] - v)
	}
	if j > 0 {
		if d := math.Abs(xs[j-1] - v); d < best {
			best = d
		}
	}
	return best
}

func medianDeltas(ticks []int64) float64 {
	if len(ticks) < 2 {
		return 0
	}
	deltas := make([]float64, len(ticks)-1)
	for i := 1; i < len(ticks); i++ {
		deltas[i-1] = float64(ticks[i] - ticks[i-1])
	}
	sort.Float64s(deltas)
	return stat.Quantile(0.5, stat.Empirical, deltas, nil)
}

func floatDeltas(xs []float64) []float64 {
	if len(xs) < 2 {
		return nil
	}
	out := make([]float64, len(xs)-1)
	for i := 1; i < len(xs); i++ {
		out[i-1] = xs[i] - xs[i-1]
	}
	return out
}

func modalSize(sizes []int) int {
	counts := map[int]int{}
	best, bestCount := 0, 0
	for _, s := range sizes {
		counts[s]++
		if counts[s] > bestCount || (counts[s] == bestCount && s > best) {
			best, bestCount = s, counts[s]
		}
	}
	return best
}

func sumInts(xs []int) int {
	n := 0
	for _, x := range xs {
		n += x
	}
	return n
}

func copyColumns(cols [][]float64) [][]float64 {
	if cols == nil {
		return nil
	}
	out := make([][]float64, len(cols))
	for i, c := range cols {
		out[i] = append([]float64(nil), c...)
	}
	return out
}
