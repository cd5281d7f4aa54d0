// Package segment decides whether two temporally adjacent reconstructed
// streams are one continuous recording that was split by a transient
// communication failure, and merges them when they are.
//
// Failing eligibility is a normal, expected outcome: ineligible segments
// simply remain independent streams. No error is ever raised for a
// non-merge.
package segment

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/dwml/percept-decoder/internal/config"
	"github.com/dwml/percept-decoder/internal/monitoring"
	"github.com/dwml/percept-decoder/internal/telemetry"
	"github.com/dwml/percept-decoder/internal/timebase"
)

// Merger evaluates and applies segment merges under a reconstruction
// policy.
type Merger struct {
	pol *config.Policy
}

// NewMerger returns a Merger using the given policy (nil for defaults).
func NewMerger(pol *config.Policy) *Merger {
	return &Merger{pol: pol}
}

// therapyIgnore excludes the independently adjustable amplitude limit
// fields from configuration comparison: limit changes do not affect
// recorded signal content.
var therapyIgnore = []cmp.Option{
	cmpopts.IgnoreFields(telemetry.StimulationSetting{}, "LowerLimitMilliAmps", "UpperLimitMilliAmps"),
	cmpopts.IgnoreFields(telemetry.ConfigurationSnapshot{}, "ValidFrom"),
	cmpopts.EquateEmpty(),
}

// Eligible reports whether segment b may be appended to segment a, with a
// human-readable reason when it may not. a must end before b starts.
func (m *Merger) Eligible(a, b *telemetry.ReconstructedStream) (bool, string) {
	if a.Channel != b.Channel {
		return false, "channel identity differs"
	}
	if a.Kind != b.Kind {
		return false, "stream kind differs"
	}
	if !b.FirstPacketTime.After(a.FirstPacketTime) {
		return false, "segments not in temporal order"
	}

	// Therapy configuration must match with amplitude limits excluded. A
	// segment pair with unknown configuration on either side never merges:
	// continuity cannot be established.
	if a.Configuration == nil || b.Configuration == nil {
		return false, "configuration unknown on at least one side"
	}
	if !cmp.Equal(a.Configuration, b.Configuration, therapyIgnore...) {
		return false, "therapy configuration differs"
	}

	// Stimulation amplitude continuity across the boundary.
	if len(a.Stimulation) != len(b.Stimulation) {
		return false, "stimulation channel count differs"
	}
	if len(a.Stimulation) > 0 {
		end, ok := lastObserved(a)
		if !ok {
			return false, "no observed stimulation sample at end of first segment"
		}
		start, ok := firstObserved(b)
		if !ok {
			return false, "no observed stimulation sample at start of second segment"
		}
		for c := range end {
			if end[c] != start[c] {
				return false, fmt.Sprintf("stimulation amplitude discontinuous on channel %d", c)
			}
		}
		if allZero(end) {
			// An excursion that happens to return to zero at the boundary
			// must not be merged over.
			if distinctAmplitudes(a) > 1 {
				return false, "zero boundary amplitude after non-zero excursion"
			}
		} else if c, ok := zeroChannel(end); ok {
			// One hemisphere held at zero while the other stimulates: the
			// zero channel must have been constant.
			if distinctNonZero(a, c) > 1 {
				return false, fmt.Sprintf("channel %d amplitude varied despite zero boundary", c)
			}
		}
	}
	return true, ""
}

// Merge appends b to a when eligible, inserting a missing-flagged gap
// sized from the wall-clock time elapsed between the segment starts.
// The second return value reports whether the merge happened; false means
// the segments stay independent.
func (m *Merger) Merge(a, b *telemetry.ReconstructedStream) (*telemetry.ReconstructedStream, bool) {
	if ok, reason := m.Eligible(a, b); !ok {
		monitoring.Debugf("segment: not merging %s/%s: %s", a.Channel.Name, b.Channel.Name, reason)
		return nil, false
	}

	rate := a.SamplingRate
	if rate <= 0 {
		return nil, false
	}
	elapsed := b.FirstPacketTime.Sub(a.FirstPacketTime)
	gap := int(math.Round(elapsed.Seconds()*rate)) - len(a.Data)
	if gap < 0 {
		monitoring.Debugf("segment: not merging %s: segments overlap by %d samples", a.Channel.Name, -gap)
		return nil, false
	}

	n := len(a.Data) + gap + len(b.Data)
	merged := &telemetry.ReconstructedStream{
		Channel:         a.Channel,
		Kind:            a.Kind,
		DriftSlope:      a.DriftSlope,
		SamplingRate:    rate,
		FirstPacketTime: a.FirstPacketTime,
		Configuration:   a.Configuration,
		Data:            make([]float64, 0, n),
		Missing:         make([]bool, 0, n),
	}

	merged.Data = append(merged.Data, a.Data...)
	merged.Missing = append(merged.Missing, a.Missing...)
	fill := 0.0
	if a.Kind == telemetry.AggregateStream && len(a.Data) > 0 {
		// Aggregate gaps repeat the last value rather than dropping to
		// zero; a zero band power would read as a signal change.
		fill = a.Data[len(a.Data)-1]
	}
	for i := 0; i < gap; i++ {
		merged.Data = append(merged.Data, fill)
		merged.Missing = append(merged.Missing, true)
	}
	merged.Data = append(merged.Data, b.Data...)
	merged.Missing = append(merged.Missing, b.Missing...)

	merged.Stimulation = mergeStimulation(a, b, gap)
	merged.PacketSizes = mergeSizes(a.PacketSizes, b.PacketSizes, gap)
	merged.Time = timebase.Sample(len(merged.Data), rate, merged.DriftSlope)
	merged.Notes = append(append([]string(nil), a.Notes...), b.Notes...)
	merged.Notes = append(merged.Notes, fmt.Sprintf("merged with segment starting %s across %d-sample gap",
		b.FirstPacketTime.UTC().Format(time.RFC3339), gap))

	return merged, true
}

// MergeAll orders segments by start time and greedily merges each eligible
// adjacent pair, returning the resulting independent streams.
func (m *Merger) MergeAll(segments []*telemetry.ReconstructedStream) []*telemetry.ReconstructedStream {
	if len(segments) < 2 {
		return segments
	}
	sorted := append([]*telemetry.ReconstructedStream(nil), segments...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].FirstPacketTime.Before(sorted[j].FirstPacketTime)
	})

	out := []*telemetry.ReconstructedStream{sorted[0]}
	for _, next := range sorted[1:] {
		last := out[len(out)-1]
		if merged, ok := m.Merge(last, next); ok {
			out[len(out)-1] = merged
			continue
		}
		out = append(out, next)
	}
	return out
}

// lastObserved returns the stimulation amplitudes at the last non-missing
// grid point of the segment.
func lastObserved(s *telemetry.ReconstructedStream) ([]float64, bool) {
	for i := len(s.Missing) - 1; i >= 0; i-- {
		if !s.Missing[i] {
			return stimulationAt(s, i), true
		}
	}
	return nil, false
}

// firstObserved returns the stimulation amplitudes at the first
// non-missing grid point of the segment.
func firstObserved(s *telemetry.ReconstructedStream) ([]float64, bool) {
	for i := range s.Missing {
		if !s.Missing[i] {
			return stimulationAt(s, i), true
		}
	}
	return nil, false
}

func stimulationAt(s *telemetry.ReconstructedStream, i int) []float64 {
	out := make([]float64, len(s.Stimulation))
	for c, series := range s.Stimulation {
		if i < len(series) {
			out[c] = series[i]
		}
	}
	return out
}

// distinctAmplitudes counts distinct observed amplitude vectors in the
// segment.
func distinctAmplitudes(s *telemetry.ReconstructedStream) int {
	seen := map[string]struct{}{}
	for i := range s.Missing {
		if s.Missing[i] {
			continue
		}
		key := ""
		for _, series := range s.Stimulation {
			if i < len(series) {
				key += fmt.Sprintf("%v,", series[i])
			}
		}
		seen[key] = struct{}{}
	}
	return len(seen)
}

// distinctNonZero counts the distinct non-zero amplitudes observed on one
// stimulation channel.
func distinctNonZero(s *telemetry.ReconstructedStream, channel int) int {
	if channel >= len(s.Stimulation) {
		return 0
	}
	series := s.Stimulation[channel]
	seen := map[float64]struct{}{}
	for i := range s.Missing {
		if s.Missing[i] || i >= len(series) || series[i] == 0 {
			continue
		}
		seen[series[i]] = struct{}{}
	}
	return len(seen)
}

func allZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// zeroChannel returns the index of a zero entry when exactly the boundary
// vector mixes zero and non-zero channels.
func zeroChannel(v []float64) (int, bool) {
	for i, x := range v {
		if x == 0 {
			return i, true
		}
	}
	return 0, false
}

func mergeStimulation(a, b *telemetry.ReconstructedStream, gap int) [][]float64 {
	if len(a.Stimulation) == 0 {
		return nil
	}
	out := make([][]float64, len(a.Stimulation))
	for c := range a.Stimulation {
		series := append([]float64(nil), a.Stimulation[c]...)
		hold := 0.0
		if len(series) > 0 {
			hold = series[len(series)-1]
		}
		for i := 0; i < gap; i++ {
			series = append(series, hold)
		}
		if c < len(b.Stimulation) {
			series = append(series, b.Stimulation[c]...)
		}
		out[c] = series
	}
	return out
}

func mergeSizes(a, b []int, gap int) []int {
	out := append([]int(nil), a...)
	if gap > 0 {
		out = append(out, gap)
	}
	return append(out, b...)
}
