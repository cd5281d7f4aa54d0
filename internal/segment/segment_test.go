package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwml/percept-decoder/internal/monitoring"
	"github.com/dwml/percept-decoder/internal/telemetry"
)

func init() {
	monitoring.SetLogger(nil)
}

var baseTime = time.Date(2023, 5, 10, 14, 0, 0, 0, time.UTC)

func therapy(amplitude float64, lower, upper float64) *telemetry.ConfigurationSnapshot {
	return &telemetry.ConfigurationSnapshot{
		ValidFrom: baseTime.Add(-time.Hour),
		Channels:  []telemetry.ChannelID{{Name: "ZERO_TWO_LEFT", Hemisphere: telemetry.HemisphereLeft}},
		Stimulation: []telemetry.StimulationSetting{{
			Channel:             "ZERO_TWO_LEFT",
			AmplitudeMilliAmps:  amplitude,
			PulseWidthMicros:    60,
			RateHz:              130,
			LowerLimitMilliAmps: lower,
			UpperLimitMilliAmps: upper,
		}},
	}
}

// segmentStream builds a reconstructed sample-level segment n samples long
// at 250Hz with a constant stimulation amplitude.
func segmentStream(start time.Time, n int, amplitude float64, cfg *telemetry.ConfigurationSnapshot) *telemetry.ReconstructedStream {
	data := make([]float64, n)
	missing := make([]bool, n)
	timeAxis := make([]float64, n)
	stim := make([]float64, n)
	for i := range data {
		data[i] = 1
		timeAxis[i] = float64(i) / 250
		stim[i] = amplitude
	}
	return &telemetry.ReconstructedStream{
		Channel:         telemetry.ChannelID{Name: "ZERO_TWO_LEFT", Hemisphere: telemetry.HemisphereLeft},
		Kind:            telemetry.SampleStream,
		Time:            timeAxis,
		Data:            data,
		Missing:         missing,
		PacketSizes:     []int{n},
		DriftSlope:      1.0,
		SamplingRate:    250,
		FirstPacketTime: start,
		Configuration:   cfg,
		Stimulation:     [][]float64{stim},
	}
}

func TestMergeContinuousSegments(t *testing.T) {
	t.Parallel()

	m := NewMerger(nil)
	// Segment A covers 4s (1000 samples), B starts 8s after A: a 4s hole.
	a := segmentStream(baseTime, 1000, 2.5, therapy(2.5, 0, 5))
	b := segmentStream(baseTime.Add(8*time.Second), 500, 2.5, therapy(2.5, 1, 4))

	merged, ok := m.Merge(a, b)
	require.True(t, ok, "identical therapy with continuous nonzero amplitude must merge")

	wantGap := 8*250 - 1000
	assert.Len(t, merged.Data, 1000+wantGap+500)
	assert.Len(t, merged.Missing, len(merged.Data))
	assert.Len(t, merged.Time, len(merged.Data))

	// The inserted hole is zero-filled and flagged missing.
	for i := 1000; i < 1000+wantGap; i++ {
		require.True(t, merged.Missing[i])
		require.Zero(t, merged.Data[i])
	}
	assert.False(t, merged.Missing[999])
	assert.False(t, merged.Missing[1000+wantGap])

	// Time axis is rebuilt over the concatenated series.
	assert.InDelta(t, 0.0, merged.Time[0], 1e-12)
	assert.InDelta(t, float64(len(merged.Data)-1)/250, merged.Time[len(merged.Time)-1], 1e-9)

	// Packet size accounting still covers every sample.
	total := 0
	for _, s := range merged.PacketSizes {
		total += s
	}
	assert.Equal(t, len(merged.Data), total)
}

func TestMergeGapRoundsFractionalSamples(t *testing.T) {
	t.Parallel()

	m := NewMerger(nil)
	a := segmentStream(baseTime, 1000, 2.5, therapy(2.5, 0, 5))
	// 8.003s at 250Hz spans 2000.75 sample periods; the nearest whole
	// sample wins, not the floor.
	b := segmentStream(baseTime.Add(8*time.Second+3*time.Millisecond), 500, 2.5, therapy(2.5, 0, 5))

	merged, ok := m.Merge(a, b)
	require.True(t, ok)
	wantGap := 2001 - 1000
	assert.Len(t, merged.Data, 1000+wantGap+500)
}

func TestMergeGating(t *testing.T) {
	t.Parallel()

	m := NewMerger(nil)

	t.Run("different channel never merges", func(t *testing.T) {
		t.Parallel()
		a := segmentStream(baseTime, 100, 2.0, therapy(2.0, 0, 5))
		b := segmentStream(baseTime.Add(time.Second), 100, 2.0, therapy(2.0, 0, 5))
		b.Channel.Hemisphere = telemetry.HemisphereRight
		_, ok := m.Merge(a, b)
		assert.False(t, ok)
	})

	t.Run("different boundary amplitude never merges", func(t *testing.T) {
		t.Parallel()
		a := segmentStream(baseTime, 100, 2.0, therapy(2.0, 0, 5))
		b := segmentStream(baseTime.Add(time.Second), 100, 3.0, therapy(2.0, 0, 5))
		ok, reason := m.Eligible(a, b)
		assert.False(t, ok)
		assert.Contains(t, reason, "discontinuous")
	})

	t.Run("amplitude limit changes are ignored", func(t *testing.T) {
		t.Parallel()
		a := segmentStream(baseTime, 100, 2.0, therapy(2.0, 0, 5))
		b := segmentStream(baseTime.Add(time.Second), 100, 2.0, therapy(2.0, 1, 3))
		ok, _ := m.Eligible(a, b)
		assert.True(t, ok)
	})

	t.Run("therapy rate change blocks merge", func(t *testing.T) {
		t.Parallel()
		cfgB := therapy(2.0, 0, 5)
		cfgB.Stimulation[0].RateHz = 180
		a := segmentStream(baseTime, 100, 2.0, therapy(2.0, 0, 5))
		b := segmentStream(baseTime.Add(time.Second), 100, 2.0, cfgB)
		ok, reason := m.Eligible(a, b)
		assert.False(t, ok)
		assert.Contains(t, reason, "therapy")
	})

	t.Run("unknown configuration blocks merge", func(t *testing.T) {
		t.Parallel()
		a := segmentStream(baseTime, 100, 2.0, nil)
		b := segmentStream(baseTime.Add(time.Second), 100, 2.0, therapy(2.0, 0, 5))
		ok, _ := m.Eligible(a, b)
		assert.False(t, ok)
	})

	t.Run("zero boundary after excursion blocks merge", func(t *testing.T) {
		t.Parallel()
		a := segmentStream(baseTime, 100, 0, therapy(0, 0, 5))
		// Mid-segment excursion to 2mA that returns to zero at the end.
		for i := 40; i < 60; i++ {
			a.Stimulation[0][i] = 2.0
		}
		b := segmentStream(baseTime.Add(time.Second), 100, 0, therapy(0, 0, 5))
		ok, reason := m.Eligible(a, b)
		assert.False(t, ok)
		assert.Contains(t, reason, "excursion")
	})

	t.Run("constant zero amplitude merges", func(t *testing.T) {
		t.Parallel()
		a := segmentStream(baseTime, 100, 0, therapy(0, 0, 5))
		b := segmentStream(baseTime.Add(time.Second), 100, 0, therapy(0, 0, 5))
		ok, reason := m.Eligible(a, b)
		assert.True(t, ok, reason)
	})

	t.Run("out of order segments never merge", func(t *testing.T) {
		t.Parallel()
		a := segmentStream(baseTime.Add(time.Second), 100, 2.0, therapy(2.0, 0, 5))
		b := segmentStream(baseTime, 100, 2.0, therapy(2.0, 0, 5))
		ok, _ := m.Eligible(a, b)
		assert.False(t, ok)
	})
}

func TestMergeZeroChannelVariant(t *testing.T) {
	t.Parallel()

	m := NewMerger(nil)

	twoChannel := func(start time.Time, left, right []float64) *telemetry.ReconstructedStream {
		s := segmentStream(start, len(left), 0, therapy(0, 0, 5))
		s.Stimulation = [][]float64{left, right}
		return s
	}
	constant := func(v float64, n int) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = v
		}
		return out
	}

	t.Run("steady opposite hemisphere merges", func(t *testing.T) {
		t.Parallel()
		a := twoChannel(baseTime, constant(0, 100), constant(3, 100))
		b := twoChannel(baseTime.Add(time.Second), constant(0, 100), constant(3, 100))
		ok, reason := m.Eligible(a, b)
		assert.True(t, ok, reason)
	})

	t.Run("varying zero-side channel blocks merge", func(t *testing.T) {
		t.Parallel()
		left := constant(0, 100)
		for i := 20; i < 40; i++ {
			left[i] = 1.0
		}
		for i := 40; i < 60; i++ {
			left[i] = 2.0
		}
		a := twoChannel(baseTime, left, constant(3, 100))
		b := twoChannel(baseTime.Add(time.Second), constant(0, 100), constant(3, 100))
		ok, _ := m.Eligible(a, b)
		assert.False(t, ok)
	})
}

func TestMergeAggregateHoldsLastValue(t *testing.T) {
	t.Parallel()

	m := NewMerger(nil)
	a := segmentStream(baseTime, 10, 2.0, therapy(2.0, 0, 5))
	b := segmentStream(baseTime.Add(30*time.Second), 10, 2.0, therapy(2.0, 0, 5))
	for _, s := range []*telemetry.ReconstructedStream{a, b} {
		s.Kind = telemetry.AggregateStream
		s.SamplingRate = 0.5 // one packet per 2s
		for i := range s.Data {
			s.Data[i] = 7.5
		}
	}

	merged, ok := m.Merge(a, b)
	require.True(t, ok)
	gap := int(30.0*0.5) - 10
	require.Positive(t, gap)
	for i := 10; i < 10+gap; i++ {
		assert.InDelta(t, 7.5, merged.Data[i], 1e-12, "aggregate gap repeats last value")
		assert.True(t, merged.Missing[i])
	}
}

func TestMergeAllChainsSegments(t *testing.T) {
	t.Parallel()

	m := NewMerger(nil)
	a := segmentStream(baseTime, 250, 2.0, therapy(2.0, 0, 5))
	b := segmentStream(baseTime.Add(2*time.Second), 250, 2.0, therapy(2.0, 0, 5))
	c := segmentStream(baseTime.Add(4*time.Second), 250, 3.5, therapy(3.5, 0, 5))

	// Pass segments out of order; MergeAll sorts by start time.
	out := m.MergeAll([]*telemetry.ReconstructedStream{c, a, b})
	require.Len(t, out, 2)
	assert.Equal(t, baseTime, out[0].FirstPacketTime)
	// a+b merged: a's 250 samples, a 250-sample hole up to b's start two
	// seconds in, then b's 250 samples.
	assert.Len(t, out[0].Data, 250+250+250)
	assert.Len(t, out[1].Data, 250)
}
