// Package percept adapts raw BrainSense streaming records into the
// inputs the reconciliation stages operate on. The device family uses an
// 8-bit packet sequence counter, millisecond ticks from a signed 16-bit
// tenth-second clock, and a fixed 250 Hz time-domain rate delivered in
// alternating 62/63-sample packets.
package percept

import (
	"fmt"
	"math"
	"time"

	"github.com/dwml/percept-decoder/internal/config"
	"github.com/dwml/percept-decoder/internal/counter"
	"github.com/dwml/percept-decoder/internal/reconcile"
	"github.com/dwml/percept-decoder/internal/telemetry"
)

const (
	// SamplingRateHz is the time-domain sampling rate for this family.
	SamplingRateHz = 250

	// SequenceCap is the modulus of the packet sequence counter.
	SequenceCap = 256

	// TickWrapSeconds is the period of the device tick clock. Ticks are
	// reported in milliseconds off a signed 16-bit tenth-second counter,
	// so the usable range before wrap is 2^15 * 0.1 s.
	TickWrapSeconds = 3276.8

	// tickWrapMs is TickWrapSeconds expressed in tick units.
	tickWrapMs = 3276800

	// wrapDetectSeconds is the shift magnitude beyond which a power/TD
	// offset can only be explained by a tick clock wrap between the two
	// streams' first packets.
	wrapDetectSeconds = 1000
)

// ErrStreamTooShort marks records with fewer than two packets after
// trimming. A single packet carries no interval information, so the
// stream cannot be reconciled and is discarded.
var ErrStreamTooShort = fmt.Errorf("percept: stream has fewer than two packets")

// FillPattern is the device-calibrated synthetic packet sizing: 62 and 63
// sample packets alternate to carry 250 Hz over a 4 ms packet clock, and a
// fractional trailing gap becomes a partial 62-sample packet. The values
// are specific to this family and not reusable for other devices.
func FillPattern() *config.FillPattern {
	return &config.FillPattern{Base: 62, Alternate: 63, RemainderUnit: 62}
}

// TimeDomainRecord is one raw time-domain streaming record as exported by
// the device session, one per channel per streaming span.
type TimeDomainRecord struct {
	Channel         telemetry.ChannelID
	FirstPacketTime time.Time
	SamplingRate    float64

	// Sequences and TicksMs are raw (wrapped) per-packet counters.
	Sequences []int64
	TicksMs   []int64

	// PacketSizes are per-packet sample counts; Data is the concatenated
	// payload, sum(PacketSizes) long.
	PacketSizes []int
	Data        []float64
}

// PowerDomainRecord is one raw power-band streaming record. Values and
// Stimulation carry one row per sensed channel.
type PowerDomainRecord struct {
	Channel         telemetry.ChannelID
	FirstPacketTime time.Time

	// InitialTickSeconds is the first packet's device tick in seconds,
	// kept separately because the power time axis below is re-based.
	InitialTickSeconds float64

	TimesSeconds []float64
	Power        [][]float64
	Stimulation  [][]float64
}

// PrepareTimeDomain validates and normalizes a raw record into a
// reconciliation input: the leading outlier packet is dropped, too-short
// streams are rejected, and the tick series is unwrapped against the
// device tick period.
func PrepareTimeDomain(rec TimeDomainRecord) (reconcile.SampleInput, error) {
	rec = trimLeadingOutlier(rec)

	if len(rec.Sequences) < 2 {
		return reconcile.SampleInput{}, fmt.Errorf("%w: %s", ErrStreamTooShort, rec.Channel)
	}
	if len(rec.TicksMs) != len(rec.Sequences) || len(rec.PacketSizes) != len(rec.Sequences) {
		return reconcile.SampleInput{}, fmt.Errorf("percept: %s: packet field lengths differ: %d sequences, %d ticks, %d sizes",
			rec.Channel, len(rec.Sequences), len(rec.TicksMs), len(rec.PacketSizes))
	}
	if n := sumSizes(rec.PacketSizes); n != len(rec.Data) {
		return reconcile.SampleInput{}, fmt.Errorf("percept: %s: packet sizes cover %d samples, payload has %d",
			rec.Channel, n, len(rec.Data))
	}

	return reconcile.SampleInput{
		Key:   rec.Channel.String(),
		Ticks: counter.Unwrap(rec.TicksMs, tickWrapMs),
		Sizes: append([]int(nil), rec.PacketSizes...),
		Data:  append([]float64(nil), rec.Data...),
	}, nil
}

// PreparePower validates a raw power record into an aggregate
// reconciliation input.
func PreparePower(rec PowerDomainRecord) (reconcile.AggregateInput, error) {
	if len(rec.TimesSeconds) < 2 {
		return reconcile.AggregateInput{}, fmt.Errorf("%w: %s", ErrStreamTooShort, rec.Channel)
	}
	for i, series := range rec.Power {
		if len(series) != len(rec.TimesSeconds) {
			return reconcile.AggregateInput{}, fmt.Errorf("percept: %s: power series %d has %d points, expected %d",
				rec.Channel, i, len(series), len(rec.TimesSeconds))
		}
	}
	for i, series := range rec.Stimulation {
		if len(series) != len(rec.TimesSeconds) {
			return reconcile.AggregateInput{}, fmt.Errorf("percept: %s: stimulation series %d has %d points, expected %d",
				rec.Channel, i, len(series), len(rec.TimesSeconds))
		}
	}

	return reconcile.AggregateInput{
		Key:         rec.Channel.String(),
		Times:       append([]float64(nil), rec.TimesSeconds...),
		Values:      copyRows(rec.Power),
		Stimulation: copyRows(rec.Stimulation),
	}, nil
}

// PowerTimeShift returns the offset, in seconds, to add to a power-band
// time axis so it lines up with the paired time-domain stream. A raw
// offset beyond ±1000 s can only mean the tick clock wrapped between the
// two streams' first packets, so one wrap period is folded back in. The
// result is rounded to centiseconds, the resolution the offset is
// meaningful at.
func PowerTimeShift(powerInitialTickSeconds float64, tdFirstTickMs int64) float64 {
	shift := powerInitialTickSeconds - float64(tdFirstTickMs)/1000
	switch {
	case shift < -wrapDetectSeconds:
		shift += TickWrapSeconds
	case shift > wrapDetectSeconds:
		shift -= TickWrapSeconds
	}
	return math.Round(shift*100) / 100
}

// ShiftTimes returns a copy of times with shift added to every element.
func ShiftTimes(times []float64, shift float64) []float64 {
	out := make([]float64, len(times))
	for i, t := range times {
		out[i] = t + shift
	}
	return out
}

// trimLeadingOutlier drops the first packet when its sequence number
// exceeds the second's. Streams occasionally open with a stale packet
// left over from the previous span; keeping it would poison the unwrap.
func trimLeadingOutlier(rec TimeDomainRecord) TimeDomainRecord {
	if len(rec.Sequences) < 2 || rec.Sequences[0] <= rec.Sequences[1] {
		return rec
	}
	dropped := rec.PacketSizes[0]
	rec.Sequences = rec.Sequences[1:]
	rec.TicksMs = rec.TicksMs[1:]
	rec.PacketSizes = rec.PacketSizes[1:]
	rec.Data = rec.Data[dropped:]
	return rec
}

func sumSizes(sizes []int) int {
	n := 0
	for _, s := range sizes {
		n += s
	}
	return n
}

func copyRows(rows [][]float64) [][]float64 {
	if rows == nil {
		return nil
	}
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = append([]float64(nil), r...)
	}
	return out
}
