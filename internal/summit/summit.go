// Package summit adapts raw Summit RC+S streaming records into
// reconciliation inputs. The family pairs a fine 0.1 ms systemTick that
// wraps every 6.5536 s with a coarse whole-second timestamp; the coarse
// clock disambiguates tick laps across long gaps, and packets may carry
// multiple nominal packet sizes in one payload.
package summit

import (
	"fmt"
	"math"
	"time"

	"github.com/dwml/percept-decoder/internal/counter"
	"github.com/dwml/percept-decoder/internal/reconcile"
	"github.com/dwml/percept-decoder/internal/telemetry"
)

const (
	// SystemTickCap is the modulus of the fine device clock.
	SystemTickCap = 65536

	// TickScaleSeconds converts raw systemTick units to seconds.
	TickScaleSeconds = 1e-4

	// LapSeconds is one full period of the fine clock.
	LapSeconds = SystemTickCap * TickScaleSeconds

	// SequenceCap is the modulus of the packet sequence counter.
	SequenceCap = 256

	// lapDetectSeconds is the coarse-timestamp jump beyond which the fine
	// clock must have lapped at least once. The coarse clock only resolves
	// whole seconds, so the threshold sits just under one lap.
	lapDetectSeconds = 6
)

// ErrStreamTooShort marks records with fewer than two packets, which
// carry no interval information and are discarded.
var ErrStreamTooShort = fmt.Errorf("summit: stream has fewer than two packets")

// TimeDomainRecord is one raw time-domain streaming record for a single
// sensed channel.
type TimeDomainRecord struct {
	Channel         telemetry.ChannelID
	FirstPacketTime time.Time
	SamplingRate    float64

	// SystemTicks, Timestamps and Sequences are raw per-packet counters:
	// the wrapped fine clock, the coarse whole-second device clock and the
	// wrapped packet sequence.
	SystemTicks []int64
	Timestamps  []int64
	Sequences   []int64

	// HostUnixTimeMs is the host receive time of each packet.
	HostUnixTimeMs []float64

	// Sizes are per-packet sample counts; Data is the concatenated
	// payload, sum(Sizes) long.
	Sizes []int
	Data  []float64
}

// Prepared is a record normalized for reconciliation, plus the clock
// series drift estimation runs on.
type Prepared struct {
	Input reconcile.SampleInput

	// TickMs and HostMs are the corrected device ticks and host receive
	// times of the surviving packets, both in milliseconds.
	TickMs []float64
	HostMs []float64

	// Sequences are the unwrapped sequence counters of the surviving
	// packets, realigned so each step matches the packet periods the
	// corrected ticks advanced. Nil when the record carried none.
	Sequences []int64

	// Laps is the number of fine-clock periods reinstated from coarse
	// timestamp jumps; Dropped counts packets removed for non-advancing
	// ticks.
	Laps    int
	Dropped int
}

// Prepare unwraps the fine clock, reinstates laps hidden by long gaps,
// drops packets whose corrected tick does not advance, and emits a
// size-aware reconciliation input.
func Prepare(rec TimeDomainRecord) (Prepared, error) {
	if len(rec.SystemTicks) < 2 {
		return Prepared{}, fmt.Errorf("%w: %s", ErrStreamTooShort, rec.Channel)
	}
	n := len(rec.SystemTicks)
	if len(rec.Sequences) != 0 && len(rec.Sequences) != n {
		return Prepared{}, fmt.Errorf("summit: %s: %d sequences for %d packets", rec.Channel, len(rec.Sequences), n)
	}
	if len(rec.Timestamps) != n || len(rec.Sizes) != n || len(rec.HostUnixTimeMs) != n {
		return Prepared{}, fmt.Errorf("summit: %s: packet field lengths differ: %d ticks, %d timestamps, %d sizes, %d host times",
			rec.Channel, n, len(rec.Timestamps), len(rec.Sizes), len(rec.HostUnixTimeMs))
	}
	if total := sumSizes(rec.Sizes); total != len(rec.Data) {
		return Prepared{}, fmt.Errorf("summit: %s: packet sizes cover %d samples, payload has %d",
			rec.Channel, total, len(rec.Data))
	}

	sec := make([]float64, n)
	for i, t := range counter.Unwrap(rec.SystemTicks, SystemTickCap) {
		sec[i] = float64(t) * TickScaleSeconds
	}

	laps := applyLapCorrection(sec, rec.Timestamps)

	var seqs []int64
	if len(rec.Sequences) == n {
		seqs = counter.Unwrap(rec.Sequences, SequenceCap)
		realignSequences(seqs, sec, packetPeriodSeconds(rec))
	}

	kept, dropped := selectAdvancing(sec)

	tickMs := make([]float64, 0, len(kept))
	hostMs := make([]float64, 0, len(kept))
	ticks := make([]int64, 0, len(kept))
	sizes := make([]int, 0, len(kept))
	data := make([]float64, 0, len(rec.Data))
	var outSeqs []int64
	if seqs != nil {
		outSeqs = make([]int64, 0, len(kept))
	}
	offsets := payloadOffsets(rec.Sizes)
	for _, i := range kept {
		tickMs = append(tickMs, sec[i]*1000)
		hostMs = append(hostMs, rec.HostUnixTimeMs[i])
		ticks = append(ticks, int64(math.Round(sec[i]*1000)))
		sizes = append(sizes, rec.Sizes[i])
		data = append(data, rec.Data[offsets[i]:offsets[i]+rec.Sizes[i]]...)
		if seqs != nil {
			outSeqs = append(outSeqs, seqs[i])
		}
	}

	return Prepared{
		Input: reconcile.SampleInput{
			Key:       rec.Channel.String(),
			Ticks:     ticks,
			Sizes:     sizes,
			Data:      data,
			SizeAware: true,
		},
		TickMs:    tickMs,
		HostMs:    hostMs,
		Sequences: outSeqs,
		Laps:      laps,
		Dropped:   dropped,
	}, nil
}

// applyLapCorrection adds whole fine-clock periods back into sec wherever
// the coarse timestamp jumps further than the fine clock can express.
// Returns the total laps reinstated.
func applyLapCorrection(sec []float64, timestamps []int64) int {
	total := 0
	for i := 1; i < len(sec); i++ {
		jump := timestamps[i] - timestamps[i-1]
		if jump <= lapDetectSeconds {
			continue
		}
		laps := int(math.Round((float64(jump) - (sec[i] - sec[i-1])) / LapSeconds))
		if laps == 0 {
			continue
		}
		for j := i; j < len(sec); j++ {
			sec[j] += float64(laps) * LapSeconds
		}
		total += laps
	}
	return total
}

// realignSequences rewrites the unwrapped sequence series so each step
// matches the number of packet periods the corrected ticks advanced,
// carrying the tick corrections into the sequence domain.
func realignSequences(seqs []int64, sec []float64, period float64) {
	if period <= 0 {
		return
	}
	for i := 1; i < len(seqs); i++ {
		jump := int64(math.Round((sec[i] - sec[i-1]) / period))
		adj := jump - (seqs[i] - seqs[i-1])
		if adj == 0 {
			continue
		}
		for j := i; j < len(seqs); j++ {
			seqs[j] += adj
		}
	}
}

// packetPeriodSeconds derives the nominal inter-packet interval from the
// most common packet size. Zero when the record cannot express one.
func packetPeriodSeconds(rec TimeDomainRecord) float64 {
	if rec.SamplingRate <= 0 {
		return 0
	}
	mode := modalSize(rec.Sizes)
	if mode == 0 {
		return 0
	}
	return float64(mode) / rec.SamplingRate
}

func modalSize(sizes []int) int {
	counts := make(map[int]int, len(sizes))
	mode := 0
	for _, s := range sizes {
		counts[s]++
		if counts[s] > counts[mode] {
			mode = s
		}
	}
	return mode
}

// selectAdvancing keeps the first packet and every packet whose corrected
// tick exceeds its predecessor's.
func selectAdvancing(sec []float64) (kept []int, dropped int) {
	kept = append(kept, 0)
	for i := 1; i < len(sec); i++ {
		if sec[i] > sec[i-1] {
			kept = append(kept, i)
		} else {
			dropped++
		}
	}
	return kept, dropped
}

func payloadOffsets(sizes []int) []int {
	offsets := make([]int, len(sizes))
	off := 0
	for i, s := range sizes {
		offsets[i] = off
		off += s
	}
	return offsets
}

func sumSizes(sizes []int) int {
	n := 0
	for _, s := range sizes {
		n += s
	}
	return n
}
