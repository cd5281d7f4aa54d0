// Package telemetry defines the core data model shared by the stream
// reconstruction engine: decoded packets, raw telemetry streams, device
// configuration snapshots and the reconstructed output form.
//
// Values in this package are treated as immutable once constructed.
// Transformations (unwrap, gap fill, drift correction, merge) always
// produce new values; they never edit a TelemetryStream in place.
package telemetry

import "time"

// StreamKind distinguishes the two payload regimes the engine handles.
type StreamKind int

const (
	// SampleStream carries a raw waveform: every packet contributes
	// SampleCount consecutive samples on a uniform sample grid.
	SampleStream StreamKind = iota

	// AggregateStream carries periodic scalar band values (one value per
	// channel per packet) on a per-packet grid.
	AggregateStream
)

func (k StreamKind) String() string {
	switch k {
	case SampleStream:
		return "sample"
	case AggregateStream:
		return "aggregate"
	default:
		return "unknown"
	}
}

// Hemisphere identifies which side of the implant a channel records from.
type Hemisphere string

const (
	HemisphereLeft    Hemisphere = "left"
	HemisphereRight   Hemisphere = "right"
	HemisphereUnknown Hemisphere = "unknown"
)

// ChannelID identifies a sensing channel (contact pair plus hemisphere tag).
type ChannelID struct {
	Name       string
	Hemisphere Hemisphere
}

func (c ChannelID) String() string {
	return string(c.Hemisphere) + "/" + c.Name
}

// PacketRecord is one decoded transmission unit from the device. It is
// produced by a device-family decoder (out of scope here) and owned
// exclusively by the TelemetryStream that contains it.
type PacketRecord struct {
	// SequenceRaw is the modular packet counter as transmitted. Its cap is
	// recorded on the containing stream.
	SequenceRaw int64

	// TickRaw is the modular device-clock value (milliseconds, or scaled
	// units for families that tick sub-millisecond) as transmitted.
	TickRaw int64

	// HostUnixTimeMs is the host wall-clock receive time in Unix
	// milliseconds.
	HostUnixTimeMs float64

	// SampleCount is the number of payload samples carried by this packet.
	SampleCount int

	// Payload holds the decoded numeric samples (waveform) or aggregate
	// band values for this packet. Aggregate packets carry one value per
	// sensed channel.
	Payload []float64

	// Stimulation optionally carries the per-channel stimulation
	// amplitudes reported with an aggregate packet. Nil for sample
	// streams.
	Stimulation []float64
}

// TelemetryStream is an ordered run of packets sharing one channel identity
// and nominal rate. It is built once per logical recording segment and is
// never mutated afterwards.
type TelemetryStream struct {
	Channel ChannelID
	Kind    StreamKind

	// SamplingRate is the nominal per-sample rate in Hz for sample
	// streams. Aggregate streams derive their rate from the estimated
	// inter-packet interval instead.
	SamplingRate float64

	// SequenceCap and TickCap are the modular counter caps in effect for
	// the device family that produced this stream.
	SequenceCap int64
	TickCap     int64

	// TickScale converts unwrapped tick units to milliseconds. 1.0 for
	// families that tick in milliseconds directly.
	TickScale float64

	// SizeAwareGaps marks families whose packets may carry several
	// nominal packet sizes in one payload, so gap detection must scale
	// the expected tick advance by the payload size.
	SizeAwareGaps bool

	// FirstPacketTime is the wall-clock time of the first packet, used to
	// resolve the applicable configuration and to order segments.
	FirstPacketTime time.Time

	Packets []PacketRecord
}

// Key returns a stable identifier for the stream within a recording,
// suitable for manifest entries and cache keys.
func (s *TelemetryStream) Key() string {
	return s.Channel.String() + "@" + s.FirstPacketTime.UTC().Format(time.RFC3339)
}

// TotalSamples sums the packet sample counts.
func (s *TelemetryStream) TotalSamples() int {
	n := 0
	for _, p := range s.Packets {
		n += p.SampleCount
	}
	return n
}

// ReconstructedStream is the derived, immutable output of the engine: a
// uniformly time-based, gap-annotated signal.
type ReconstructedStream struct {
	Channel ChannelID
	Kind    StreamKind

	// Time holds ascending sample times in seconds, zero-referenced to the
	// stream start and drift-corrected.
	Time []float64

	// Data holds the sample or aggregate values aligned with Time.
	Data []float64

	// Missing flags every synthesized (zero-filled or interpolated) sample.
	// len(Missing) == len(Data) == len(Time) always holds.
	Missing []bool

	// PacketSizes is the per-packet size series after gap fill. Its sum
	// equals len(Data).
	PacketSizes []int

	// DriftSlope is the device-vs-host clock correction factor, near 1.0,
	// never NaN and never negative. 1.0 when regression was degenerate.
	DriftSlope float64

	// SamplingRate is the effective rate the Time axis was built with.
	SamplingRate float64

	// FirstPacketTime carries over from the source stream (earliest
	// segment when merged).
	FirstPacketTime time.Time

	// Configuration is the resolved device configuration, or nil when no
	// snapshot was valid before the stream start (recorded in Notes).
	Configuration *ConfigurationSnapshot

	// Stimulation optionally carries the stimulation amplitude series
	// reported alongside aggregate payloads, one row per stimulation
	// channel, each aligned with Time. Nil for sample streams.
	Stimulation [][]float64

	// Notes collects diagnostic annotations for anomalies absorbed with a
	// fallback (unknown configuration, degenerate regression, swap fixes).
	Notes []string
}

// MissingCount returns the number of synthesized samples.
func (r *ReconstructedStream) MissingCount() int {
	n := 0
	for _, m := range r.Missing {
		if m {
			n++
		}
	}
	return n
}

// Duration returns the covered time span in seconds.
func (r *ReconstructedStream) Duration() float64 {
	if len(r.Time) == 0 {
		return 0
	}
	return r.Time[len(r.Time)-1] - r.Time[0]
}
