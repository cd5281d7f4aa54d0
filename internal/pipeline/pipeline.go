// Package pipeline composes the reconstruction stages into a per-stream
// transform and a bounded-parallel batch runner. Each stream is unwrapped,
// gap-reconciled, drift-corrected and placed on a uniform time base; batch
// runs isolate per-stream failures in a manifest instead of aborting
// siblings.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dwml/percept-decoder/internal/cache"
	"github.com/dwml/percept-decoder/internal/config"
	"github.com/dwml/percept-decoder/internal/counter"
	"github.com/dwml/percept-decoder/internal/drift"
	"github.com/dwml/percept-decoder/internal/monitoring"
	"github.com/dwml/percept-decoder/internal/reconcile"
	"github.com/dwml/percept-decoder/internal/segment"
	"github.com/dwml/percept-decoder/internal/telemetry"
	"github.com/dwml/percept-decoder/internal/timebase"
)

// Runner executes reconstructions against one policy and cache store.
type Runner struct {
	pol    *config.Policy
	store  cache.Store
	merger *segment.Merger
}

// NewRunner returns a Runner. A nil store disables caching.
func NewRunner(pol *config.Policy, store cache.Store) *Runner {
	if store == nil {
		store = cache.Nop{}
	}
	return &Runner{pol: pol, store: store, merger: segment.NewMerger(pol)}
}

// Reconstruct runs the full stage chain for one stream. Sample streams
// yield one reconstruction; aggregate streams yield one per payload
// channel. The second return reports whether the result came from cache.
func (r *Runner) Reconstruct(ctx context.Context, recordingID string, stream *telemetry.TelemetryStream, timeline *telemetry.ConfigTimeline) ([]*telemetry.ReconstructedStream, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if len(stream.Packets) < 2 {
		return nil, false, fmt.Errorf("pipeline: %s: stream has %d packets, need at least 2", stream.Key(), len(stream.Packets))
	}

	keys, err := r.cacheKeys(recordingID, stream)
	if err != nil {
		return nil, false, err
	}
	if cached, ok := r.lookup(ctx, keys); ok {
		return cached, true, nil
	}

	var out []*telemetry.ReconstructedStream
	switch stream.Kind {
	case telemetry.SampleStream:
		s, err := r.reconstructSample(stream, timeline)
		if err != nil {
			return nil, false, err
		}
		out = []*telemetry.ReconstructedStream{s}
	case telemetry.AggregateStream:
		out, err = r.reconstructAggregate(stream, timeline)
		if err != nil {
			return nil, false, err
		}
	default:
		return nil, false, fmt.Errorf("pipeline: %s: unknown stream kind %q", stream.Key(), stream.Kind)
	}

	for i, s := range out {
		if err := r.store.Put(ctx, keys[i], s); err != nil {
			monitoring.Logf("pipeline: cache put failed for %s: %v", keys[i], err)
		}
	}
	return out, false, nil
}

func (r *Runner) reconstructSample(stream *telemetry.TelemetryStream, timeline *telemetry.ConfigTimeline) (*telemetry.ReconstructedStream, error) {
	tickMs, hostMs := clocks(stream)

	in := reconcile.SampleInput{
		Key:       stream.Key(),
		Ticks:     roundToMs(tickMs),
		Sizes:     make([]int, 0, len(stream.Packets)),
		SizeAware: stream.SizeAwareGaps,
	}
	for _, p := range stream.Packets {
		in.Sizes = append(in.Sizes, p.SampleCount)
		in.Data = append(in.Data, p.Payload...)
	}

	res, err := reconcile.Sample(in, r.pol)
	if err != nil {
		return nil, err
	}

	slope := drift.Estimate(tickMs, hostMs)
	cfg, notes := resolveConfig(timeline, stream, res.Notes)

	return &telemetry.ReconstructedStream{
		Channel:         stream.Channel,
		Kind:            telemetry.SampleStream,
		Time:            timebase.Sample(len(res.Data), stream.SamplingRate, slope),
		Data:            res.Data,
		Missing:         res.Missing,
		PacketSizes:     res.Sizes,
		DriftSlope:      slope,
		SamplingRate:    stream.SamplingRate,
		FirstPacketTime: stream.FirstPacketTime,
		Configuration:   cfg,
		Notes:           notes,
	}, nil
}

func (r *Runner) reconstructAggregate(stream *telemetry.TelemetryStream, timeline *telemetry.ConfigTimeline) ([]*telemetry.ReconstructedStream, error) {
	rows := len(stream.Packets[0].Payload)
	if rows == 0 {
		return nil, fmt.Errorf("pipeline: %s: aggregate packets carry no values", stream.Key())
	}

	tickMs, hostMs := clocks(stream)

	in := reconcile.AggregateInput{
		Key:    stream.Key(),
		Times:  make([]float64, len(tickMs)),
		Values: make([][]float64, rows),
	}
	for i, ms := range tickMs {
		in.Times[i] = ms / 1000
	}
	stimRows := len(stream.Packets[0].Stimulation)
	in.Stimulation = make([][]float64, stimRows)
	for i, p := range stream.Packets {
		if len(p.Payload) != rows {
			return nil, fmt.Errorf("pipeline: %s: packet %d carries %d values, expected %d", stream.Key(), i, len(p.Payload), rows)
		}
		for ch, v := range p.Payload {
			in.Values[ch] = append(in.Values[ch], v)
		}
		for ch := 0; ch < stimRows && ch < len(p.Stimulation); ch++ {
			in.Stimulation[ch] = append(in.Stimulation[ch], p.Stimulation[ch])
		}
	}

	res, err := reconcile.Aggregate(in, r.pol)
	if err != nil {
		return nil, err
	}

	slope := drift.Estimate(tickMs, hostMs)
	grid := timebase.Grid(res.Grid, slope)
	rate := 0.0
	if res.NominalStep > 0 {
		rate = 1 / res.NominalStep
	}
	cfg, notes := resolveConfig(timeline, stream, res.Notes)

	out := make([]*telemetry.ReconstructedStream, rows)
	for ch := 0; ch < rows; ch++ {
		out[ch] = &telemetry.ReconstructedStream{
			Channel:         rowChannel(stream.Channel, ch, rows),
			Kind:            telemetry.AggregateStream,
			Time:            grid,
			Data:            res.Values[ch],
			Missing:         res.Missing,
			Stimulation:     res.Stimulation,
			DriftSlope:      slope,
			SamplingRate:    rate,
			FirstPacketTime: stream.FirstPacketTime,
			Configuration:   cfg,
			Notes:           notes,
		}
	}
	return out, nil
}

// MergeSegments groups reconstructions by channel and kind and merges
// each group's eligible adjacent segments across recording gaps. Order of
// first appearance per group is preserved.
func (r *Runner) MergeSegments(streams []*telemetry.ReconstructedStream) []*telemetry.ReconstructedStream {
	type groupKey struct {
		channel telemetry.ChannelID
		kind    telemetry.StreamKind
	}
	var order []groupKey
	groups := make(map[groupKey][]*telemetry.ReconstructedStream)
	for _, s := range streams {
		k := groupKey{s.Channel, s.Kind}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], s)
	}

	var out []*telemetry.ReconstructedStream
	for _, k := range order {
		out = append(out, r.merger.MergeAll(groups[k])...)
	}
	return out
}

// clocks returns the unwrapped device clock and the host clock, both in
// milliseconds, one entry per packet. Host elapsed time disambiguates
// multi-period gaps for fast-wrapping tick clocks.
func clocks(stream *telemetry.TelemetryStream) (tickMs, hostMs []float64) {
	raw := make([]int64, len(stream.Packets))
	hostMs = make([]float64, len(stream.Packets))
	for i, p := range stream.Packets {
		raw[i] = p.TickRaw
		hostMs[i] = p.HostUnixTimeMs
	}
	scale := stream.TickScale
	if scale <= 0 {
		scale = 1
	}
	unwrapped := counter.UnwrapWithElapsed(raw, stream.TickCap, hostMs, scale)
	tickMs = make([]float64, len(unwrapped))
	for i, t := range unwrapped {
		tickMs[i] = float64(t) * scale
	}
	return tickMs, hostMs
}

func roundToMs(tickMs []float64) []int64 {
	out := make([]int64, len(tickMs))
	for i, ms := range tickMs {
		out[i] = int64(math.Round(ms))
	}
	return out
}

// resolveConfig looks up the configuration in effect at stream start.
// An unresolvable start is a soft outcome recorded as a note.
func resolveConfig(timeline *telemetry.ConfigTimeline, stream *telemetry.TelemetryStream, notes []string) (*telemetry.ConfigurationSnapshot, []string) {
	out := append([]string(nil), notes...)
	if timeline == nil {
		return nil, append(out, "no configuration timeline provided")
	}
	cfg, err := timeline.ResolveAt(stream.FirstPacketTime)
	if err != nil {
		monitoring.Logf("pipeline: %s: %v", stream.Key(), err)
		return nil, append(out, fmt.Sprintf("configuration unresolved at %s", stream.FirstPacketTime.UTC().Format(time.RFC3339)))
	}
	return cfg, out
}

func (r *Runner) cacheKeys(recordingID string, stream *telemetry.TelemetryStream) ([]string, error) {
	n := 1
	if stream.Kind == telemetry.AggregateStream {
		n = len(stream.Packets[0].Payload)
		if n == 0 {
			return nil, fmt.Errorf("pipeline: %s: aggregate packets carry no values", stream.Key())
		}
	}
	keys := make([]string, n)
	for i := range keys {
		suffix := ""
		if n > 1 {
			suffix = fmt.Sprintf("#%d", i)
		}
		keys[i] = cache.Key(recordingID, stream.Key()+suffix)
	}
	return keys, nil
}

// lookup returns the cached reconstructions only when every key hits.
func (r *Runner) lookup(ctx context.Context, keys []string) ([]*telemetry.ReconstructedStream, bool) {
	out := make([]*telemetry.ReconstructedStream, len(keys))
	for i, k := range keys {
		s, ok, err := r.store.Get(ctx, k)
		if err != nil {
			monitoring.Logf("pipeline: cache get failed for %s: %v", k, err)
			return nil, false
		}
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

func rowChannel(base telemetry.ChannelID, row, rows int) telemetry.ChannelID {
	if rows == 1 {
		return base
	}
	base.Name = fmt.Sprintf("%s#%d", base.Name, row)
	return base
}

// Outcome classifies one stream's batch result.
type Outcome string

const (
	// OutcomeSuccess means the stream reconstructed cleanly.
	OutcomeSuccess Outcome = "success"

	// OutcomeFallback means the stream reconstructed, but at least one
	// anomaly was absorbed with a fallback (see the stream's Notes).
	OutcomeFallback Outcome = "fallback"

	// OutcomeFatal means the stream could not be reconstructed.
	OutcomeFatal Outcome = "fatal"
)

// ManifestEntry records one stream's outcome in a batch run.
type ManifestEntry struct {
	StreamKey string
	Outcome   Outcome
	CacheHit  bool

	// Streams holds the reconstructions on success or fallback, nil on
	// fatal.
	Streams []*telemetry.ReconstructedStream

	// Err is the fatal error, nil otherwise.
	Err error
}

// Manifest is the result of a batch run, one entry per input stream in
// input order.
type Manifest struct {
	RunID   string
	Entries []ManifestEntry
}

// Streams flattens the successful reconstructions in input order.
func (m *Manifest) Streams() []*telemetry.ReconstructedStream {
	var out []*telemetry.ReconstructedStream
	for _, e := range m.Entries {
		out = append(out, e.Streams...)
	}
	return out
}

// Fatals returns the entries that failed.
func (m *Manifest) Fatals() []ManifestEntry {
	var out []ManifestEntry
	for _, e := range m.Entries {
		if e.Outcome == OutcomeFatal {
			out = append(out, e)
		}
	}
	return out
}

// Batch reconstructs every stream with bounded parallelism. A stream's
// fatal error lands in its manifest entry and never aborts siblings; only
// context cancellation stops the run early.
func (r *Runner) Batch(ctx context.Context, recordingID string, streams []*telemetry.TelemetryStream, timeline *telemetry.ConfigTimeline) (*Manifest, error) {
	man := &Manifest{
		RunID:   uuid.NewString(),
		Entries: make([]ManifestEntry, len(streams)),
	}
	monitoring.Debugf("pipeline: run %s: reconstructing %d streams", man.RunID, len(streams))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.pol.GetMaxParallel())
	for i, stream := range streams {
		i, stream := i, stream
		g.Go(func() error {
			entry := ManifestEntry{StreamKey: stream.Key()}
			out, hit, err := r.Reconstruct(gctx, recordingID, stream, timeline)
			switch {
			case gctx.Err() != nil:
				return gctx.Err()
			case err != nil:
				entry.Outcome = OutcomeFatal
				entry.Err = err
				monitoring.Logf("pipeline: run %s: %s: %v", man.RunID, entry.StreamKey, err)
			default:
				entry.Streams = out
				entry.CacheHit = hit
				entry.Outcome = OutcomeSuccess
				if anyNotes(out) {
					entry.Outcome = OutcomeFallback
				}
			}
			man.Entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return man, nil
}

func anyNotes(streams []*telemetry.ReconstructedStream) bool {
	for _, s := range streams {
		if len(s.Notes) > 0 {
			return true
		}
	}
	return false
}
