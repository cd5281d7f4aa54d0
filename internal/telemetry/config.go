package telemetry

import (
	"sort"
	"time"
)

// StimulationSetting is the per-channel therapy amplitude in effect while a
// snapshot applies. Lower/upper limits are independently adjustable on the
// programmer and do not affect recorded signal content, so segment-merge
// comparison excludes them.
type StimulationSetting struct {
	Channel             string
	AmplitudeMilliAmps  float64
	PulseWidthMicros    float64
	RateHz              float64
	LowerLimitMilliAmps float64
	UpperLimitMilliAmps float64
}

// ConfigurationSnapshot is a device-settings record valid from ValidFrom
// until superseded by the next snapshot in the timeline.
type ConfigurationSnapshot struct {
	ValidFrom time.Time

	// StreamingIntervalMs is the nominal inter-packet interval for
	// aggregate streams under this configuration.
	StreamingIntervalMs float64

	// Channels lists the sensing channels defined by this configuration.
	Channels []ChannelID

	// Stimulation holds the therapy settings per stimulation channel.
	Stimulation []StimulationSetting
}

// ConfigTimeline is a read-only, time-ordered collection of configuration
// snapshots for one recording session.
type ConfigTimeline struct {
	snapshots []ConfigurationSnapshot
}

// NewConfigTimeline copies and time-orders the given snapshots.
func NewConfigTimeline(snapshots []ConfigurationSnapshot) *ConfigTimeline {
	cp := make([]ConfigurationSnapshot, len(snapshots))
	copy(cp, snapshots)
	sort.Slice(cp, func(i, j int) bool { return cp[i].ValidFrom.Before(cp[j].ValidFrom) })
	return &ConfigTimeline{snapshots: cp}
}

// ResolveAt returns the most recent snapshot with ValidFrom <= t, or nil
// with ErrUnknownConfiguration when no snapshot is valid yet. Callers are
// expected to absorb the error with the unknown-configuration sentinel
// rather than abort reconstruction.
func (tl *ConfigTimeline) ResolveAt(t time.Time) (*ConfigurationSnapshot, error) {
	if tl == nil || len(tl.snapshots) == 0 {
		return nil, ErrUnknownConfiguration
	}
	// First snapshot strictly after t; the one before it applies.
	idx := sort.Search(len(tl.snapshots), func(i int) bool {
		return tl.snapshots[i].ValidFrom.After(t)
	})
	if idx == 0 {
		return nil, ErrUnknownConfiguration
	}
	return &tl.snapshots[idx-1], nil
}

// Len returns the number of snapshots in the timeline.
func (tl *ConfigTimeline) Len() int {
	if tl == nil {
		return 0
	}
	return len(tl.snapshots)
}
