// Package config holds tunable reconstruction policy parameters.
//
// The schema is a JSON-tagged struct with pointer fields so a partial
// config file can override only the values it names; the Get* accessors
// supply defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FillPattern describes how synthetic packet sizes are chosen when a gap
// is filled in a sample-level stream. Some device families alternate
// between two packet sizes because the sample rate does not divide evenly
// into whole packets per second; the pattern preserves that alternation.
//
// These values are empirically calibrated per device family. A new family
// needs its own calibration; reusing another family's constants is not
// valid.
type FillPattern struct {
	// Base is the primary synthetic packet size in samples.
	Base int `json:"base"`

	// Alternate is the second size used on every other inserted packet.
	// Zero disables alternation (all packets use Base).
	Alternate int `json:"alternate,omitempty"`

	// RemainderUnit sizes the single shorter terminal packet appended
	// when a gap does not divide evenly into whole packets: the fractional
	// remainder of the gap is multiplied by this unit. Zero disables
	// remainder packets.
	RemainderUnit int `json:"remainder_unit,omitempty"`
}

// Sizes returns the synthetic packet sizes for a gap spanning count whole
// missing packets plus a fractional remainder. prevSize is the size of the
// packet immediately before the gap, used to keep an established
// alternation in phase.
func (p FillPattern) Sizes(count int, remainderFraction float64, prevSize int) []int {
	if count < 0 {
		count = 0
	}
	sizes := make([]int, 0, count+1)
	first, second := p.Base, p.Alternate
	if p.Alternate != 0 && prevSize == p.Base {
		// Previous packet used the base size; continue the alternation.
		first, second = p.Alternate, p.Base
	}
	for i := 0; i < count; i++ {
		if p.Alternate != 0 && i%2 == 1 {
			sizes = append(sizes, second)
		} else {
			sizes = append(sizes, first)
		}
	}
	if p.RemainderUnit > 0 && remainderFraction > 0 {
		n := int(remainderFraction * float64(p.RemainderUnit))
		if n > 0 {
			sizes = append(sizes, n)
		}
	}
	return sizes
}

// Policy is the root reconstruction configuration. All fields are
// optional; omitted fields fall back to the defaults documented on the
// accessors.
type Policy struct {
	// SwapCeiling bounds the local adjacent-pair swap correction applied
	// to a non-monotonic tick series before the stream is declared
	// malformed.
	SwapCeiling *int `json:"swap_ceiling,omitempty"`

	// IntervalTolerance is the relative tolerance applied when a tick
	// delta is compared against the nominal inter-packet interval; deltas
	// within (1+tolerance)*nominal are not treated as gaps.
	IntervalTolerance *float64 `json:"interval_tolerance,omitempty"`

	// AggregateQuantile selects the low quantile of observed deltas used
	// as the nominal interval for aggregate streams (robust against the
	// gaps themselves inflating a mean).
	AggregateQuantile *float64 `json:"aggregate_quantile,omitempty"`

	// Fill overrides the sample-level synthetic packet sizing pattern.
	// When nil, the reconciler falls back to the stream's modal packet
	// size with no alternation.
	Fill *FillPattern `json:"fill,omitempty"`

	// MaxParallel bounds concurrent stream reconstructions in a batch.
	MaxParallel *int `json:"max_parallel,omitempty"`
}

// Default returns a Policy with all fields unset, meaning every accessor
// serves its documented default.
func Default() *Policy {
	return &Policy{}
}

// Load reads a Policy from a JSON file. Fields omitted from the file keep
// their defaults, so partial configs are safe.
func Load(path string) (*Policy, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("policy file must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	p := &Policy{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}

// Validate checks that any set values are usable.
func (p *Policy) Validate() error {
	if p.SwapCeiling != nil && *p.SwapCeiling < 1 {
		return fmt.Errorf("swap_ceiling must be positive, got %d", *p.SwapCeiling)
	}
	if p.IntervalTolerance != nil && (*p.IntervalTolerance < 0 || *p.IntervalTolerance > 1) {
		return fmt.Errorf("interval_tolerance must be in [0,1], got %f", *p.IntervalTolerance)
	}
	if p.AggregateQuantile != nil && (*p.AggregateQuantile <= 0 || *p.AggregateQuantile >= 1) {
		return fmt.Errorf("aggregate_quantile must be in (0,1), got %f", *p.AggregateQuantile)
	}
	if p.Fill != nil && p.Fill.Base <= 0 {
		return fmt.Errorf("fill.base must be positive, got %d", p.Fill.Base)
	}
	if p.MaxParallel != nil && *p.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be positive, got %d", *p.MaxParallel)
	}
	return nil
}

// GetSwapCeiling returns the swap_ceiling value or the default.
func (p *Policy) GetSwapCeiling() int {
	if p == nil || p.SwapCeiling == nil {
		return 10000
	}
	return *p.SwapCeiling
}

// GetIntervalTolerance returns the interval_tolerance value or the default.
func (p *Policy) GetIntervalTolerance() float64 {
	if p == nil || p.IntervalTolerance == nil {
		return 0.1
	}
	return *p.IntervalTolerance
}

// GetAggregateQuantile returns the aggregate_quantile value or the default.
func (p *Policy) GetAggregateQuantile() float64 {
	if p == nil || p.AggregateQuantile == nil {
		return 0.05
	}
	return *p.AggregateQuantile
}

// GetFill returns the fill pattern, or nil when the modal-size fallback
// should be used.
func (p *Policy) GetFill() *FillPattern {
	if p == nil {
		return nil
	}
	return p.Fill
}

// GetMaxParallel returns the max_parallel value or the default.
func (p *Policy) GetMaxParallel() int {
	if p == nil || p.MaxParallel == nil {
		return 4
	}
	return *p.MaxParallel
}
