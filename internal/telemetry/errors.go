package telemetry

import (
	"errors"
	"fmt"
)

// ErrUnknownConfiguration reports that no configuration snapshot was valid
// before a stream's first timestamp. Reconstruction proceeds with a nil
// configuration and a diagnostic note; this error never crosses the batch
// boundary.
var ErrUnknownConfiguration = errors.New("no configuration snapshot valid before stream start")

// MalformedSequenceError is the only fatal per-stream error: the tick or
// sequence series is non-monotonic beyond what bounded local swap
// correction can resolve. It aborts reconstruction of that stream only.
type MalformedSequenceError struct {
	StreamKey string
	Swaps     int
	Ceiling   int
}

func (e *MalformedSequenceError) Error() string {
	return fmt.Sprintf("stream %s: tick series non-monotonic after %d local swaps (ceiling %d)",
		e.StreamKey, e.Swaps, e.Ceiling)
}

// IsMalformedSequence reports whether err is (or wraps) a
// MalformedSequenceError.
func IsMalformedSequence(err error) bool {
	var mse *MalformedSequenceError
	return errors.As(err, &mse)
}
