// Package cache stores reconstruction results between runs. The store is
// explicit external key-value state injected into the pipeline: read
// before and written after each stream's reconstruction, keyed by a
// content-derived identifier. Nothing in the engine depends on a cache
// being present.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/dwml/percept-decoder/internal/telemetry"
)

// Store is the reconstruction cache boundary. Implementations must
// tolerate concurrent calls for distinct keys; the pipeline guarantees a
// single writer per key.
type Store interface {
	// Get returns the cached stream for key, with ok=false on a miss.
	Get(ctx context.Context, key string) (*telemetry.ReconstructedStream, bool, error)

	// Put stores or replaces the stream under key.
	Put(ctx context.Context, key string, stream *telemetry.ReconstructedStream) error
}

// Key derives a stable cache key from the recording identity and the
// stream's own key. Content-derived, so re-decoding the same export maps
// to the same entry.
func Key(recordingID, streamKey string) string {
	sum := sha1.Sum([]byte(recordingID + "\x00" + streamKey))
	return hex.EncodeToString(sum[:])
}

// Nop is a Store that caches nothing.
type Nop struct{}

func (Nop) Get(context.Context, string) (*telemetry.ReconstructedStream, bool, error) {
	return nil, false, nil
}

func (Nop) Put(context.Context, string, *telemetry.ReconstructedStream) error { return nil }

// encode serialises a stream for storage.
func encode(stream *telemetry.ReconstructedStream) ([]byte, error) {
	payload, err := json.Marshal(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stream: %w", err)
	}
	return payload, nil
}

func decode(payload []byte) (*telemetry.ReconstructedStream, error) {
	var stream telemetry.ReconstructedStream
	if err := json.Unmarshal(payload, &stream); err != nil {
		return nil, fmt.Errorf("failed to decode cached stream: %w", err)
	}
	return &stream, nil
}
