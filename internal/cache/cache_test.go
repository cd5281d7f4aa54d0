package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwml/percept-decoder/internal/telemetry"
)

func TestKeyStable(t *testing.T) {
	t.Parallel()

	k1 := Key("session-2023-05-10", "left/ZERO_TWO@2023-05-10T14:00:00Z")
	k2 := Key("session-2023-05-10", "left/ZERO_TWO@2023-05-10T14:00:00Z")
	k3 := Key("session-2023-05-10", "right/ZERO_TWO@2023-05-10T14:00:00Z")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 40)
}

func TestNopStore(t *testing.T) {
	t.Parallel()

	var s Store = Nop{}
	_, ok, err := s.Get(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, s.Put(context.Background(), "anything", &telemetry.ReconstructedStream{}))
}

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	key := Key("session", "left/stream")

	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "empty cache must miss")

	in := &telemetry.ReconstructedStream{
		Channel:         telemetry.ChannelID{Name: "ZERO_TWO", Hemisphere: telemetry.HemisphereLeft},
		Kind:            telemetry.SampleStream,
		Time:            []float64{0, 0.004, 0.008},
		Data:            []float64{1, 2, 3},
		Missing:         []bool{false, true, false},
		PacketSizes:     []int{3},
		DriftSlope:      1.0002,
		SamplingRate:    250,
		FirstPacketTime: time.Date(2023, 5, 10, 14, 0, 0, 0, time.UTC),
		Notes:           []string{"tick series reordered by 1 local swaps"},
	}
	require.NoError(t, store.Put(ctx, key, in))

	got, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in.Data, got.Data)
	assert.Equal(t, in.Missing, got.Missing)
	assert.Equal(t, in.DriftSlope, got.DriftSlope)
	assert.Equal(t, in.Channel, got.Channel)
	assert.True(t, in.FirstPacketTime.Equal(got.FirstPacketTime))

	// Put on an existing key replaces the entry.
	in2 := &telemetry.ReconstructedStream{Data: []float64{9}}
	require.NoError(t, store.Put(ctx, key, in2))
	got, ok, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float64{9}, got.Data)
}

func TestSQLiteReopenKeepsEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "k", &telemetry.ReconstructedStream{Data: []float64{1}}))
	require.NoError(t, store.Close())

	store, err = OpenSQLite(path)
	require.NoError(t, err)
	defer store.Close()
	got, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float64{1}, got.Data)
}
