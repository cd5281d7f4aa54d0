package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := Default()
	assert.Equal(t, 10000, p.GetSwapCeiling())
	assert.InDelta(t, 0.1, p.GetIntervalTolerance(), 1e-12)
	assert.InDelta(t, 0.05, p.GetAggregateQuantile(), 1e-12)
	assert.Nil(t, p.GetFill())
	assert.Equal(t, 4, p.GetMaxParallel())

	// A nil policy serves the same defaults.
	var nilPolicy *Policy
	assert.Equal(t, 10000, nilPolicy.GetSwapCeiling())
}

func TestPolicyLoad(t *testing.T) {
	t.Parallel()

	t.Run("partial file keeps other defaults", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "policy.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"swap_ceiling": 50, "fill": {"base": 62, "alternate": 63, "remainder_unit": 62}}`), 0o644))

		p, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 50, p.GetSwapCeiling())
		assert.InDelta(t, 0.1, p.GetIntervalTolerance(), 1e-12)
		require.NotNil(t, p.GetFill())
		assert.Equal(t, 62, p.GetFill().Base)
	})

	t.Run("rejects non-json extension", func(t *testing.T) {
		t.Parallel()
		_, err := Load("policy.yaml")
		assert.Error(t, err)
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"swap_ceiling": 0}`), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestFillPatternSizes(t *testing.T) {
	t.Parallel()

	pattern := FillPattern{Base: 62, Alternate: 63, RemainderUnit: 62}

	t.Run("alternation continues established phase", func(t *testing.T) {
		t.Parallel()
		// Previous packet was the base size, so insertion starts on the
		// alternate size.
		assert.Equal(t, []int{63, 62, 63}, pattern.Sizes(3, 0, 62))
		assert.Equal(t, []int{62, 63, 62}, pattern.Sizes(3, 0, 63))
	})

	t.Run("remainder appends one shorter packet", func(t *testing.T) {
		t.Parallel()
		sizes := pattern.Sizes(2, 0.5, 63)
		assert.Equal(t, []int{62, 63, 31}, sizes)
	})

	t.Run("no alternation when disabled", func(t *testing.T) {
		t.Parallel()
		flat := FillPattern{Base: 100}
		assert.Equal(t, []int{100, 100}, flat.Sizes(2, 0.9, 100))
	})
}
