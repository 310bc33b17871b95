package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqtrace/bioengine/pkg/registry"
)

func TestResolveJobID(t *testing.T) {
	store := registry.NewStore(t.TempDir())
	reg := registry.New().WithSnapshots(store)

	a, err := reg.Create(registry.KindAlignment, "a", registry.Input{})
	require.NoError(t, err)
	b, err := reg.Create(registry.KindAnnotation, "b", registry.Input{})
	require.NoError(t, err)

	t.Run("full id", func(t *testing.T) {
		got, err := resolveJobID(store, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a.ID, got)
	})

	t.Run("unique prefix", func(t *testing.T) {
		// UUIDs differ in the first 8 chars with overwhelming likelihood;
		// pick a prefix unique between the two.
		prefix := a.ID[:8]
		if b.ID[:8] == prefix {
			t.Skip("uuid prefix collision")
		}
		got, err := resolveJobID(store, prefix)
		require.NoError(t, err)
		assert.Equal(t, a.ID, got)
	})

	t.Run("no match", func(t *testing.T) {
		_, err := resolveJobID(store, "zzzzzzzz")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no job matches")
	})
}
