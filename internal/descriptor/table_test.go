package descriptor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	table := new(Table[int32, string])
	require.Zero(t, table.Len())

	k0, ok := table.Insert("1")
	require.True(t, ok)
	k1, ok := table.Insert("2")
	require.True(t, ok)
	k2, ok := table.Insert("3")
	require.True(t, ok)
	require.Equal(t, []int32{0, 1, 2}, []int32{k0, k1, k2})

	// Try to re-order, but to an invalid value.
	require.False(t, table.InsertAt("3", -1))

	for _, lookup := range []struct {
		key int32
		val string
	}{
		{key: k0, val: "1"},
		{key: k1, val: "2"},
		{key: k2, val: "3"},
	} {
		v, found := table.Lookup(lookup.key)
		require.True(t, found, "value not found for key %d", lookup.key)
		require.Equal(t, lookup.val, v)
	}
	require.Equal(t, 3, table.Len())

	var ranged []int32
	table.Range(func(k int32, v string) bool {
		ranged = append(ranged, k)
		return true
	})
	require.Equal(t, []int32{k0, k1, k2}, ranged)
}

func TestTable_LowestFreeReuse(t *testing.T) {
	table := new(Table[int32, string])
	for i := 0; i < 4; i++ {
		_, ok := table.Insert("x")
		require.True(t, ok)
	}

	// Deleting a low key makes it the next insertion point.
	table.Delete(1)
	_, found := table.Lookup(1)
	require.False(t, found)

	k, ok := table.Insert("y")
	require.True(t, ok)
	require.Equal(t, int32(1), k)

	// But only after delete: numbers are never reused while open.
	k, ok = table.Insert("z")
	require.True(t, ok)
	require.Equal(t, int32(4), k)
}

func TestTable_CrossesBlockBoundary(t *testing.T) {
	table := new(Table[int32, int])
	for i := 0; i < 130; i++ {
		k, ok := table.Insert(i)
		require.True(t, ok)
		require.Equal(t, int32(i), k)
	}
	require.Equal(t, 130, table.Len())

	table.Delete(64)
	k, ok := table.Insert(-1)
	require.True(t, ok)
	require.Equal(t, int32(64), k)
}

func TestTable_Reset(t *testing.T) {
	table := new(Table[int32, string])
	_, ok := table.Insert("a")
	require.True(t, ok)
	table.Reset()
	require.Zero(t, table.Len())
	k, ok := table.Insert("b")
	require.True(t, ok)
	require.Zero(t, k)
}
