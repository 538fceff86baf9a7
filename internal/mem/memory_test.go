package mem

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemory_BoundsChecks(t *testing.T) {
	m := New(1, 1)
	size := m.Size()
	require.Equal(t, PageSize, size)

	tests := []struct {
		name string
		ok   bool
		op   func() bool
	}{
		{name: "write last byte", ok: true, op: func() bool { return m.WriteByte(size-1, 1) }},
		{name: "write past end", ok: false, op: func() bool { return m.WriteByte(size, 1) }},
		{name: "u32 at boundary", ok: true, op: func() bool { return m.WriteUint32Le(size-4, 1) }},
		{name: "u32 straddles end", ok: false, op: func() bool { return m.WriteUint32Le(size-3, 1) }},
		{name: "u64 at boundary", ok: true, op: func() bool { return m.WriteUint64Le(size-8, 1) }},
		{name: "u64 straddles end", ok: false, op: func() bool { return m.WriteUint64Le(size-7, 1) }},
		{name: "offset overflow", ok: false, op: func() bool { return m.Write(0xffffffff, []byte{1, 2}) }},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.ok, tc.op())
		})
	}
}

func TestMemory_ReadWriteRoundTrip(t *testing.T) {
	m := New(1, 1)
	require.True(t, m.WriteUint32Le(16, 0xdeadbeef))
	v, ok := m.ReadUint32Le(16)
	require.True(t, ok)
	require.Equal(t, uint32(0xdeadbeef), v)

	require.True(t, m.Write(100, []byte("hello")))
	b, ok := m.Read(100, 5)
	require.True(t, ok)
	require.Equal(t, "hello", string(b))
}

func TestMemory_Grow(t *testing.T) {
	m := New(1, 3)
	prev, ok := m.Grow(1)
	require.True(t, ok)
	require.Equal(t, uint32(1), prev)
	require.Equal(t, uint32(2), m.PageCount())

	// Zero delta returns the current size.
	prev, ok = m.Grow(0)
	require.True(t, ok)
	require.Equal(t, uint32(2), prev)

	// Exceeding max fails without growing.
	_, ok = m.Grow(2)
	require.False(t, ok)
	require.Equal(t, uint32(2), m.PageCount())
}

func TestMemory_GrowIsExclusive(t *testing.T) {
	m := New(1, 64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.WriteUint32Le(0, uint32(j))
			}
		}()
		go func() {
			defer wg.Done()
			m.Grow(1)
		}()
	}
	wg.Wait()
	require.Equal(t, uint32(9), m.PageCount())
}

func TestMemory_SnapshotIsolation(t *testing.T) {
	m := New(1, 1)
	require.True(t, m.WriteByte(42, 7))

	snap := m.Snapshot()
	child := NewFromSnapshot(snap, 1)

	// Writes on either side are invisible to the other.
	require.True(t, m.WriteByte(42, 1))
	require.True(t, child.WriteByte(42, 2))

	pv, _ := m.ReadByte(42)
	cv, _ := child.ReadByte(42)
	require.Equal(t, byte(1), pv)
	require.Equal(t, byte(2), cv)
}
