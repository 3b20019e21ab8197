package buffer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func identity(k int) uint64 { return uint64(k) }

func TestExtendibleHash_InsertFind(t *testing.T) {
	h := NewExtendibleHash[int, string](50, identity)

	for i := 0; i < 100; i++ {
		h.Insert(i, fmt.Sprintf("v%d", i))
	}
	require.Equal(t, 100, h.Size())

	for i := 0; i < 100; i++ {
		v, ok := h.Find(i)
		require.True(t, ok, "key %d should be present", i)
		require.Equal(t, fmt.Sprintf("v%d", i), v)
	}
	_, ok := h.Find(100)
	require.False(t, ok)
}

func TestExtendibleHash_OverwriteDuplicate(t *testing.T) {
	h := NewExtendibleHash[int, int](50, identity)
	h.Insert(7, 1)
	h.Insert(7, 2)
	require.Equal(t, 1, h.Size())
	v, ok := h.Find(7)
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestExtendibleHash_Remove(t *testing.T) {
	h := NewExtendibleHash[int, int](50, identity)
	for i := 0; i < 10; i++ {
		h.Insert(i, i)
	}
	require.True(t, h.Remove(4))
	require.False(t, h.Remove(4))
	_, ok := h.Find(4)
	require.False(t, ok)
	require.Equal(t, 9, h.Size())
}

func TestExtendibleHash_SplitGrowsDepth(t *testing.T) {
	// Bucket capacity 1 forces a split on nearly every insert.
	h := NewExtendibleHash[int, int](1, identity)
	require.Equal(t, 0, h.GlobalDepth())

	for i := 0; i < 16; i++ {
		h.Insert(i, i)
	}
	require.Equal(t, 16, h.Size())
	require.Greater(t, h.GlobalDepth(), 0)
	require.Greater(t, h.NumBuckets(), 1)

	for i := 0; i < 16; i++ {
		v, ok := h.Find(i)
		require.True(t, ok, "key %d lost across splits", i)
		require.Equal(t, i, v)
	}
}

func TestExtendibleHash_LocalDepthBound(t *testing.T) {
	h := NewExtendibleHash[int, int](2, identity)
	for i := 0; i < 64; i++ {
		h.Insert(i, i)
	}
	global := h.GlobalDepth()
	for i := 0; i < 1<<global; i++ {
		if d := h.LocalDepth(i); d >= 0 {
			require.LessOrEqual(t, d, global,
				"slot %d: local depth must not exceed global depth", i)
		}
	}
}

func TestExtendibleHash_ConcurrentAccess(t *testing.T) {
	h := NewExtendibleHash[int, int](4, identity)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Insert(base*100+i, i)
			}
		}(g)
	}
	wg.Wait()

	require.Equal(t, 800, h.Size())
	for g := 0; g < 8; g++ {
		for i := 0; i < 100; i++ {
			v, ok := h.Find(g*100 + i)
			require.True(t, ok)
			require.Equal(t, i, v)
		}
	}
}
