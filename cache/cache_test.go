package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheGetCreatesEmptyCell(t *testing.T) {
	c := New()
	value := c.Get("foo")
	require.Empty(t, value)
}

func TestCachePutFailsWhileBorrowed(t *testing.T) {
	c := New()

	_ = c.Get("foo") // borrows the cell
	ok := c.Put("foo", []int32{1, 2, 3})
	require.False(t, ok, "Put should fail while the cell is borrowed")
}

func TestCachePutSucceedsAfterUnborrow(t *testing.T) {
	c := New()

	_ = c.Get("foo")
	c.Unborrow()

	ok := c.Put("foo", []int32{1, 2, 3})
	require.True(t, ok)
	require.Equal(t, []int32{1, 2, 3}, c.Get("foo"))
}

func TestCacheUnborrowReleasesAllCells(t *testing.T) {
	c := New()
	_ = c.Get("a")
	_ = c.Get("b")

	c.Unborrow()

	require.True(t, c.Put("a", []int32{1}))
	require.True(t, c.Put("b", []int32{2}))
}
