package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	require.Equal(t, "base/file.db", ResolvePath("base", "file.db"))
	require.Equal(t, "/abs/file.db", ResolvePath("base", "/abs/file.db"))
}

func TestValidateName(t *testing.T) {
	name, err := ValidateName("  room-1  ")
	require.NoError(t, err)
	require.Equal(t, "room-1", name)

	for _, bad := range []string{"", "a b", "a/b", `a\b`, "a..b"} {
		_, err := ValidateName(bad)
		require.Error(t, err, "name %q", bad)
	}
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		rb.Push(i)
	}

	require.Equal(t, 3, rb.Len())
	require.Equal(t, []int{3, 4, 5}, rb.Snapshot())

	require.Equal(t, []int{3, 4, 5}, rb.Drain())
	require.Equal(t, 0, rb.Len())
	require.Empty(t, rb.Snapshot())

	rb.Push(9)
	require.Equal(t, []int{9}, rb.Snapshot())
}
