package board

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStaticZeroPadsName(t *testing.T) {
	id := NewStatic("core1").Ident()
	require.Len(t, id, IdentLen)
	require.Equal(t, "core1", string(id[:5]))
	for _, b := range id[5:] {
		require.Equal(t, byte(0), b)
	}
}
