package xxhash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Hash([]byte("chapter one"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("chapter one"))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 16)

	c, err := h.Hash([]byte("chapter two"))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestHashStringsSeparatesParts(t *testing.T) {
	t.Parallel()

	h := New()
	require.Equal(t, h.HashStrings("a", "b"), h.HashStrings("a", "b"))
	require.NotEqual(t, h.HashStrings("ab", "c"), h.HashStrings("a", "bc"))
	require.Len(t, h.HashStrings(), 16)
}
