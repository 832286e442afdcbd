package checksum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypeSize(t *testing.T) {
	require.Equal(t, 0, TypeNone.Size())
	require.Equal(t, 4, TypeCrc32.Size())
	require.Equal(t, 4, TypeCrc32C.Size())
	require.Equal(t, 4, TypeFarmhash32.Size())
}

func TestTypeValid(t *testing.T) {
	require.True(t, TypeNone.Valid())
	require.True(t, TypeCrc32.Valid())
	require.True(t, TypeCrc32C.Valid())
	require.True(t, TypeFarmhash32.Valid())
	require.False(t, Type(99).Valid())
}

func TestNoneChecksumIsAlwaysEmpty(t *testing.T) {
	c := New(TypeNone)
	require.Equal(t, TypeNone, c.Type())
	require.Nil(t, c.Add([]byte("anything")))
	require.Nil(t, c.Sum())
}

func TestCrc32Deterministic(t *testing.T) {
	a := New(TypeCrc32)
	b := New(TypeCrc32)

	sumA := a.Add([]byte("hello "))
	sumA = a.Add([]byte("world"))

	sumB := b.Add([]byte("hello "))
	sumB = b.Add([]byte("world"))

	require.Equal(t, sumA, sumB)
	require.Len(t, sumA, 4)
}

func TestCrc32AndCrc32CDiffer(t *testing.T) {
	a := New(TypeCrc32)
	c := New(TypeCrc32C)

	sumA := a.Add([]byte("same bytes"))
	sumC := c.Add([]byte("same bytes"))

	require.NotEqual(t, sumA, sumC)
	require.Equal(t, TypeCrc32, a.Type())
	require.Equal(t, TypeCrc32C, c.Type())
}

func TestChecksumChainsAcrossFragments(t *testing.T) {
	// Feeding "ab" then "cd" through one Checksum must equal feeding "abcd"
	// in one shot: that's the "seed = prior fragment's digest" chaining
	// rule a multi-fragment call relies on.
	chained := New(TypeCrc32)
	chained.Add([]byte("ab"))
	chainedSum := chained.Add([]byte("cd"))

	whole := New(TypeCrc32)
	wholeSum := whole.Add([]byte("abcd"))

	require.Equal(t, wholeSum, chainedSum)
}

func TestFarmhashChainsAcrossFragments(t *testing.T) {
	chained := New(TypeFarmhash32)
	chained.Add([]byte("ab"))
	chainedSum := chained.Add([]byte("cd"))

	whole := New(TypeFarmhash32)
	wholeSum := whole.Add([]byte("abcd"))

	require.Equal(t, wholeSum, chainedSum)
}

func TestNewUnknownTypeFallsBackToNone(t *testing.T) {
	c := New(Type(42))
	require.Equal(t, TypeNone, c.Type())
}
