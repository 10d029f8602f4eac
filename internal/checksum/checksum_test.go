package checksum

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFoldKnownVector(t *testing.T) {
	// RFC 1071 worked example: 0x0001 0xf203 0xf4f5 0xf6f7
	buf := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	got := Fold(Partial(buf))
	require.Equal(t, uint16(0x220d), got)
}

func TestPartialCopyMatchesPartial(t *testing.T) {
	src := []byte("hello pgm world, this is a TSDU")
	dst := make([]byte, len(src))

	sum := PartialCopy(dst, src)

	require.Equal(t, src, dst)
	require.Equal(t, Fold(Partial(src)), Fold(sum))
}

func TestBlockAddAlgebra(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "a")
		b := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "b")

		whole := append(append([]byte{}, a...), b...)

		want := Fold(Partial(whole))
		got := Fold(BlockAdd(Partial(a), Partial(b), len(a)))

		if want != got {
			t.Fatalf("fold(partial(concat)) = %#x, fold(block_add) = %#x (len(a)=%d)", want, got, len(a))
		}
	})
}
