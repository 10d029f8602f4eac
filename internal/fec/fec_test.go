package fec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgmsend/core/internal/txw"
)

func makeRecord(data string) *txw.Record {
	buf := make([]byte, 0, len(data))
	buf = append(buf, data...)
	return &txw.Record{
		Buf:     buf,
		DataOff: 0,
		FragOff: -1,
		TrueLen: len(data),
	}
}

func TestEncodeParityEqualLengths(t *testing.T) {
	enc, err := New(2, 1)
	require.NoError(t, err)

	g := Group{Records: []*txw.Record{makeRecord("AAAA"), makeRecord("BBBB")}}
	tsdu, varPktLen, frag, err := enc.EncodeParity(g, 0)
	require.NoError(t, err)
	require.False(t, varPktLen)
	require.Nil(t, frag)
	require.Len(t, tsdu, 4)
}

func TestEncodeParityVariableLengthsPads(t *testing.T) {
	enc, err := New(2, 1)
	require.NoError(t, err)

	r1 := makeRecord("AB")
	r2 := makeRecord("CDEF")
	g := Group{Records: []*txw.Record{r1, r2}}

	tsdu, varPktLen, _, err := enc.EncodeParity(g, 0)
	require.NoError(t, err)
	require.True(t, varPktLen)
	require.Len(t, tsdu, 6) // maxLen(4) + 2-byte trailer
	require.True(t, r1.ZeroPadded)
}

func TestEncodeParityRejectsWrongGroupSize(t *testing.T) {
	enc, err := New(2, 1)
	require.NoError(t, err)

	g := Group{Records: []*txw.Record{makeRecord("A")}}
	_, _, _, err = enc.EncodeParity(g, 0)
	require.Error(t, err)
}

func TestEncodeParityRejectsOutOfRangeH(t *testing.T) {
	enc, err := New(2, 1)
	require.NoError(t, err)

	g := Group{Records: []*txw.Record{makeRecord("AA"), makeRecord("BB")}}
	_, _, _, err = enc.EncodeParity(g, 5)
	require.Error(t, err)
}
