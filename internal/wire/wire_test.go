package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func testHeader(typ byte, tsduLen int, opts byte) Header {
	return Header{
		SourcePort: 7500,
		DestPort:   7500,
		Type:       typ,
		Options:    opts,
		GSI:        [6]byte{1, 2, 3, 4, 5, 6},
		TSDULength: uint16(tsduLen),
	}
}

func TestODATARoundTrip(t *testing.T) {
	tsdu := []byte("hello")
	o := ODATA{
		Header:    testHeader(TypeODATA, len(tsdu), 0),
		DataSqn:   0,
		DataTrail: 0,
		TSDU:      tsdu,
	}
	buf := make([]byte, o.TPDULen())
	n := PutODATA(buf, o)
	require.Equal(t, len(buf), n)

	got, err := ParseODATA(buf)
	require.NoError(t, err)
	require.Equal(t, o.DataSqn, got.DataSqn)
	require.Equal(t, o.DataTrail, got.DataTrail)
	require.Equal(t, tsdu, got.TSDU)
	require.Nil(t, got.Fragment)
}

func TestODATAFragmentRoundTrip(t *testing.T) {
	tsdu := []byte("ABCD")
	frag := OptFragment{Sqn: 0, FragOff: 0, FragLen: 8}
	o := ODATA{
		Header:    testHeader(TypeODATA, len(tsdu), OptPresent),
		DataSqn:   0,
		DataTrail: 0,
		Fragment:  &frag,
		TSDU:      tsdu,
	}
	buf := make([]byte, o.TPDULen())
	PutODATA(buf, o)

	got, err := ParseODATA(buf)
	require.NoError(t, err)
	require.NotNil(t, got.Fragment)
	require.Equal(t, frag, *got.Fragment)
	require.Equal(t, tsdu, got.TSDU)
}

func TestNAKRoundTripWithNakList(t *testing.T) {
	n := NAK{
		Header:    testHeader(TypeNAK, 0, OptPresent),
		NakSqn:    1,
		SourceNLA: NLAFromIP(net.IPv4(10, 0, 0, 1)),
		GroupNLA:  NLAFromIP(net.IPv4(239, 1, 1, 1)),
		NakList:   []uint32{2, 3, 4},
	}
	buf := make([]byte, n.TPDULen())
	PutNAK(buf, n)

	got, err := ParseNAK(buf)
	require.NoError(t, err)
	require.Equal(t, n.NakSqn, got.NakSqn)
	require.Equal(t, n.NakList, got.NakList)
	require.True(t, got.SourceNLA.Addr.Equal(n.SourceNLA.Addr))
}

func TestVerifyNAKRejectsWrongSourceNLA(t *testing.T) {
	n := NAK{
		Header:    testHeader(TypeNAK, 0, 0),
		NakSqn:    1,
		SourceNLA: NLAFromIP(net.IPv4(10, 0, 0, 99)),
		GroupNLA:  NLAFromIP(net.IPv4(239, 1, 1, 1)),
	}
	buf := make([]byte, n.TPDULen())
	PutNAK(buf, n)

	_, err := VerifyNAK(buf, Identity{
		Unicast: net.IPv4(10, 0, 0, 1),
		Group:   net.IPv4(239, 1, 1, 1),
	})
	require.Error(t, err)
}

func TestSPMRoundTrip(t *testing.T) {
	s := SPM{
		Header:  testHeader(TypeSPM, 0, 0),
		SpmSqn:  0,
		Trail:   0,
		Lead:    0,
		PathNLA: NLAFromIP(net.IPv4(10, 0, 0, 1)),
	}
	buf := make([]byte, s.TPDULen())
	PutSPM(buf, s)

	got, err := ParseSPM(buf)
	require.NoError(t, err)
	require.Equal(t, s.Trail, got.Trail)
	require.Equal(t, s.Lead, got.Lead)
}

func TestParseOptionsRejectsMissingOptLength(t *testing.T) {
	// A single OPT_FRAGMENT without a leading OPT_LENGTH.
	buf := make([]byte, 15)
	putOptFragment(buf, OptFragment{Sqn: 1, FragOff: 0, FragLen: 4}, true)

	_, err := ParseOptions(buf)
	require.Error(t, err)
}

func TestParseOptionsRejectsTruncatedChain(t *testing.T) {
	buf := make([]byte, 5)
	putOptLength(buf, 99, true) // declares a length far past the buffer
	_, err := ParseOptions(buf)
	require.Error(t, err)
}
