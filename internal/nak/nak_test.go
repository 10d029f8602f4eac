package nak

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgmsend/core/internal/pgmerr"
	"github.com/pgmsend/core/internal/txw"
	"github.com/pgmsend/core/internal/wire"
)

func testIdentity() wire.Identity {
	return wire.Identity{
		Unicast: net.IPv4(10, 0, 0, 1),
		Group:   net.IPv4(239, 1, 1, 1),
	}
}

func testConfig() Config {
	return Config{
		HeaderTemplate: wire.Header{SourcePort: 7500, DestPort: 7500, GSI: [6]byte{1, 2, 3, 4, 5, 6}},
		OnDemandParity: true,
		GroupShift:     2,
		NParity:        2,
	}
}

func encodeNAK(n wire.NAK) []byte {
	buf := make([]byte, n.TPDULen())
	wire.PutNAK(buf, n)
	return buf
}

func TestHandleSelectiveNAKProducesNCFAndNotifies(t *testing.T) {
	w := txw.New(16)
	w.Add(&txw.Record{})

	h := New(w, testIdentity(), testConfig())
	buf := encodeNAK(wire.NAK{
		Header:    wire.Header{Type: wire.TypeNAK},
		NakSqn:    0,
		SourceNLA: wire.NLAFromIP(testIdentity().Unicast),
		GroupNLA:  wire.NLAFromIP(testIdentity().Group),
	})

	res, err := h.Handle(buf)
	require.NoError(t, err)
	require.NotNil(t, res.NCF)
	require.True(t, res.Notify)
	require.False(t, res.IsParity)
	require.Equal(t, uint32(0), res.NCF.NakSqn)
}

func TestHandleDuplicateNAKDoesNotNotifyTwice(t *testing.T) {
	w := txw.New(16)
	w.Add(&txw.Record{})

	h := New(w, testIdentity(), testConfig())
	buf := encodeNAK(wire.NAK{
		Header:    wire.Header{Type: wire.TypeNAK},
		NakSqn:    0,
		SourceNLA: wire.NLAFromIP(testIdentity().Unicast),
		GroupNLA:  wire.NLAFromIP(testIdentity().Group),
	})

	res1, err := h.Handle(buf)
	require.NoError(t, err)
	require.True(t, res1.Notify)

	res2, err := h.Handle(buf)
	require.NoError(t, err)
	require.NotNil(t, res2.NCF, "an NCF is still emitted for a duplicate NAK")
	require.False(t, res2.Notify, "a duplicate retransmit request must not re-notify the timer thread")
}

func TestHandleRejectsWrongSourceNLA(t *testing.T) {
	w := txw.New(16)
	w.Add(&txw.Record{})

	h := New(w, testIdentity(), testConfig())
	buf := encodeNAK(wire.NAK{
		Header:    wire.Header{Type: wire.TypeNAK},
		NakSqn:    0,
		SourceNLA: wire.NLAFromIP(net.IPv4(10, 0, 0, 99)),
		GroupNLA:  wire.NLAFromIP(testIdentity().Group),
	})

	res, err := h.Handle(buf)
	require.ErrorIs(t, err, pgmerr.ErrMalformed)
	require.True(t, res.Malformed)
	require.Nil(t, res.NCF)
}

func TestHandleCoalescedNAKWithOneExtraSqnGetsNakList(t *testing.T) {
	w := txw.New(16)
	w.Add(&txw.Record{})
	w.Add(&txw.Record{})

	h := New(w, testIdentity(), testConfig())
	buf := encodeNAK(wire.NAK{
		Header:    wire.Header{Type: wire.TypeNAK, Options: wire.OptPresent},
		NakSqn:    0,
		SourceNLA: wire.NLAFromIP(testIdentity().Unicast),
		GroupNLA:  wire.NLAFromIP(testIdentity().Group),
		NakList:   []uint32{1},
	})

	res, err := h.Handle(buf)
	require.NoError(t, err)
	require.NotNil(t, res.NCF)
	require.True(t, res.Notify)
	require.NotZero(t, res.NCF.Header.Options&wire.OptPresent,
		"a NAK carrying a primary sqn plus one OPT_NAK_LIST entry (total list of 2) must get OPT_NAK_LIST on its NCF")
	require.Equal(t, []uint32{1}, res.NCF.NakList)
}

func TestHandleRejectsParityNAKWhenDisabled(t *testing.T) {
	w := txw.New(16)
	w.Add(&txw.Record{})

	cfg := testConfig()
	cfg.OnDemandParity = false
	h := New(w, testIdentity(), cfg)

	buf := encodeNAK(wire.NAK{
		Header:    wire.Header{Type: wire.TypeNAK, Options: wire.OptParity},
		NakSqn:    0,
		SourceNLA: wire.NLAFromIP(testIdentity().Unicast),
		GroupNLA:  wire.NLAFromIP(testIdentity().Group),
	})

	res, err := h.Handle(buf)
	require.ErrorIs(t, err, pgmerr.ErrMalformed)
	require.True(t, res.Malformed)
}
