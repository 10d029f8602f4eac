package pgm

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/reedsolomon"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/pgmsend/core/internal/config"
	"github.com/pgmsend/core/internal/pgmerr"
	"github.com/pgmsend/core/internal/pgmlog"
	"github.com/pgmsend/core/internal/wire"
)

// fakeNetwork is a netio.Network collaborator that writes to an in-memory
// channel instead of a real socket, so transport tests don't need root
// privileges or an actual multicast-capable interface.
type fakeNetwork struct {
	mu  sync.Mutex
	out [][]byte
}

func (f *fakeNetwork) Bind(localAddr *net.UDPAddr) (*net.UDPConn, error) {
	return net.ListenUDP("udp4", &net.UDPAddr{})
}

func (f *fakeNetwork) JoinGroup(conn *net.UDPConn, group net.IP, iface string) error { return nil }
func (f *fakeNetwork) SetMulticastTTL(conn *net.UDPConn, ttl int) error              { return nil }
func (f *fakeNetwork) SetMulticastLoop(conn *net.UDPConn, loop bool) error           { return nil }

func (f *fakeNetwork) WriteTo(conn *net.UDPConn, b []byte, addr *net.UDPAddr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), b...)
	f.out = append(f.out, cp)
	return len(b), nil
}

func (f *fakeNetwork) EnablePktinfo(conn *net.UDPConn) error { return nil }

func (f *fakeNetwork) WriteMsgTo(conn *net.UDPConn, b, oob []byte, addr *net.UDPAddr) (int, error) {
	return f.WriteTo(conn, b, addr)
}

func (f *fakeNetwork) packets() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.out))
	copy(out, f.out)
	return out
}

func (f *fakeNetwork) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = nil
}

func testTransport(t *testing.T, cfg config.Config) (*Transport, *fakeNetwork) {
	t.Helper()
	net := &fakeNetwork{}
	log := pgmlog.New(logrus.ErrorLevel)
	tr, err := Open(cfg, net, log)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr, net
}

func baseConfig() config.Config {
	cfg := config.Default()
	cfg.MulticastGroup = "239.1.2.3"
	cfg.SourcePort = 7600
	cfg.DestPort = 7600
	cfg.AmbientSPMInterval = time.Hour // keep the heartbeat out of the way of assertions
	cfg.HeartbeatSPMIntervals = []time.Duration{0, time.Hour, 0}
	cfg.TxwSqns = 32
	cfg.TxwPreallocate = 32
	cfg.TxwMaxRte = 10_000_000
	cfg.MaxTPDU = 1500
	return cfg
}

func TestSendSingleSmallAPDU(t *testing.T) {
	tr, net := testTransport(t, baseConfig())

	n, err := tr.Send(context.Background(), []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	pkts := net.packets()
	require.Len(t, pkts, 1)

	o, err := wire.ParseODATA(pkts[0])
	require.NoError(t, err)
	require.Equal(t, wire.TypeODATA, o.Header.Type)
	require.EqualValues(t, 0, o.DataSqn)
	require.EqualValues(t, 0, o.DataTrail)
	require.Equal(t, []byte("hello"), o.TSDU)
}

func TestSendFragmentsOversizedAPDU(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxTPDU = wire.HeaderLen + odataFixedLen + optLengthLen + optFragmentLen + 4 // max_tsdu == 4
	tr, net := testTransport(t, cfg)

	n, err := tr.Send(context.Background(), []byte("ABCDEFGH"), 0)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	pkts := net.packets()
	require.Len(t, pkts, 2)

	first, err := wire.ParseODATA(pkts[0])
	require.NoError(t, err)
	second, err := wire.ParseODATA(pkts[1])
	require.NoError(t, err)

	require.NotNil(t, first.Fragment)
	require.NotNil(t, second.Fragment)
	require.EqualValues(t, first.DataSqn, first.Fragment.Sqn)
	require.EqualValues(t, first.DataSqn, second.Fragment.Sqn)
	require.EqualValues(t, 8, first.Fragment.FragLen)
	require.EqualValues(t, 0, first.Fragment.FragOff)
	require.EqualValues(t, 4, second.Fragment.FragOff)
	require.Equal(t, []byte("ABCD"), first.TSDU)
	require.Equal(t, []byte("EFGH"), second.TSDU)
}

func TestNAKProducesNCFThenRDATA(t *testing.T) {
	tr, net := testTransport(t, baseConfig())

	_, err := tr.Send(context.Background(), []byte("payload1"), 0)
	require.NoError(t, err)
	net.reset()

	nak := wire.NAK{
		Header:    wire.Header{SourcePort: tr.headerTemplate.SourcePort, DestPort: tr.headerTemplate.DestPort, Type: wire.TypeNAK, GSI: tr.headerTemplate.GSI},
		NakSqn:    0,
		SourceNLA: wire.NLAFromIP(tr.id.Unicast),
		GroupNLA:  wire.NLAFromIP(tr.id.Group),
	}
	buf := make([]byte, nak.TPDULen())
	wire.PutNAK(buf, nak)

	tr.HandleIncoming(buf)
	require.Eventually(t, func() bool { return len(net.packets()) >= 1 }, time.Second, time.Millisecond)

	ncfPkt := net.packets()[0]
	h, err := wire.ParseHeader(ncfPkt)
	require.NoError(t, err)
	require.Equal(t, wire.TypeNCF, h.Type)

	require.Eventually(t, func() bool { return len(net.packets()) >= 2 }, time.Second, time.Millisecond)
	rdataPkt := net.packets()[1]
	rh, err := wire.ParseHeader(rdataPkt)
	require.NoError(t, err)
	require.Equal(t, wire.TypeRDATA, rh.Type)

	snap := tr.Stats()
	require.EqualValues(t, 1, snap.SelectiveNaksReceived)
	require.EqualValues(t, 1, snap.MessagesRetransmitted)
}

func TestMalformedNAKWrongSourceIsDropped(t *testing.T) {
	tr, net := testTransport(t, baseConfig())
	_, err := tr.Send(context.Background(), []byte("x"), 0)
	require.NoError(t, err)
	net.reset()

	nak := wire.NAK{
		Header:    wire.Header{SourcePort: tr.headerTemplate.SourcePort, DestPort: tr.headerTemplate.DestPort, Type: wire.TypeNAK, GSI: tr.headerTemplate.GSI},
		NakSqn:    0,
		SourceNLA: wire.NLAFromIP(net2IP("10.0.0.9")),
		GroupNLA:  wire.NLAFromIP(tr.id.Group),
	}
	buf := make([]byte, nak.TPDULen())
	wire.PutNAK(buf, nak)

	tr.HandleIncoming(buf)
	time.Sleep(20 * time.Millisecond)

	require.Empty(t, net.packets())
	snap := tr.Stats()
	require.EqualValues(t, 1, snap.MalformedNaks)
	require.EqualValues(t, 1, snap.PacketsDiscarded)
}

func TestSendRejectedByRateLimitWritesNothing(t *testing.T) {
	cfg := baseConfig()
	cfg.TxwMaxRte = 1 // 1 byte/sec, burst of 1 byte: far too small for any packet
	tr, net := testTransport(t, cfg)

	n, err := tr.Send(context.Background(), []byte("hello"), DontWait|WaitAll)
	require.ErrorIs(t, err, pgmerr.ErrRateLimited)
	require.Equal(t, 0, n)
	require.Empty(t, net.packets(), "a rejected atomic-batch reservation must not put anything on the wire")
}

func TestProactiveParityEmitsOneParityPacketMatchingRSEncoding(t *testing.T) {
	cfg := baseConfig()
	cfg.RSN = 3
	cfg.RSK = 2
	cfg.UseProactiveParity = true
	tr, net := testTransport(t, cfg)

	msg0 := []byte("AAAAA")
	msg1 := []byte("BBBBB")
	_, err := tr.Send(context.Background(), msg0, 0)
	require.NoError(t, err)
	_, err = tr.Send(context.Background(), msg1, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(net.packets()) >= 3 }, time.Second, time.Millisecond)
	pkts := net.packets()
	require.Len(t, pkts, 3, "closing the first transmission group must emit exactly one proactive parity packet")

	var parityPkt *wire.ODATA
	for _, p := range pkts {
		h, err := wire.ParseHeader(p)
		require.NoError(t, err)
		if h.Options&wire.OptParity == 0 {
			continue
		}
		require.Nil(t, parityPkt, "exactly one of the three packets must carry OPT_PARITY")
		o, err := wire.ParseODATA(p)
		require.NoError(t, err)
		parityPkt = &o
	}
	require.NotNil(t, parityPkt, "the transmission group's close must produce a parity packet")
	require.Equal(t, wire.TypeODATA, parityPkt.Header.Type)

	shards := [][]byte{
		append([]byte(nil), msg0...),
		append([]byte(nil), msg1...),
		make([]byte, len(msg0)),
	}
	enc, err := reedsolomon.New(2, 1)
	require.NoError(t, err)
	require.NoError(t, enc.Encode(shards))

	require.Equal(t, shards[2], parityPkt.TSDU,
		"the parity packet's TSDU must equal the RS-encoded combination of the group's data packets")
}

func net2IP(s string) net.IP { return net.ParseIP(s) }
