// Package pgm binds the wire codec, transmit window, FEC encoder, rate
// controller, and SPM/NAK state machines into the sender's public surface
// (§3.7/§3.8/§5): a Transport that applications Send APDUs through, a
// timer goroutine that drains retransmit requests and emits heartbeat
// SPMs, and a receive-side entry point that decodes incoming NAK/NNAK/
// SPMR packets. Socket operations go through a netio.Network chosen by the
// application (internal/netio supplies a default), and ReceiveLoop reads
// the bound socket for callers that do not run their own read loop; this
// package owns everything from "bytes to send" to "bytes on the wire".
package pgm

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pgmsend/core/internal/checksum"
	"github.com/pgmsend/core/internal/config"
	"github.com/pgmsend/core/internal/fec"
	"github.com/pgmsend/core/internal/metrics"
	"github.com/pgmsend/core/internal/nak"
	"github.com/pgmsend/core/internal/netio"
	"github.com/pgmsend/core/internal/pgmerr"
	"github.com/pgmsend/core/internal/pgmlog"
	"github.com/pgmsend/core/internal/ratelimit"
	"github.com/pgmsend/core/internal/spm"
	"github.com/pgmsend/core/internal/txw"
	"github.com/pgmsend/core/internal/wire"
)

// Wire-layout constants mirrored from internal/wire's PutODATA (its own
// per-option encodedLen helpers are unexported): the data_sqn/data_trail
// prefix, the mandatory OPT_LENGTH option, and OPT_FRAGMENT's header+body.
// Transport needs these to compute a record's FragOff and to estimate the
// wire length of an unsent APDU without building it first.
const (
	odataFixedLen    = 8  // data_sqn + data_trail
	optLengthLen     = 5  // 3-byte option header + 2-byte total_length
	optFragmentLen   = 15 // 3-byte option header + 12-byte body
)

// Flags re-exports ratelimit's send-flag type at the transport boundary so
// callers don't need to import internal/ratelimit directly.
type Flags = ratelimit.Flags

const (
	DontWait = ratelimit.DontWait
	WaitAll  = ratelimit.WaitAll
)

// sendResume is the mid-APDU resume state of §9 Design Notes: a dedicated
// value type owned by the send path, not package-level variables. It is
// populated when a fragment's rate check fails (RateLimited, or the
// context of a blocking check ends), and consumed by the next call into
// sendAPDU. Write failures do not populate it: flush swallows them.
type sendResume struct {
	active      bool
	apdu        []byte
	offset      int // offset of the next chunk not yet built/added to W
	fragSqn     uint32
	haveFragSqn bool
	fragmenting bool
	pending     []byte // already-built, already-in-W TPDU awaiting a wire send
	pendingLen  int     // TSDU length of pending, for statistics on retry
}

// Transport is Transport State (T) of §3: the bound, running instance of
// one PGM source. Build one with Open.
type Transport struct {
	cfg config.Config

	network  netio.Network
	conn     *net.UDPConn
	destAddr *net.UDPAddr

	id             wire.Identity
	headerTemplate wire.Header
	maxTSDU        int
	tgShift        uint
	txwSqns        uint32 // actual window capacity, possibly larger than cfg.TxwSqns per txw_secs
	pktinfoOOB     []byte // non-nil when NetworkInterface steers a specific egress interface/source

	w          *txw.Window
	bucket     *ratelimit.Bucket
	schedule   *spm.Schedule
	spmrPolicy *spm.ResponsePolicy
	nakHandler *nak.Handler
	fecEncoder *fec.Encoder // nil when RS is disabled (RSN == 0)

	stats *metrics.Counters
	log   *pgmlog.Logger

	sendMu sync.Mutex // serializes allocate-and-insert so data_sqn matches the assigned lead

	mu     sync.Mutex // transport mutex (§5): state, resume, SPMR bookkeeping
	state  config.State
	resume sendResume

	notifyRepair chan struct{}
	notifySPM    chan struct{}
	closeCh      chan struct{}
	wg           sync.WaitGroup
}

// Open binds cfg (already validated by config.Builder.Bind), opens a
// socket via network, joins the configured multicast group, and starts
// the timer and running state. network is usually netio.UDPNetwork{};
// tests substitute a fake.
func Open(cfg config.Config, network netio.Network, log *pgmlog.Logger) (*Transport, error) {
	localAddr := &net.UDPAddr{Port: int(cfg.SourcePort)}
	conn, err := network.Bind(localAddr)
	if err != nil {
		return nil, fmt.Errorf("pgm: open: %w", err)
	}

	groupIP := net.ParseIP(cfg.MulticastGroup)
	if groupIP == nil {
		conn.Close()
		return nil, fmt.Errorf("pgm: open: %w: multicast_group %q invalid", pgmerr.ErrInvalid, cfg.MulticastGroup)
	}
	if err := network.JoinGroup(conn, groupIP, cfg.NetworkInterface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pgm: open: %w", err)
	}
	if err := network.SetMulticastTTL(conn, 16); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pgm: open: %w", err)
	}

	unicastIP := localUnicastAddr(conn)
	id := wire.Identity{Unicast: unicastIP, Group: groupIP}

	var pktinfoOOB []byte
	if cfg.NetworkInterface != "" && netio.SupportsPktinfo() {
		iface, err := net.InterfaceByName(cfg.NetworkInterface)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("pgm: open: %w: interface %s: %v", pgmerr.ErrInvalid, cfg.NetworkInterface, err)
		}
		if err := network.EnablePktinfo(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("pgm: open: %w", err)
		}
		pktinfoOOB = netio.PktinfoOOB(iface.Index, unicastIP)
	}

	maxTSDU := cfg.MaxTPDU - wire.HeaderLen - odataFixedLen - optLengthLen - optFragmentLen
	if maxTSDU <= 0 {
		conn.Close()
		return nil, fmt.Errorf("pgm: open: %w: max_tpdu %d too small", pgmerr.ErrInvalid, cfg.MaxTPDU)
	}

	headerTemplate := wire.Header{
		SourcePort: cfg.SourcePort,
		DestPort:   cfg.DestPort,
		GSI:        cfg.GSI,
	}

	var fecEncoder *fec.Encoder
	var tgShift uint
	if cfg.RSN != 0 {
		fecEncoder, err = fec.New(int(cfg.RSK), int(cfg.RSN-cfg.RSK))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("pgm: open: %w", err)
		}
		tgShift = shiftFor(cfg.RSK)
	}

	txwSqns := effectiveTxwSqns(cfg)
	w := txw.New(txwSqns)
	w.Preallocate(cfg.TxwPreallocate)
	t := &Transport{
		cfg:            cfg,
		txwSqns:        txwSqns,
		network:        network,
		conn:           conn,
		destAddr:       &net.UDPAddr{IP: groupIP, Port: int(cfg.DestPort)},
		id:             id,
		headerTemplate: headerTemplate,
		maxTSDU:        maxTSDU,
		tgShift:        tgShift,
		pktinfoOOB:     pktinfoOOB,
		w:              w,
		bucket:         ratelimit.New(float64(cfg.TxwMaxRte), float64(cfg.TxwMaxRte)),
		schedule:       spm.New(cfg.HeartbeatSPMIntervals, cfg.AmbientSPMInterval),
		spmrPolicy:     spm.NewResponsePolicy(cfg.AmbientSPMInterval),
		stats:          &metrics.Counters{},
		log:            log,
		state:          config.StateOpen,
		notifyRepair:   make(chan struct{}, 1),
		notifySPM:      make(chan struct{}, 1),
		closeCh:        make(chan struct{}),
	}
	t.nakHandler = nak.New(w, id, nak.Config{
		HeaderTemplate: headerTemplate,
		OnDemandParity: cfg.UseOndemandParity,
		GroupShift:     tgShift,
		NParity:        nParityOf(cfg),
	})

	t.wg.Add(1)
	go t.timerLoop()
	return t, nil
}

// effectiveTxwSqns implements txw_secs (§6): when set, it derives a window
// capacity from the configured send rate and packet size instead of a raw
// sqn count, taking whichever of that and txw_sqns is larger so txw_secs
// only ever widens the window, never shrinks a capacity the operator
// asked for directly.
func effectiveTxwSqns(cfg config.Config) uint32 {
	if cfg.TxwSecs == 0 || cfg.MaxTPDU <= 0 {
		return cfg.TxwSqns
	}
	bySecs := uint64(cfg.TxwSecs) * cfg.TxwMaxRte / uint64(cfg.MaxTPDU)
	if bySecs <= uint64(cfg.TxwSqns) {
		return cfg.TxwSqns
	}
	if bySecs >= 1<<31-1 {
		return 1<<31 - 2
	}
	return uint32(bySecs)
}

func nParityOf(cfg config.Config) uint8 {
	if cfg.RSN == 0 {
		return 0
	}
	return cfg.RSN - cfg.RSK
}

// shiftFor returns the smallest shift such that 1<<shift >= k, so a
// transmission group holds exactly k original packets (tg_sqn_mask =
// ^0 << shift, per §3).
func shiftFor(k uint8) uint {
	shift := uint(0)
	for (uint32(1) << shift) < uint32(k) {
		shift++
	}
	return shift
}

func localUnicastAddr(conn *net.UDPConn) net.IP {
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil && !addr.IP.IsUnspecified() {
		return addr.IP
	}
	return net.IPv4(127, 0, 0, 1)
}

// Send implements §4.4's send(apdu, len): copy one APDU, fragmenting if it
// exceeds the negotiated max TSDU.
func (t *Transport) Send(ctx context.Context, apdu []byte, flags Flags) (int, error) {
	return t.sendAPDU(ctx, apdu, flags)
}

// SendOneCopy implements §4.4's single-packet fast path: apdu must fit in
// one TSDU.
func (t *Transport) SendOneCopy(ctx context.Context, apdu []byte, flags Flags) (int, error) {
	if len(apdu) > t.maxTSDU {
		return 0, fmt.Errorf("pgm: %w: %d bytes exceeds max_tsdu %d for send_one_copy", pgmerr.ErrOversize, len(apdu), t.maxTSDU)
	}
	return t.sendAPDU(ctx, apdu, flags)
}

// SendVector implements §4.4's send_vector: gathers iov into one logical
// APDU. If oneAPDU and the total fits in one TSDU, it is emitted as a
// single ODATA with one OPT_FRAGMENT-free packet; otherwise it fragments
// like Send.
func (t *Transport) SendVector(ctx context.Context, iov [][]byte, oneAPDU bool, flags Flags) (int, error) {
	total := 0
	for _, b := range iov {
		total += len(b)
	}
	apdu := make([]byte, 0, total)
	for _, b := range iov {
		apdu = append(apdu, b...)
	}
	return t.sendAPDU(ctx, apdu, flags)
}

// SendSkbVector implements §4.4's zero-copy entry point: skbs already
// carry header reservation from the caller's allocator. This
// implementation is not zero-copy: it hands skbs to SendVector, which
// gathers them into one contiguous APDU (Go's allocator doesn't give us
// the teacher's raw buffer-reuse trick) and sends it the same way.
func (t *Transport) SendSkbVector(ctx context.Context, skbs [][]byte, oneAPDU bool, flags Flags) (int, error) {
	return t.SendVector(ctx, skbs, oneAPDU, flags)
}

func (t *Transport) maxAPDU() int {
	return int(t.txwSqns) * t.maxTSDU
}

func (t *Transport) sendAPDU(ctx context.Context, apdu []byte, flags Flags) (int, error) {
	t.mu.Lock()
	if t.state == config.StateClosed {
		t.mu.Unlock()
		return 0, fmt.Errorf("pgm: %w", pgmerr.ErrClosed)
	}
	resume := t.resume
	t.resume = sendResume{}
	t.mu.Unlock()

	var offset int
	var fragSqn uint32
	var haveFragSqn bool
	var fragmenting bool

	if resume.active {
		apdu = resume.apdu
		offset = resume.offset
		fragSqn = resume.fragSqn
		haveFragSqn = resume.haveFragSqn
		fragmenting = resume.fragmenting
		if resume.pending != nil {
			if err := t.flush(ctx, resume.pending, resume.pendingLen, flags, false); err != nil {
				t.saveResume(apdu, offset, fragSqn, haveFragSqn, fragmenting, resume.pending, resume.pendingLen)
				return 0, err
			}
		}
	} else {
		if len(apdu) == 0 {
			return 0, fmt.Errorf("pgm: %w: empty apdu", pgmerr.ErrInvalid)
		}
		if len(apdu) > t.maxAPDU() {
			return 0, fmt.Errorf("pgm: %w: apdu of %d bytes exceeds window capacity", pgmerr.ErrOversize, len(apdu))
		}
		fragmenting = len(apdu) > t.maxTSDU
	}

	waitAll := flags&WaitAll != 0
	if waitAll && !resume.active {
		total := t.wireLenEstimate(len(apdu), fragmenting)
		if err := t.bucket.Check(ctx, total, flags); err != nil {
			return 0, err
		}
	}

	for offset < len(apdu) {
		chunkLen := len(apdu) - offset
		if chunkLen > t.maxTSDU {
			chunkLen = t.maxTSDU
		}
		chunk := apdu[offset : offset+chunkLen]

		sqn, tpdu := t.emitODATA(chunk, fragmenting, fragSqn, haveFragSqn, uint32(offset), uint32(len(apdu)))
		if !haveFragSqn {
			fragSqn = sqn
			haveFragSqn = true
		}

		if err := t.flush(ctx, tpdu, len(chunk), flags, waitAll); err != nil {
			t.saveResume(apdu, offset+chunkLen, fragSqn, haveFragSqn, fragmenting, tpdu, len(chunk))
			return offset, err
		}
		offset += chunkLen
	}

	t.schedule.ResetAfterODATA(time.Now())
	t.wakeSPM()
	return len(apdu), nil
}

func (t *Transport) saveResume(apdu []byte, offset int, fragSqn uint32, haveFragSqn, fragmenting bool, pending []byte, pendingLen int) {
	t.mu.Lock()
	t.resume = sendResume{
		active:      true,
		apdu:        apdu,
		offset:      offset,
		fragSqn:     fragSqn,
		haveFragSqn: haveFragSqn,
		fragmenting: fragmenting,
		pending:     pending,
		pendingLen:  pendingLen,
	}
	t.mu.Unlock()
}

// flush attempts the rate-limited wire send of one already-built,
// already-windowed TPDU. If skipCheck is set (the DONTWAIT|WAITALL batch
// reservation already consumed this packet's tokens up front), it writes
// unconditionally. A write failure after the record has entered W is
// swallowed per §7: the window itself is the durable record.
func (t *Transport) flush(ctx context.Context, tpdu []byte, dataLen int, flags Flags, skipCheck bool) error {
	if !skipCheck {
		if err := t.bucket.Check(ctx, len(tpdu), flags); err != nil {
			return err
		}
	}
	if _, err := t.writeTPDU(tpdu); err != nil {
		t.log.Debug("odata write failed: %v", err)
	}
	t.stats.AddBytesSent(uint64(len(tpdu)))
	t.stats.AddDataBytesSent(uint64(dataLen))
	t.stats.IncDataMessagesSent()
	return nil
}

// emitODATA allocates the next window slot under sendMu (so the embedded
// data_sqn always matches the sequence Add actually assigns), builds and
// checksums the TPDU, and populates the Packet Record.
func (t *Transport) emitODATA(chunk []byte, fragmenting bool, fragSqn uint32, haveFragSqn bool, fragOff, fragLen uint32) (uint32, []byte) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	trail := t.w.Trail()
	rec := t.w.NewRecord()
	sqn := t.w.Add(rec)

	h := t.headerTemplate
	h.Type = wire.TypeODATA
	h.TSDULength = uint16(len(chunk))

	var frag *wire.OptFragment
	fragOffInBuf := -1
	if fragmenting {
		sq := sqn
		if haveFragSqn {
			sq = fragSqn
		}
		frag = &wire.OptFragment{Sqn: sq, FragOff: fragOff, FragLen: fragLen}
		h.Options |= wire.OptPresent
	}

	o := wire.ODATA{Header: h, DataSqn: sqn, DataTrail: trail, Fragment: frag, TSDU: chunk}
	buf := make([]byte, o.TPDULen())
	wire.PutODATA(buf, o)
	dataOff := o.TPDULen() - len(chunk)
	if frag != nil {
		fragOffInBuf = wire.HeaderLen + odataFixedLen + optLengthLen
	}

	tsduSum := checksum.Partial(buf[dataOff:])
	headerSum := checksum.Partial(buf[:dataOff])
	binary.BigEndian.PutUint16(buf[6:8], checksum.Fold(checksum.BlockAdd(headerSum, tsduSum, dataOff)))

	rec.Buf = buf
	rec.DataOff = dataOff
	rec.FragOff = fragOffInBuf
	rec.TrueLen = len(chunk)
	rec.DataTrail = trail
	rec.Type = wire.TypeODATA
	rec.FirstTx = time.Now()
	rec.SetPartialChecksum(tsduSum)

	if t.fecEncoder != nil {
		t.maybeCloseGroupLocked(sqn)
	}
	return sqn, buf
}

// maybeCloseGroupLocked implements §4.4's proactive-parity trigger: once
// the last original sequence of a transmission group has been emitted, a
// parity request is pushed for that group if use_proactive_parity is set.
// Caller holds sendMu.
func (t *Transport) maybeCloseGroupLocked(sqn uint32) {
	if !t.cfg.UseProactiveParity {
		return
	}
	k := uint32(1) << t.tgShift
	if (sqn+1)&(k-1) != 0 {
		return
	}
	groupBase := sqn &^ (k - 1)
	if _, err := t.w.RetransmitPush(groupBase, true, t.tgShift, nParityOf(t.cfg)); err == nil {
		t.wakeRepair()
	}
}

func (t *Transport) wireLenEstimate(apduLen int, fragmenting bool) int {
	if !fragmenting {
		return wire.HeaderLen + odataFixedLen + apduLen
	}
	perFrag := wire.HeaderLen + odataFixedLen + optLengthLen + optFragmentLen
	n := (apduLen + t.maxTSDU - 1) / t.maxTSDU
	return n*perFrag + apduLen
}

func (t *Transport) writeTPDU(buf []byte) (int, error) {
	if t.pktinfoOOB != nil {
		return t.network.WriteMsgTo(t.conn, buf, t.pktinfoOOB, t.destAddr)
	}
	return t.network.WriteTo(t.conn, buf, t.destAddr)
}

func (t *Transport) wakeRepair() {
	select {
	case t.notifyRepair <- struct{}{}:
	default:
	}
}

func (t *Transport) wakeSPM() {
	select {
	case t.notifySPM <- struct{}{}:
	default:
	}
}

// timerLoop is the single timer thread of §5: it drains the retransmit
// queue on notification, services SPM deadlines, and exits (after one
// final drain) when the transport is closed.
func (t *Transport) timerLoop() {
	defer t.wg.Done()
	for {
		deadline := t.schedule.NextDeadline()
		wait := time.Until(deadline)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-t.closeCh:
			timer.Stop()
			t.drainRepairs()
			return
		case <-t.notifyRepair:
			timer.Stop()
			t.drainRepairs()
		case <-t.notifySPM:
			timer.Stop()
		case <-timer.C:
			t.sendSPM(DontWait)
			t.schedule.Advance(time.Now())
		}
	}
}

func (t *Transport) drainRepairs() {
	for {
		entry, ok := t.w.RetransmitTryPeek()
		if !ok {
			return
		}
		switch {
		case entry.Request.IsParity:
			t.emitParity(entry.Request)
		case entry.Record != nil:
			t.emitRDATA(entry.Record)
		default:
			t.stats.IncPacketsDiscarded()
		}
		t.w.RetransmitRemoveHead()
	}
}

// emitRDATA implements §4.6's timer-thread drain for a selective repair:
// rewrite type and data_trail in place, recombine the header checksum
// with the saved TSDU partial sum, and emit. The TSDU bytes themselves are
// untouched, preserving §8's retransmission-equality invariant.
func (t *Transport) emitRDATA(rec *txw.Record) {
	t.sendMu.Lock()
	trail := t.w.Trail()
	rec.DataTrail = trail
	rec.Type = wire.TypeRDATA
	buf := rec.Buf
	buf[4] = wire.TypeRDATA
	binary.BigEndian.PutUint32(buf[wire.HeaderLen+4:wire.HeaderLen+8], trail)
	buf[6], buf[7] = 0, 0
	headerSum := checksum.Partial(buf[:rec.DataOff])
	binary.BigEndian.PutUint16(buf[6:8], checksum.Fold(checksum.BlockAdd(headerSum, rec.PartialChecksum, rec.DataOff)))
	out := append([]byte(nil), buf...)
	t.sendMu.Unlock()

	if err := t.bucket.Check(context.Background(), len(out), DontWait|WaitAll); err != nil {
		return
	}
	if _, err := t.writeTPDU(out); err != nil {
		t.log.Debug("rdata write failed for sqn %d: %v", rec.Sqn, err)
	}
	t.stats.AddBytesRetransmitted(uint64(len(out)))
	t.stats.IncMessagesRetransmitted()
	t.schedule.ResetAfterODATA(time.Now())
}

// emitParity implements §4.7: gather the transmission group's k records,
// RS-encode parity index req.RSH, and emit it as an ODATA-typed packet
// with OPT_PARITY set.
func (t *Transport) emitParity(req txw.RepairRequest) {
	if t.fecEncoder == nil {
		t.stats.IncPacketsDiscarded()
		return
	}
	k := t.fecEncoder.K()
	group := fec.Group{Base: req.GroupBase, Records: make([]*txw.Record, k)}
	for i := 0; i < k; i++ {
		rec, err := t.w.Peek(req.GroupBase + uint32(i))
		if err != nil {
			t.stats.IncPacketsDiscarded()
			return
		}
		group.Records[i] = rec
	}

	tsdu, varPktLen, frag, err := t.fecEncoder.EncodeParity(group, int(req.RSH))
	if err != nil {
		t.log.Warn("parity encode failed for group base %d h=%d: %v", req.GroupBase, req.RSH, err)
		t.stats.IncPacketsDiscarded()
		return
	}

	h := t.headerTemplate
	h.Type = wire.TypeODATA
	h.Options = wire.OptPresent | wire.OptParity
	if varPktLen {
		h.Options |= wire.OptVarPkt
	}
	trail := t.w.Trail()
	o := wire.ODATA{
		Header:    h,
		DataSqn:   req.GroupBase | uint32(req.RSH),
		DataTrail: trail,
		Fragment:  frag,
		ParityGrp: &wire.OptParityGrp{N: uint8(k + t.fecEncoder.NParity()), K: uint8(k)},
		TSDU:      tsdu,
	}
	buf := make([]byte, o.TPDULen())
	wire.PutODATA(buf, o)
	dataOff := o.TPDULen() - len(tsdu)
	headerSum := checksum.Partial(buf[:dataOff])
	tsduSum := checksum.Partial(buf[dataOff:])
	binary.BigEndian.PutUint16(buf[6:8], checksum.Fold(checksum.BlockAdd(headerSum, tsduSum, dataOff)))

	if err := t.bucket.Check(context.Background(), len(buf), DontWait|WaitAll); err != nil {
		return
	}
	if _, err := t.writeTPDU(buf); err != nil {
		t.log.Debug("parity write failed for group base %d: %v", req.GroupBase, err)
	}
	t.stats.AddBytesRetransmitted(uint64(len(buf)))
	t.stats.IncMessagesRetransmitted()
	t.schedule.ResetAfterODATA(time.Now())
}

// sendSPM implements §4.5: advertise (trail, lead) and the path NLA. SPMs
// are rate-limited along with data.
func (t *Transport) sendSPM(flags Flags) {
	trail, lead := t.w.Snapshot()
	h := t.headerTemplate
	h.Type = wire.TypeSPM
	s := wire.SPM{
		Header:  h,
		SpmSqn:  t.schedule.AllocSqn(),
		Trail:   trail,
		Lead:    lead,
		PathNLA: wire.NLAFromIP(t.id.Unicast),
	}
	buf := make([]byte, s.TPDULen())
	wire.PutSPM(buf, s)
	binary.BigEndian.PutUint16(buf[6:8], checksum.Fold(checksum.Partial(buf)))

	if err := t.bucket.Check(context.Background(), len(buf), flags|DontWait); err != nil {
		return
	}
	if _, err := t.writeTPDU(buf); err != nil {
		t.log.Debug("spm write failed: %v", err)
	}
	t.stats.AddBytesSent(uint64(len(buf)))
}

// HandleIncoming dispatches one received control packet (NAK, NNAK, or
// SPMR) to its handler (§5's receive thread role). Codec and validation
// failures are never propagated to the caller (§7): they increment
// statistics and drop the packet.
func (t *Transport) HandleIncoming(buf []byte) {
	h, err := wire.ParseHeader(buf)
	if err != nil {
		t.stats.IncPacketsDiscarded()
		return
	}
	switch h.Type {
	case wire.TypeNAK:
		t.handleNAK(buf)
	case wire.TypeNNAK:
		t.handleNNAK(buf)
	case wire.TypeSPMR:
		t.handleSPMR(buf)
	default:
		t.stats.IncPacketsDiscarded()
	}
}

func (t *Transport) handleNAK(buf []byte) {
	res, err := t.nakHandler.Handle(buf)
	if err != nil {
		t.stats.IncMalformedNaks()
		t.stats.IncPacketsDiscarded()
		return
	}
	if res.IsParity {
		t.stats.IncParityNaksReceived()
	} else {
		t.stats.IncSelectiveNaksReceived()
	}
	if res.NCF != nil {
		t.emitNCF(*res.NCF)
	}
	if res.Notify {
		t.wakeRepair()
	}
}

func (t *Transport) handleNNAK(buf []byte) {
	if _, err := wire.VerifyNNAK(buf, t.id); err != nil {
		t.stats.IncMalformedNaks()
		t.stats.IncPacketsDiscarded()
		return
	}
	t.stats.IncNnakErrors()
}

func (t *Transport) handleSPMR(buf []byte) {
	if _, err := wire.VerifySPMR(buf); err != nil {
		t.stats.IncPacketsDiscarded()
		return
	}
	t.stats.IncSpmrReceived()
	if t.spmrPolicy.Observe(t.tsiString(), time.Now()) {
		t.sendSPM(DontWait)
		t.schedule.Advance(time.Now())
	}
}

func (t *Transport) tsiString() string {
	return fmt.Sprintf("%x.%d", t.headerTemplate.GSI, t.headerTemplate.SourcePort)
}

// emitNCF implements §4.6: NCF is not rate-limited.
func (t *Transport) emitNCF(n wire.NAK) {
	buf := make([]byte, n.TPDULen())
	wire.PutNAK(buf, n)
	binary.BigEndian.PutUint16(buf[6:8], checksum.Fold(checksum.Partial(buf)))
	if _, err := t.writeTPDU(buf); err != nil {
		t.log.Debug("ncf write failed: %v", err)
	}
	t.stats.AddBytesSent(uint64(len(buf)))
}

// ReceiveLoop reads incoming control packets off the bound socket and
// dispatches each one through HandleIncoming until ctx is cancelled or the
// transport is closed. It mirrors the teacher's own accept loop (a blocking
// conn.ReadFromUDP into a reusable buffer, fed straight into the per-packet
// handler) adapted to a source's receive-only role: this Transport only
// ever sees NAK/NNAK/SPMR traffic coming back from receivers.
func (t *Transport) ReceiveLoop(ctx context.Context) error {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closeCh:
			return nil
		default:
		}
		t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-t.closeCh:
				return nil
			default:
			}
			return fmt.Errorf("pgm: receive: %w", err)
		}
		t.HandleIncoming(append([]byte(nil), buf[:n]...))
	}
}

// Stats returns a point-in-time snapshot of the cumulative statistics
// counters of §6.
func (t *Transport) Stats() metrics.Snapshot {
	return t.stats.Snapshot()
}

// Counters exposes the underlying Counters for Prometheus registration
// (cmd/pgmsend wraps it in a metrics.Collector).
func (t *Transport) Counters() *metrics.Counters {
	return t.stats
}

// Close implements graceful shutdown (§5 cancellation policy, supplemented
// per SPEC_FULL.md §4): it flips to closed (subsequent Send calls fail
// with ErrClosed), then emits one final SPM with the current
// (trail, lead) so a receiver's last window view is accurate, signals the
// timer thread to drain Q once and exit, and closes the socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == config.StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = config.StateClosed
	t.mu.Unlock()

	t.sendSPM(DontWait)
	close(t.closeCh)
	t.wg.Wait()
	return t.conn.Close()
}
