package transport

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/meshx/meshcore/internal/mailbox"
	"github.com/meshx/meshcore/internal/merr"
	"github.com/meshx/meshcore/internal/mesh"
	"github.com/meshx/meshcore/internal/platform"
	"github.com/meshx/meshcore/internal/seqiv"
)

// Config bounds the lower transport's timers and retry counts (spec §4.9,
// §5 resource bounds).
type Config struct {
	RetryBase       time.Duration // default 200ms, added to unicast retry interval
	RetryPerTTL     time.Duration // default 50ms, multiplied by ttl
	GroupRetryMin   time.Duration // default 20ms
	GroupRetryMax   time.Duration // default 50ms
	MaxRetries      int
	AckBase         time.Duration // default 150ms
	AckPerTTL       time.Duration // default 50ms
	IncompleteAfter time.Duration // default 10s
	MaxConcurrentTx int
	MaxConcurrentRx int
}

// DefaultConfig returns the spec's documented default timer values.
func DefaultConfig() Config {
	return Config{
		RetryBase:       200 * time.Millisecond,
		RetryPerTTL:     50 * time.Millisecond,
		GroupRetryMin:   20 * time.Millisecond,
		GroupRetryMax:   50 * time.Millisecond,
		MaxRetries:      4,
		AckBase:         150 * time.Millisecond,
		AckPerTTL:       50 * time.Millisecond,
		IncompleteAfter: 10 * time.Second,
		MaxConcurrentTx: 16,
		MaxConcurrentRx: 16,
	}
}

// TransmitFunc sends one already-framed lower transport PDU to dst at ttl,
// using sequence number seq for the network nonce (spec §4.8/§4.9 boundary:
// the network layer owns encryption, the lower transport owns
// segmentation and sequence allocation per segment).
type TransmitFunc func(seq uint32, dst uint16, ttl byte, ctl bool, lowerPDU []byte) error

// DeliverFunc is invoked once a (possibly segmented) PDU has been fully
// reassembled and authenticated downstream by the caller.
type DeliverFunc func(src uint16, dst uint16, ctl bool, akf bool, aid byte, seqAuth uint32, payload []byte)

type txState int

const (
	txIdle txState = iota
	txActive
	txPending
	txDone
	txFailed
)

type txTask struct {
	dst         uint16
	ctl         bool
	ttl         byte
	unicast     bool
	seqZero     uint16
	segments    [][]byte
	acked       []bool
	retriesLeft int
	state       txState
	onDone      func(error)
}

func (t *txTask) allAcked() bool {
	for _, a := range t.acked {
		if !a {
			return false
		}
	}
	return true
}

type rxTask struct {
	src        uint16
	seqAuth    uint32
	segN       byte
	notRecv    map[byte]bool
	blockAck   uint32
	buf        [][]byte
	ctl        bool
	akf        bool
	aid        byte
	ttl        byte
	lastActive time.Time
}

// Manager drives the per-destination TX tasks and per-source RX tasks
// (spec §4.9 "invariants: exactly one active TX task per destination;
// exactly one RX task per source").
type Manager struct {
	cfg      Config
	seq      *seqiv.Store
	elemAddr uint16
	timer    platform.Timer
	mbox     *mailbox.Mailbox
	transmit TransmitFunc
	deliver  DeliverFunc

	txTasks map[uint16]*txTask
	txQueue map[uint16][]*txTask
	rxTasks map[uint16]*rxTask
}

// New creates a Manager bound to one element's sequence-number source.
func New(cfg Config, seq *seqiv.Store, elemAddr uint16, timer platform.Timer, mbox *mailbox.Mailbox, transmit TransmitFunc, deliver DeliverFunc) *Manager {
	return &Manager{
		cfg:      cfg,
		seq:      seq,
		elemAddr: elemAddr,
		timer:    timer,
		mbox:     mbox,
		transmit: transmit,
		deliver:  deliver,
		txTasks:  make(map[uint16]*txTask),
		txQueue:  make(map[uint16][]*txTask),
		rxTasks:  make(map[uint16]*rxTask),
	}
}

func isUnicastAddr(a uint16) bool { return mesh.Address(a).IsUnicast() }

// segmentPayload splits payload into chunks of at most maxLen bytes.
func segmentPayload(payload []byte, maxLen int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for i := 0; i < len(payload); i += maxLen {
		end := i + maxLen
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, payload[i:end])
	}
	return out
}

// SubmitAccess starts (or queues) a TX task carrying an access-channel
// payload to dst.
func (m *Manager) SubmitAccess(dst uint16, ttl byte, akf bool, aid byte, payload []byte, onDone func(error)) error {
	maxLen := MaxUnsegAccessPayload
	segmented := len(payload) > maxLen
	if segmented {
		maxLen = MaxSegAccessPayload
	}
	chunks := segmentPayload(payload, maxLen)
	if len(chunks) > 32 {
		return fmt.Errorf("payload requires more than 32 segments: %w", merr.Length)
	}

	frames := make([][]byte, len(chunks))
	seqZero := uint16(0) // filled once the first segment's seq is known
	for i, c := range chunks {
		var f []byte
		var err error
		if !segmented {
			f, err = EncodeAccessFrame(AccessFrame{AKF: akf, AID: aid, Payload: c})
		} else {
			f, err = EncodeAccessFrame(AccessFrame{
				Segmented: true, AKF: akf, AID: aid,
				SZMIC: len(payload) > MaxUnsegAccessPayload, SeqZero: seqZero,
				SegO: byte(i), SegN: byte(len(chunks) - 1), Payload: c,
			})
		}
		if err != nil {
			return err
		}
		frames[i] = f
	}
	return m.submit(dst, ttl, false, frames, len(chunks)-1, onDone)
}

// SubmitControl starts a TX task carrying a control-channel payload.
func (m *Manager) SubmitControl(dst uint16, ttl byte, opcode byte, payload []byte, onDone func(error)) error {
	maxLen := MaxUnsegControlPayload
	segmented := len(payload) > maxLen
	if segmented {
		maxLen = MaxSegControlPayload
	}
	chunks := segmentPayload(payload, maxLen)
	frames := make([][]byte, len(chunks))
	for i, c := range chunks {
		var f []byte
		var err error
		if !segmented {
			f, err = EncodeControlFrame(ControlFrame{Opcode: opcode, Payload: c})
		} else {
			f, err = EncodeControlFrame(ControlFrame{
				Segmented: true, Opcode: opcode, SeqZero: 0,
				SegO: byte(i), SegN: byte(len(chunks) - 1), Payload: c,
			})
		}
		if err != nil {
			return err
		}
		frames[i] = f
	}
	return m.submit(dst, ttl, true, frames, len(chunks)-1, onDone)
}

func (m *Manager) submit(dst uint16, ttl byte, ctl bool, frames [][]byte, segN int, onDone func(error)) error {
	if existing, ok := m.txTasks[dst]; ok && existing.state == txActive {
		if len(m.txQueue[dst]) >= m.cfg.MaxConcurrentTx {
			return fmt.Errorf("tx queue for dst 0x%04x full: %w", dst, merr.Resource)
		}
		t := &txTask{dst: dst, ctl: ctl, ttl: ttl, unicast: isUnicastAddr(dst),
			segments: frames, acked: make([]bool, len(frames)), retriesLeft: m.cfg.MaxRetries, state: txPending, onDone: onDone}
		m.txQueue[dst] = append(m.txQueue[dst], t)
		return nil
	}
	t := &txTask{dst: dst, ctl: ctl, ttl: ttl, unicast: isUnicastAddr(dst),
		segments: frames, acked: make([]bool, len(frames)), retriesLeft: m.cfg.MaxRetries, state: txActive, onDone: onDone}
	m.txTasks[dst] = t
	return m.sendUnacked(t)
}

func (m *Manager) sendUnacked(t *txTask) error {
	for i, frame := range t.segments {
		if t.acked[i] {
			continue
		}
		seq, err := m.seq.SeqUse(m.elemAddr)
		if err != nil {
			m.finish(t, err)
			return err
		}
		if err := m.transmit(seq, t.dst, t.ttl, t.ctl, frame); err != nil {
			slog.Warn("transport: segment send failed", "dst", t.dst, "segment", i, "err", err)
		}
	}
	m.armRetryTimer(t)
	return nil
}

func (m *Manager) armRetryTimer(t *txTask) {
	var d time.Duration
	if t.unicast {
		d = m.cfg.RetryBase + time.Duration(t.ttl)*m.cfg.RetryPerTTL
	} else {
		span := m.cfg.GroupRetryMax - m.cfg.GroupRetryMin
		if span <= 0 {
			d = m.cfg.GroupRetryMin
		} else {
			d = m.cfg.GroupRetryMin + time.Duration(rand.Int63n(int64(span)))
		}
	}
	dst := t.dst
	h, err := m.timer.Create(platform.TimerOneShot, func(any) {
		m.mbox.Post(mailbox.Message{Kind: mailbox.KindLowerTxRetry, Payload: dst})
	}, nil)
	if err != nil {
		slog.Warn("transport: retry timer create failed", "err", err)
		return
	}
	_ = m.timer.Start(h, d)
}

// OnRetryTimer handles a KindLowerTxRetry mailbox message.
func (m *Manager) OnRetryTimer(dst uint16) {
	t, ok := m.txTasks[dst]
	if !ok || t.state != txActive {
		return
	}
	if t.retriesLeft <= 0 {
		if t.unicast {
			m.finish(t, fmt.Errorf("retries exhausted: %w", merr.Timeout))
		} else {
			m.finish(t, nil) // group/virtual destinations complete regardless (spec §4.9 TX state machine)
		}
		return
	}
	t.retriesLeft--
	_ = m.sendUnacked(t)
}

// OnAck handles an inbound Segment Acknowledgment from src, addressed to
// one of our TX tasks.
func (m *Manager) OnAck(src uint16, blockAck uint32) {
	t, ok := m.txTasks[src]
	if !ok || t.state != txActive {
		return
	}
	if blockAck == 0 {
		m.finish(t, fmt.Errorf("peer cancelled transfer: %w", merr.Stop))
		return
	}
	for i := range t.acked {
		if blockAck&(1<<uint(i)) != 0 {
			t.acked[i] = true
		}
	}
	if t.allAcked() {
		m.finish(t, nil)
		return
	}
	// Partial ack: retransmit only the missing segments immediately.
	_ = m.sendUnacked(t)
}

func (m *Manager) finish(t *txTask, err error) {
	if err != nil {
		t.state = txFailed
	} else {
		t.state = txDone
	}
	delete(m.txTasks, t.dst)
	if t.onDone != nil {
		t.onDone(err)
	}
	if queue := m.txQueue[t.dst]; len(queue) > 0 {
		next := queue[0]
		m.txQueue[t.dst] = queue[1:]
		next.state = txActive
		m.txTasks[t.dst] = next
		_ = m.sendUnacked(next)
	}
}

// OnSegment handles one inbound lower transport segment already stripped
// of network encryption (spec §4.9 RX state machine). seq is the network
// layer's SEQ field for this arrival.
func (m *Manager) OnSegment(src uint16, ttl byte, ctl bool, akf bool, aid byte, seg *AccessFrame, ctlSeg *ControlFrame, seq uint32) {
	var segO, segN byte
	var seqZero uint16
	var payload []byte
	segmented := false
	if seg != nil {
		segmented = seg.Segmented
		segO, segN, seqZero, payload = seg.SegO, seg.SegN, seg.SeqZero, seg.Payload
	} else if ctlSeg != nil {
		segmented = ctlSeg.Segmented
		segO, segN, seqZero, payload = ctlSeg.SegO, ctlSeg.SegN, ctlSeg.SeqZero, ctlSeg.Payload
	}

	if !segmented {
		m.deliver(src, 0, ctl, akf, aid, seq, payload)
		return
	}

	if segO > segN {
		return // malformed segment index
	}
	seqAuth := ReconstructSeqAuth(seqZero, seq)
	existing, ok := m.rxTasks[src]
	if ok && existing.seqAuth > seqAuth {
		return // superseded: drop, ack nothing
	}
	if ok && existing.seqAuth == seqAuth {
		if existing.notRecv[segO] {
			existing.notRecv[segO] = false
			if int(segO) < len(existing.buf) {
				existing.buf[segO] = payload
			}
			existing.lastActive = time.Now()
		}
		m.maybeCompleteRx(existing, akf, aid)
		return
	}

	if len(m.rxTasks) >= m.cfg.MaxConcurrentRx {
		slog.Warn("transport: rx task table full, dropping new source", "src", src)
		return
	}
	rt := &rxTask{
		src: src, seqAuth: seqAuth, segN: segN, ctl: ctl, akf: akf, aid: aid, ttl: ttl,
		notRecv: make(map[byte]bool), buf: make([][]byte, int(segN)+1), lastActive: time.Now(),
	}
	for i := byte(0); i <= segN; i++ {
		rt.notRecv[i] = true
	}
	rt.notRecv[segO] = false
	rt.buf[segO] = payload
	m.rxTasks[src] = rt
	m.maybeCompleteRx(rt, akf, aid)
}

// HandleInbound decodes lowerPDU (already network-decrypted) and routes it
// to the ack handler, or to the RX reassembly path, per spec §4.9. seq is
// the network layer's SEQ field for this arrival.
func (m *Manager) HandleInbound(src uint16, ttl byte, ctl bool, seq uint32, lowerPDU []byte) error {
	if ctl {
		cf, err := DecodeControlFrame(lowerPDU)
		if err != nil {
			return err
		}
		if !cf.Segmented && cf.Opcode == SegmentAckOpcode {
			_, _, blockAck, err := DecodeSegmentAck(cf)
			if err != nil {
				return err
			}
			m.OnAck(src, blockAck)
			return nil
		}
		m.OnSegment(src, ttl, ctl, false, 0, nil, cf, seq)
		return nil
	}
	af, err := DecodeAccessFrame(lowerPDU)
	if err != nil {
		return err
	}
	m.OnSegment(src, ttl, ctl, af.AKF, af.AID, af, nil, seq)
	return nil
}

func (m *Manager) blockAckFor(rt *rxTask) uint32 {
	var mask uint32
	for i := byte(0); i <= rt.segN; i++ {
		if !rt.notRecv[i] {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

func (m *Manager) maybeCompleteRx(rt *rxTask, akf bool, aid byte) {
	for _, missing := range rt.notRecv {
		if missing {
			return
		}
	}
	full := make([]byte, 0)
	for _, chunk := range rt.buf {
		full = append(full, chunk...)
	}
	mask := m.blockAckFor(rt)
	if payload, err := segmentAckPayload(false, uint16(rt.seqAuth&0x1FFF), mask); err == nil {
		_ = m.SubmitControl(rt.src, rt.ttl, SegmentAckOpcode, payload, nil)
	}
	m.deliver(rt.src, 0, rt.ctl, akf, aid, rt.seqAuth, full)
	delete(m.rxTasks, rt.src)
}

// SweepIncomplete abandons RX tasks that have received no new segment
// within IncompleteAfter (spec §4.9 "Incomplete timer (10s of no new
// segments) abandons the task"). Called once a second from the node's run
// loop.
func (m *Manager) SweepIncomplete(now time.Time) {
	for src, rt := range m.rxTasks {
		if now.Sub(rt.lastActive) >= m.cfg.IncompleteAfter {
			delete(m.rxTasks, src)
		}
	}
}

// TxTaskCount exposes the number of active/pending TX tasks, for tests and
// diagnostics.
func (m *Manager) TxTaskCount() int { return len(m.txTasks) }

// RxTaskCount exposes the number of open RX tasks.
func (m *Manager) RxTaskCount() int { return len(m.rxTasks) }
