/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package transport assembles the sender, receiver, scheduler, dispatch
// and socket packages into the external Transport API spec.md §6
// describes (create/bind/send/recv/select_info/destroy). Its Create
// and Bind split, and its read-loop-feeding-a-buffered-channel shape,
// are grounded on the teacher's Client (ptp/sptp/client/client.go
// newClient/inChan) and Server.Start (ptp/ptp4u/server/server.go).
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facebookincubator/pgm/dispatch"
	"github.com/facebookincubator/pgm/peer"
	"github.com/facebookincubator/pgm/pgmerr"
	"github.com/facebookincubator/pgm/ratelimit"
	"github.com/facebookincubator/pgm/receiver"
	"github.com/facebookincubator/pgm/scheduler"
	"github.com/facebookincubator/pgm/sender"
	"github.com/facebookincubator/pgm/sock"
	"github.com/facebookincubator/pgm/stats"
	"github.com/facebookincubator/pgm/window"
	"github.com/facebookincubator/pgm/wire"
)

// Config holds every transport parameter spec.md §3 "DATA MODEL" and §6
// name, fixed at Create and consumed by Bind.
type Config struct {
	Interface string
	LocalIP   net.IP
	Group     net.IP
	Port      int
	TTL       int
	DSCP      int

	SourcePort uint16

	CanSend bool
	CanRecv bool
	Passive bool // set_recv_only(passive=true): drop NAK emission entirely

	MaxTPDU            int
	HeaderOverhead     int
	TxWindowCapacity   uint32
	SPMAmbientInterval time.Duration
	HeartbeatIntervals []time.Duration

	NakBOIvl       time.Duration
	NakRptIvl      time.Duration
	NakRDataIvl    time.Duration
	NakNCFRetries  int
	NakDataRetries int
	SPMRExpiry     time.Duration
	PeerExpiry     time.Duration
	PollMax        time.Duration

	// FEC parameters (spec §6 set_fec): RSK/RSH are the Reed-Solomon (k,
	// h) pair, TGSqnShift is log2(transmission group size).
	UseProactiveParity bool
	UseOndemandParity  bool
	RSK                int
	RSH                int
	TGSqnShift         uint

	RateBytesPerSec int64
	RateBurstBytes  int64

	FreeCommittedKeep uint32

	// InboxSize bounds the delivered-payload channel Recv/RecvMsgv reads
	// from; a full inbox sheds the oldest delivery rather than blocking
	// the read loop (spec §4.F "waiting-list discipline" assumes the
	// application keeps pace, but a bounded channel keeps one slow
	// consumer from wedging packet intake).
	InboxSize int

	ReadBufSize int
}

func (c Config) withDefaults() Config {
	if c.PollMax <= 0 {
		c.PollMax = 30 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.ReadBufSize <= 0 {
		c.ReadBufSize = 65536
	}
	if c.TxWindowCapacity == 0 {
		c.TxWindowCapacity = 4096
	}
	return c
}

// Delivery is one readv result handed to an application reader, keyed
// by the upstream source that produced it (spec §4.C "readv(...) →
// bytes_consumed", §3 "per-peer receive window").
type Delivery struct {
	TSI     wire.TSI
	Payload []byte
	Lost    []uint32
}

// Transport is the bound, running PGM session: one local send state
// plus a table of observed upstream peers (spec §3 "DATA MODEL").
type Transport struct {
	cfg Config

	gsi wire.GSI

	conn  *sock.Conn
	send  *sender.Sender
	txWin *window.Transmit
	rl    *ratelimit.Limiter

	engine *receiver.Engine
	peers  *peer.Table

	sched *scheduler.Scheduler
	disp  *dispatch.Dispatcher
	Stats *stats.Stats

	inbox chan Delivery

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	mu     sync.Mutex
	bound  bool
	closed bool

	// pendingSend holds the not-yet-written fragments of an in-flight
	// SendDontwait APDU (spec §6 "Non-blocking partial APDU" /
	// send_pkt_dontwait): fragmentation and transmit-window admission
	// already happened by the time a write would block, so resuming
	// only needs to retry the remaining marshaled packets.
	pendingSend [][]byte
}

// connTransmitter adapts sock.Conn's WriteTo to the Send(pkt, dst,
// routerAlert) shape scheduler/dispatch expect of their Transmitter
// collaborator.
type connTransmitter struct{ c *sock.Conn }

func (t connTransmitter) Send(pkt []byte, dst wire.NLA, routerAlert bool) error {
	return t.c.WriteTo(pkt, dst, routerAlert)
}

// Create builds a Transport from a GSI (pgm_transport_create takes a
// TSI; the GSI half is this process's session identity, the source
// port is cfg.SourcePort). The transport is not yet bound to a socket.
func Create(cfg Config, gsi wire.GSI) (*Transport, error) {
	cfg = cfg.withDefaults()
	if !cfg.CanSend && !cfg.CanRecv {
		return nil, fmt.Errorf("transport: %w: at least one of CanSend, CanRecv must be set", pgmerr.ErrInvalidArgument)
	}

	t := &Transport{cfg: cfg, gsi: gsi, Stats: stats.New()}

	if cfg.CanSend {
		t.txWin = window.NewTransmit(cfg.TxWindowCapacity)
		t.rl = ratelimit.New(cfg.RateBytesPerSec, cfg.RateBurstBytes)
		s, err := sender.New(sender.Config{
			MaxTPDU:            cfg.MaxTPDU,
			HeaderOverhead:     cfg.HeaderOverhead,
			SPMAmbientInterval: cfg.SPMAmbientInterval,
			HeartbeatIntervals: cfg.HeartbeatIntervals,
			UseProactiveParity: cfg.UseProactiveParity,
			UseOndemandParity:  cfg.UseOndemandParity,
			RSK:                cfg.RSK,
			RSH:                cfg.RSH,
			TGSqnShift:         cfg.TGSqnShift,
		}, t.txWin, t.rl)
		if err != nil {
			return nil, err
		}
		s.GSI = gsi
		s.SourcePort = cfg.SourcePort
		t.send = s
	}

	if cfg.CanRecv {
		t.engine = receiver.New(receiver.Config{
			NakBOIvl:          cfg.NakBOIvl,
			NakRptIvl:         cfg.NakRptIvl,
			NakRDataIvl:       cfg.NakRDataIvl,
			NakNCFRetries:     cfg.NakNCFRetries,
			NakDataRetries:    cfg.NakDataRetries,
			SPMRExpiry:        cfg.SPMRExpiry,
			UseOndemandParity: cfg.UseOndemandParity,
			RSK:               cfg.RSK,
			TGSqnShift:        cfg.TGSqnShift,
		})
		t.peers = peer.NewTable()
	}

	t.inbox = make(chan Delivery, cfg.InboxSize)
	return t, nil
}

// Bind joins the multicast group and starts the scheduler and read
// loop (spec §6 "bind()"). It is the counterpart of Destroy.
func (t *Transport) Bind(ctx context.Context) error {
	t.mu.Lock()
	if t.bound {
		t.mu.Unlock()
		return fmt.Errorf("transport: %w: already bound", pgmerr.ErrInvalidArgument)
	}
	t.bound = true
	t.mu.Unlock()

	conn, err := sock.Bind(sock.Config{
		Interface:   t.cfg.Interface,
		LocalIP:     t.cfg.LocalIP,
		Group:       t.cfg.Group,
		Port:        t.cfg.Port,
		TTL:         t.cfg.TTL,
		DSCP:        t.cfg.DSCP,
		RouterAlert: true,
	})
	if err != nil {
		return fmt.Errorf("transport: bind: %w", err)
	}
	t.conn = conn

	localNLA := wire.NLAFromIP(t.cfg.LocalIP)
	groupNLA := wire.NLAFromIP(t.cfg.Group)
	if t.send != nil {
		t.send.NLA = localNLA
		t.send.GroupNLA = groupNLA
		t.send.DestPort = t.cfg.SourcePort
		t.send.ArmAmbient(time.Now())
	}

	tx := connTransmitter{c: conn}
	t.sched = scheduler.New(scheduler.Config{
		CanSend:         t.cfg.CanSend,
		CanRecv:         t.cfg.CanRecv && !t.cfg.Passive,
		LocalGSI:        t.gsi,
		LocalSourcePort: t.cfg.SourcePort,
		MulticastGroup:  groupNLA,
		PeerExpiry:      t.cfg.PeerExpiry,
		PollMax:         t.cfg.PollMax,
	}, t.send, t.engine, t.peers, tx, t.Stats)

	t.disp = dispatch.New(dispatch.Config{
		LocalTSI:           wire.TSI{GSI: t.gsi, SourcePort: t.cfg.SourcePort},
		LocalNLA:           localNLA,
		GroupNLA:           groupNLA,
		CanSend:            t.cfg.CanSend,
		CanRecv:            t.cfg.CanRecv,
		UseOndemandParity:  t.cfg.UseOndemandParity,
		UseProactiveParity: t.cfg.UseProactiveParity,
		RSK:                t.cfg.RSK,
		RSH:                t.cfg.RSH,
		TGSqnShift:         t.cfg.TGSqnShift,
		FreeCommittedKeep:  t.cfg.FreeCommittedKeep,
	}, t.send, t.engine, t.peers, t.sched, tx, t.Stats)

	ctx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(ctx)
	t.ctx = egCtx
	t.cancel = cancel
	t.eg = eg

	t.sched.Start(ctx)
	if t.cfg.CanRecv {
		t.eg.Go(t.readLoop)
	}
	return nil
}

// readLoop is the datagram intake side of spec §4.A "Packet I/O": read,
// classify via Dispatch, then drain every peer whose window advanced.
// It returns nil on an orderly shutdown (ctx canceled by Destroy) and a
// non-nil error for any other read failure, which errgroup propagates
// to Destroy's Wait and cancels t.ctx for any sibling goroutine.
func (t *Transport) readLoop() error {
	buf := make([]byte, t.cfg.ReadBufSize)
	for {
		select {
		case <-t.ctx.Done():
			return nil
		default:
		}
		n, src, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("transport: read failed: %w", err)
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		t.disp.Dispatch(pkt, src, time.Now())
		t.drainReady()
	}
}

// drainReady pulls any now-deliverable bytes off every tracked peer and
// queues them to the inbox, mirroring readv's "whatever is contiguous
// from the trail" semantics for every source at once (spec §4.C).
func (t *Transport) drainReady() {
	if t.peers == nil {
		return
	}
	t.peers.Each(func(p *peer.Peer) {
		delivered, lost := t.disp.Drain(p)
		if len(delivered) == 0 && len(lost) == 0 {
			return
		}
		for _, payload := range delivered {
			t.enqueue(Delivery{TSI: p.TSI, Payload: payload})
		}
		if len(lost) > 0 {
			t.enqueue(Delivery{TSI: p.TSI, Lost: lost})
		}
	})
}

func (t *Transport) enqueue(d Delivery) {
	select {
	case t.inbox <- d:
	default:
		log.Warning("transport: inbox full, dropping delivery")
		select {
		case <-t.inbox:
		default:
		}
		select {
		case t.inbox <- d:
		default:
		}
	}
}

// Send transmits buf as a single APDU, fragmenting as needed (spec §6
// "send(buf, len)").
func (t *Transport) Send(buf []byte) (int, error) {
	return t.send1(buf)
}

// Sendv transmits the concatenation of iov as one APDU (spec §6
// "sendv(iov[])").
func (t *Transport) Sendv(iov [][]byte) (int, error) {
	total := 0
	for _, b := range iov {
		total += len(b)
	}
	joined := make([]byte, 0, total)
	for _, b := range iov {
		joined = append(joined, b...)
	}
	return t.send1(joined)
}

func (t *Transport) send1(payload []byte) (int, error) {
	if t.send == nil {
		return 0, fmt.Errorf("transport: %w: not configured to send", pgmerr.ErrInvalidArgument)
	}
	if t.conn == nil {
		return 0, pgmerr.ErrNotBound
	}
	if t.rl != nil && !t.rl.Check(len(payload)) {
		return 0, fmt.Errorf("transport: %w: rate limit exceeded", pgmerr.ErrWouldBlock)
	}
	pkts, err := t.send.SendODATA(payload, time.Now())
	if err != nil {
		return 0, err
	}
	for _, pkt := range pkts {
		if err := t.conn.WriteTo(pkt, t.groupNLA(), true); err != nil {
			return 0, err
		}
		t.Stats.IncTX(wire.TypeODATA)
	}
	return len(payload), nil
}

// SendDontwait is the non-blocking counterpart of Send (spec §6
// "send_pkt_dontwait"). Fragmentation and transmit-window admission for
// an APDU happen once, up front; only the socket writes that follow can
// block, so a write returning EWOULDBLOCK/EAGAIN saves the unwritten
// fragments in t.pendingSend and returns pgmerr.ErrWouldBlock instead of
// retrying. A later call resumes from the saved fragments and ignores
// buf, exactly the "resume without re-fragmenting" contract spec.md
// describes; buf is only consulted to start a new APDU once the prior
// one has fully drained. Abandoning a partial APDU happens via Destroy,
// same as a blocking send in progress.
func (t *Transport) SendDontwait(buf []byte) (int, error) {
	t.mu.Lock()
	pending := t.pendingSend
	t.pendingSend = nil
	t.mu.Unlock()

	if len(pending) == 0 {
		if t.send == nil {
			return 0, fmt.Errorf("transport: %w: not configured to send", pgmerr.ErrInvalidArgument)
		}
		if t.conn == nil {
			return 0, pgmerr.ErrNotBound
		}
		if t.rl != nil && !t.rl.Check(len(buf)) {
			return 0, fmt.Errorf("transport: %w: rate limit exceeded", pgmerr.ErrWouldBlock)
		}
		pkts, err := t.send.SendODATA(buf, time.Now())
		if err != nil {
			return 0, err
		}
		pending = pkts
	}

	for i, pkt := range pending {
		if err := t.conn.WriteTo(pkt, t.groupNLA(), true); err != nil {
			if isEWouldBlock(err) {
				t.mu.Lock()
				t.pendingSend = pending[i:]
				t.mu.Unlock()
				return 0, pgmerr.ErrWouldBlock
			}
			return 0, err
		}
		t.Stats.IncTX(wire.TypeODATA)
	}
	return len(buf), nil
}

func isEWouldBlock(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}

func (t *Transport) groupNLA() wire.NLA { return wire.NLAFromIP(t.cfg.Group) }

// Recv returns the next delivered APDU, blocking until one arrives or
// ctx is done (spec §6 "recv(buf, len)").
func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case d := <-t.inbox:
		if d.Lost != nil {
			return nil, &LossError{TSI: d.TSI, Sqns: d.Lost}
		}
		return d.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RecvMsg returns the next delivery with its source TSI attached (spec
// §6 "recvmsg(msgv)"), the non-vectored counterpart of RecvMsgv: where
// Recv discards provenance and turns loss into an error, RecvMsg hands
// back the full Delivery, lost sqns included, so a caller that wants
// per-source bookkeeping doesn't have to unpack a LossError.
func (t *Transport) RecvMsg(ctx context.Context) (Delivery, error) {
	select {
	case d := <-t.inbox:
		return d, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// RecvMsgv drains up to n pending deliveries without blocking, the
// vectored non-blocking read spec §6 "recvmsgv(msgv[], n)" describes.
func (t *Transport) RecvMsgv(n int) []Delivery {
	out := make([]Delivery, 0, n)
	for i := 0; i < n; i++ {
		select {
		case d := <-t.inbox:
			out = append(out, d)
		default:
			return out
		}
	}
	return out
}

// LossError reports sqns spec §4.F's NAK engine gave up recovering.
type LossError struct {
	TSI  wire.TSI
	Sqns []uint32
}

func (e *LossError) Error() string {
	return fmt.Sprintf("transport: %d packet(s) lost from %s: %v", len(e.Sqns), e.TSI.String(), pgmerr.ErrExhaustedRetries)
}

func (e *LossError) Unwrap() error { return pgmerr.ErrExhaustedRetries }

// SelectInfo/PollInfo hand back the raw fd a caller folds into its own
// select/poll loop (spec §6 "select_info" / "poll_info"); SelectInfo
// also returns the scheduler's WaitingPipe for deliveries that don't
// need a socket read to become ready. Neither returns a wakeup deadline.
func (t *Transport) SelectInfo() (fd int, waiting <-chan struct{}) {
	return t.conn.Fd(), t.sched.WaitingPipe()
}

// PollInfo is the poll(2)-oriented equivalent of SelectInfo.
func (t *Transport) PollInfo() int { return t.conn.Fd() }

// EpollCtl exposes the fd for a caller managing its own epoll instance
// (spec §6 "epoll_ctl"); PGM itself never owns the epoll fd.
func (t *Transport) EpollCtl() int { return t.conn.Fd() }

// SetFEC reconfigures FEC after Create but before Bind (spec §6
// "set_fec(proactive, ondemand, varpkt, n, k)"). Rebuilding the sender
// after Bind would race the scheduler goroutine, so it is rejected then.
func (t *Transport) SetFEC(proactive, ondemand bool, rsK, rsH int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound {
		return fmt.Errorf("transport: %w: set_fec after bind is not supported", pgmerr.ErrInvalidArgument)
	}
	t.cfg.UseProactiveParity = proactive
	t.cfg.UseOndemandParity = ondemand
	t.cfg.RSK = rsK
	t.cfg.RSH = rsH
	return nil
}

// SetSendOnly toggles send-only mode (spec §6 "set_send_only"). Like
// SetFEC, it only takes effect before Bind wires the scheduler/dispatch
// pair to a fixed snapshot of these flags.
func (t *Transport) SetSendOnly(sendOnly bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound {
		return fmt.Errorf("transport: %w: set_send_only after bind is not supported", pgmerr.ErrInvalidArgument)
	}
	t.cfg.CanRecv = !sendOnly
	return nil
}

// SetRecvOnly toggles receive-only / passive mode (spec §6
// "set_recv_only(passive)"): passive additionally suppresses this
// transport's own NAK emission, observing traffic without repairing it.
func (t *Transport) SetRecvOnly(passive bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound {
		return fmt.Errorf("transport: %w: set_recv_only after bind is not supported", pgmerr.ErrInvalidArgument)
	}
	t.cfg.CanSend = false
	t.cfg.Passive = passive
	t.send = nil
	return nil
}

// Destroy tears the transport down: stops the scheduler, joins the
// read-loop goroutine and closes the socket (spec §6 "destroy(flush)",
// §5 "pgm_transport_destroy quits the timer loop, joins the thread").
// If flush is true, it blocks until the transmit window has drained
// any pending retransmit requests. The read loop's terminal error, if
// any, is returned once the socket close that unblocks it has already
// happened, rather than silently logged and dropped.
func (t *Transport) Destroy(flush bool) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if flush && t.send != nil && t.conn != nil {
		for {
			pkt, ok, err := t.send.BuildRDATA(time.Now())
			if err != nil {
				log.WithError(err).Error("transport: flush: failed to build pending RDATA")
				continue
			}
			if !ok {
				break
			}
			if err := t.conn.WriteTo(pkt, t.groupNLA(), true); err != nil {
				log.WithError(err).Warning("transport: flush: failed to send pending RDATA")
				break
			}
			t.Stats.IncTX(wire.TypeRDATA)
		}
	}

	if t.cancel != nil {
		t.cancel()
	}
	if t.sched != nil {
		t.sched.Stop()
	}
	if t.conn != nil {
		_ = t.conn.Close()
	}
	if t.eg != nil {
		if err := t.eg.Wait(); err != nil {
			log.WithError(err).Warning("transport: read loop exited with error")
			return err
		}
	}
	return nil
}
