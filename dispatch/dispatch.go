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

// Package dispatch demultiplexes parsed packets to the sender/receiver
// engines by type and direction (spec §4.H), the way the teacher's
// server package demultiplexes PTP message types in
// handleEventMessage/handleGeneralMessage (ptp/ptp4u/server/worker.go).
package dispatch

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/pgm/fec"
	"github.com/facebookincubator/pgm/peer"
	"github.com/facebookincubator/pgm/receiver"
	"github.com/facebookincubator/pgm/scheduler"
	"github.com/facebookincubator/pgm/sender"
	"github.com/facebookincubator/pgm/stats"
	"github.com/facebookincubator/pgm/window"
	"github.com/facebookincubator/pgm/wire"
)

// Transmitter is the same send collaborator the scheduler dispatches to
// (spec §4.A), accepted here independently so this package doesn't need
// to depend on scheduler's internal wiring beyond the ProdRDATA/waiting
// hooks it already exposes.
type Transmitter interface {
	Send(pkt []byte, dst wire.NLA, routerAlert bool) error
}

// Config holds the addressing this transport uses to classify packets
// by direction (spec §4.H table).
type Config struct {
	LocalTSI wire.TSI
	LocalNLA wire.NLA // our own interface NLA, matched against NAK_SRC_NLA
	GroupNLA wire.NLA // our multicast group, matched against NAK_GRP_NLA

	CanSend            bool
	CanRecv            bool
	UseOndemandParity  bool
	UseProactiveParity bool
	RSK                int
	RSH                int
	TGSqnShift         uint

	// FreeCommittedKeep bounds how many committed sqns Readv's caller
	// keeps around after delivery (spec §4.C free_committed).
	FreeCommittedKeep uint32
}

// Dispatcher routes parsed packets to the sender and receiver engines.
type Dispatcher struct {
	cfg Config

	send   *sender.Sender
	engine *receiver.Engine
	peers  *peer.Table
	sched  *scheduler.Scheduler
	tx     Transmitter
	stats  *stats.Stats

	// rs reconstructs a transmission group's originals once enough of
	// its members are present (spec §4.F "Parity handling on receive"),
	// nil when FEC is not configured on this transport.
	rs *fec.Codec
}

// New creates a Dispatcher. send/engine+peers may be nil matching a
// send-only or receive-only transport, as with scheduler.New. st may be
// nil, in which case counters are simply not collected.
func New(cfg Config, send *sender.Sender, engine *receiver.Engine, peers *peer.Table, sched *scheduler.Scheduler, tx Transmitter, st *stats.Stats) *Dispatcher {
	d := &Dispatcher{cfg: cfg, send: send, engine: engine, peers: peers, sched: sched, tx: tx, stats: st}
	if (cfg.UseOndemandParity || cfg.UseProactiveParity) && cfg.RSK > 0 && cfg.RSH > 0 {
		rs, err := fec.NewCodec(cfg.RSK, cfg.RSH)
		if err != nil {
			log.WithError(err).Error("dispatch: failed to build FEC codec, parity reconstruction disabled")
		} else {
			d.rs = rs
		}
	}
	return d
}

// Dispatch classifies and routes one parsed-candidate wire packet. It
// is the entry point a non-blocking recvmsgv read loop calls per
// datagram (spec §2 "Data flow").
func (d *Dispatcher) Dispatch(raw []byte, srcAddr wire.NLA, now time.Time) {
	if !wire.VerifyPacket(raw) {
		d.discard("bad checksum")
		return
	}
	h, err := wire.UnmarshalHeader(raw)
	if err != nil {
		d.discard("short header")
		return
	}

	switch h.Type {
	case wire.TypeSPM:
		if !d.cfg.CanRecv || h.DestPort != d.cfg.LocalTSI.SourcePort {
			d.discard("SPM dport mismatch")
			return
		}
		d.onSPM(raw, srcAddr, now)

	case wire.TypeODATA, wire.TypeRDATA:
		if !d.cfg.CanRecv || h.DestPort != d.cfg.LocalTSI.SourcePort {
			d.discard("ODATA/RDATA dport mismatch")
			return
		}
		d.onData(h, raw, srcAddr, now)

	case wire.TypeNCF:
		if !d.cfg.CanRecv || h.DestPort != d.cfg.LocalTSI.SourcePort {
			d.discard("NCF dport mismatch")
			return
		}
		d.onNCF(raw, now)

	case wire.TypeNAK:
		if d.cfg.CanSend && h.DestPort == d.cfg.LocalTSI.SourcePort {
			d.onNAK(raw)
			return
		}
		if p, ok := d.knownPeer(h); ok {
			d.onPeerNAK(p)
			return
		}
		d.discard("NAK unmatched")

	case wire.TypeNNAK:
		if !d.cfg.CanSend || h.DestPort != d.cfg.LocalTSI.SourcePort {
			d.discard("NNAK dport mismatch")
			return
		}
		log.Debug("NNAK received, no DLR role implemented")

	case wire.TypeSPMR:
		if d.cfg.CanSend && h.DestPort == d.cfg.LocalTSI.SourcePort {
			d.onSPMRUnicast(raw)
			return
		}
		if p, ok := d.knownPeer(h); ok {
			d.onSPMRMulticast(p, now)
			return
		}
		d.discard("SPMR unmatched")

	default:
		d.discard("unknown type")
	}
}

func (d *Dispatcher) knownPeer(h wire.Header) (*peer.Peer, bool) {
	if d.peers == nil {
		return nil, false
	}
	return d.peers.Get(wire.TSI{GSI: h.GSI, SourcePort: h.SourcePort})
}

func (d *Dispatcher) discard(reason string) {
	log.WithField("reason", reason).Debug("discarded packet")
	if d.stats != nil {
		d.stats.Inc(stats.SourcePacketsDiscarded)
	}
}

func (d *Dispatcher) countRX(t wire.MessageType) {
	if d.stats != nil {
		d.stats.IncRX(t)
	}
}

func (d *Dispatcher) countTX(t wire.MessageType) {
	if d.stats != nil {
		d.stats.IncTX(t)
	}
}

// onSPM admits an SPM: advances the peer's window and batches NAK
// placeholders for any newly-opened gap (spec §4.D/§4.F).
func (d *Dispatcher) onSPM(raw []byte, srcAddr wire.NLA, now time.Time) {
	m, err := wire.UnmarshalSPM(raw)
	if err != nil {
		d.discard("malformed SPM")
		return
	}
	tsi := wire.TSI{GSI: m.Header.GSI, SourcePort: m.Header.SourcePort}
	p := d.peers.GetOrCreate(tsi, srcAddr)
	p.GroupNLA = srcAddr

	if !p.ObserveSPMSqn(m.Sqn) {
		if d.stats != nil {
			d.stats.Inc(stats.DupSPMs)
		}
		return // duplicate/stale SPM: a no-op per spec invariant
	}
	d.countRX(wire.TypeSPM)
	p.SourcePathNLA = m.NLA
	p.Touch()

	if m.Lead == 0 {
		return
	}
	created := p.Rx.WindowUpdate(m.Lead - 1)
	d.armPlaceholders(p, created, now)
}

// onData admits ODATA/RDATA, parity or not, fragmented or not.
func (d *Dispatcher) onData(h wire.Header, raw []byte, srcAddr wire.NLA, now time.Time) {
	m, err := wire.UnmarshalData(raw)
	if err != nil {
		d.discard("malformed ODATA/RDATA")
		return
	}
	d.countRX(h.Type)
	tsi := wire.TSI{GSI: h.GSI, SourcePort: h.SourcePort}
	p := d.peers.GetOrCreate(tsi, srcAddr)
	p.Touch()

	created := p.Rx.WindowUpdate(m.DataSqn)
	d.armPlaceholders(p, created, now)

	mask := ^uint32(0) << d.cfg.TGSqnShift
	tgSqn := m.DataSqn & mask

	var status window.Status
	var entry *window.Entry
	switch {
	case h.Options&wire.OptParity != 0:
		status, entry = p.Rx.PushNthParityCopy(m.DataSqn, m.Payload, tgSqn)
		if d.rs != nil {
			d.admitFECShard(p, tgSqn, int(m.DataSqn-tgSqn), m.Payload)
		}
	default:
		if opt, ok := wire.FindOption(m.Options, wire.OptTypeFragment); ok {
			frag, ferr := wire.UnmarshalFragmentOption(opt.Body)
			if ferr != nil {
				d.discard("malformed OPT_FRAGMENT")
				return
			}
			status, entry = p.Rx.PushFragmentCopy(m.DataSqn, m.Payload, frag)
		} else {
			status, entry = p.Rx.PushCopy(m.DataSqn, m.Payload)
		}
		if d.rs != nil {
			if idx := int(m.DataSqn - tgSqn); idx < d.rs.K() {
				d.admitFECShard(p, tgSqn, idx, m.Payload)
			}
		}
	}

	if status != window.StatusOK || entry == nil {
		return
	}

	p.Lock()
	d.engine.OnData(p, entry)
	nowReady := entry.Sqn == p.Rx.Trail()
	p.Unlock()

	if nowReady && d.sched != nil {
		d.sched.ProdWaiting()
	}
}

// admitFECShard records one member of transmission group tgSqn and, once
// k of its n shards are present, decodes the missing originals and
// injects them back into the receive window (spec §4.F "Parity handling
// on receive": park parity pending the rest of the group, then decode
// the k originals from any k of the n packets").
func (d *Dispatcher) admitFECShard(p *peer.Peer, tgSqn uint32, idx int, payload []byte) {
	k, h := d.rs.K(), d.rs.H()
	group, ready := p.Rx.AdmitFECMember(tgSqn, idx, k, h, payload)
	if !ready {
		return
	}
	hadBefore := append([]bool(nil), group.Have...)

	maxLen := 0
	for _, s := range group.Shards {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	shards := make([][]byte, len(group.Shards))
	for i, s := range group.Shards {
		if s == nil {
			continue
		}
		if len(s) == maxLen {
			shards[i] = s
			continue
		}
		padded, err := window.ZeroPad(s, maxLen)
		if err != nil {
			log.WithError(err).WithField("tg_sqn", tgSqn).Debug("FEC reconstruct: zero-pad failed")
			p.Rx.ReleaseFECGroup(tgSqn)
			return
		}
		shards[i] = padded
	}

	if err := d.rs.Reconstruct(shards, group.Have); err != nil {
		log.WithError(err).WithField("tg_sqn", tgSqn).Debug("FEC reconstruct failed")
		p.Rx.ReleaseFECGroup(tgSqn)
		return
	}

	for i := 0; i < k; i++ {
		if hadBefore[i] {
			continue // this original arrived verbatim, no need to reinject it
		}
		status, entry := p.Rx.PushNthRepair(tgSqn+uint32(i), shards[i], nil)
		if status != window.StatusOK || entry == nil {
			continue
		}
		p.Lock()
		d.engine.OnData(p, entry)
		p.Unlock()
	}
	p.Rx.ReleaseFECGroup(tgSqn)
	if d.stats != nil {
		d.stats.Inc(stats.ParityRecovered)
	}
	if d.sched != nil {
		d.sched.ProdWaiting()
	}
}

// onNCF moves the acknowledged sqn from BACK_OFF/WAIT_NCF to WAIT_DATA.
func (d *Dispatcher) onNCF(raw []byte, now time.Time) {
	m, err := wire.UnmarshalNak(raw)
	if err != nil {
		d.discard("malformed NCF")
		return
	}
	d.countRX(wire.TypeNCF)
	tsi := wire.TSI{GSI: m.Header.GSI, SourcePort: m.Header.SourcePort}
	p, ok := d.peers.Get(tsi)
	if !ok {
		return
	}
	sqns := []uint32{m.Sqn}
	if opt, ok := wire.FindOption(m.Options, wire.OptTypeNakList); ok {
		list, lerr := wire.UnmarshalNakListOption(opt.Body)
		if lerr == nil {
			sqns = append(sqns, list.Sqns...)
		}
	}
	p.Lock()
	defer p.Unlock()
	for _, sqn := range sqns {
		if entry, ok := p.Rx.NCF(sqn); ok {
			d.engine.OnNCF(p, entry, now)
		}
	}
}

// onNAK is the sender-side NAK admission handler (spec §4.E "NAK
// admission"): validates addressing, admits the sqns for retransmit,
// and replies immediately with an NCF.
func (d *Dispatcher) onNAK(raw []byte) {
	m, err := wire.UnmarshalNak(raw)
	if err != nil {
		d.discard("malformed NAK")
		return
	}
	d.countRX(wire.TypeNAK)
	if d.stats != nil {
		d.stats.Inc(stats.NaksReceived)
	}
	if m.SourceNLA.IP == nil || !m.SourceNLA.IP.Equal(d.cfg.LocalNLA.IP) {
		d.discard("NAK_SRC_NLA mismatch")
		return
	}
	if m.GroupNLA.IP == nil || !m.GroupNLA.IP.Equal(d.cfg.GroupNLA.IP) {
		d.discard("NAK_GRP_NLA mismatch")
		return
	}
	parity := m.Header.Options&wire.OptParity != 0
	if parity && !d.cfg.UseOndemandParity {
		d.discard("parity NAK without on-demand parity configured")
		return
	}

	sqns := []uint32{m.Sqn}
	if opt, ok := wire.FindOption(m.Options, wire.OptTypeNakList); ok {
		list, lerr := wire.UnmarshalNakListOption(opt.Body)
		if lerr == nil {
			sqns = append(sqns, list.Sqns...)
		}
	}

	pushed := d.send.AdmitNAK(sqns, parity)
	if pushed > 0 && d.sched != nil {
		d.sched.ProdRDATA()
	}

	ncf, err := d.send.BuildNCF(sqns, parity)
	if err != nil {
		log.WithError(err).Error("failed to build NCF")
		return
	}
	if err := d.tx.Send(ncf, d.cfg.GroupNLA, true); err != nil {
		log.WithError(err).Warning("failed to send NCF")
		return
	}
	d.countTX(wire.TypeNCF)
}

// Drain is the recvmsgv-equivalent for one peer (spec §4.C
// "readv(...) → bytes_consumed" plus "free_committed"): it returns
// whatever contiguous bytes and LOST markers are now deliverable from
// the peer's trail, trimming entries the application no longer needs
// to replay.
func (d *Dispatcher) Drain(p *peer.Peer) (delivered [][]byte, lost []uint32) {
	delivered, lost = p.Rx.Readv()
	p.Rx.FreeCommitted(d.cfg.FreeCommittedKeep)
	return delivered, lost
}

// onPeerNAK observes a multicast NAK from a known source's session that
// we are not the source of; no action beyond bookkeeping (spec.md §4.H
// classifies it peer-to-peer, but NAK-flood suppression beyond the
// ambient 1/IHB_MIN rule is a non-goal, spec.md §1).
func (d *Dispatcher) onPeerNAK(p *peer.Peer) {
	d.countRX(wire.TypeNAK)
	p.Touch()
}

// onSPMRUnicast replies to an SPM-Request addressed to us as the
// source by sending an SPM immediately (spec §4.E "The sender replies
// to a unicast SPMR by sending an SPM").
func (d *Dispatcher) onSPMRUnicast(raw []byte) {
	if _, err := wire.UnmarshalSPMR(raw); err != nil {
		d.discard("malformed SPMR")
		return
	}
	d.countRX(wire.TypeSPMR)
	spm, err := d.send.BuildSPM()
	if err != nil {
		log.WithError(err).Error("failed to build SPM reply to SPMR")
		return
	}
	if err := d.tx.Send(spm, d.cfg.GroupNLA, true); err != nil {
		log.WithError(err).Warning("failed to send SPM reply to SPMR")
		return
	}
	d.countTX(wire.TypeSPM)
}

// onSPMRMulticast cancels our own pending SPMR on hearing a peer's
// multicast SPMR (spec §4.F "receivers cancel their own on hearing
// one").
func (d *Dispatcher) onSPMRMulticast(p *peer.Peer, now time.Time) {
	d.countRX(wire.TypeSPMR)
	d.engine.ArmSPMR(p, now)
}

// armPlaceholders opens the BACK_OFF timer for each placeholder
// window_update just created and enqueues it onto the peer's queue
// (spec §4.F "placeholder opened by window_update or push").
func (d *Dispatcher) armPlaceholders(p *peer.Peer, created []*window.Entry, now time.Time) {
	if len(created) == 0 {
		return
	}
	p.Lock()
	defer p.Unlock()
	for _, e := range created {
		d.engine.Arm(e, now)
		e.QueueElem = p.BackOff.PushBack(e)
	}
}

