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

// Package sender implements the source-side transport engine (spec
// §4.E): the SPM ambient/heartbeat schedule, ODATA fragmentation,
// selective and parity RDATA repair, and sender-side NAK admission.
package sender

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/pgm/fec"
	"github.com/facebookincubator/pgm/ratelimit"
	"github.com/facebookincubator/pgm/window"
	"github.com/facebookincubator/pgm/wire"
)

// Config holds the parameters fixed at bind time (spec §3 transport
// parameters relevant to the sender path).
type Config struct {
	MaxTPDU int
	HeaderOverhead int // headers below PGM (e.g. IP + UDP), subtracted from MaxTPDU along with the PGM header and data body

	SPMAmbientInterval time.Duration
	// HeartbeatIntervals is the decaying schedule [0, h1, h2, ..., hn, 0]
	// (spec §4.E "SPM schedule"). Index 0 and the trailing zero mark the
	// ambient-only boundary.
	HeartbeatIntervals []time.Duration

	UseProactiveParity bool
	UseOndemandParity  bool
	RSK                int
	RSH                int
	TGSqnShift         uint
}

// heartbeat tracks the re-armable SPM heartbeat schedule.
type heartbeat struct {
	intervals []time.Duration
	state     int
	next      time.Time
	armed     bool
}

func (h *heartbeat) arm(now time.Time) {
	h.state = 1
	if len(h.intervals) > 1 && h.intervals[1] > 0 {
		h.next = now.Add(h.intervals[1])
		h.armed = true
	} else {
		h.armed = false
		h.state = 0
	}
}

func (h *heartbeat) due(now time.Time) bool {
	return h.armed && !now.Before(h.next)
}

func (h *heartbeat) advance(now time.Time) {
	h.state++
	if h.state >= len(h.intervals) || h.intervals[h.state] == 0 {
		h.armed = false
		h.state = 0
		return
	}
	h.next = now.Add(h.intervals[h.state])
}

// Sender is the per-transport source-side engine.
type Sender struct {
	cfg Config

	GSI        wire.GSI
	SourcePort uint16
	DestPort   uint16
	NLA        wire.NLA
	GroupNLA   wire.NLA

	tx *window.Transmit
	rl *ratelimit.Limiter
	rs *fec.Codec

	spmSqn         uint32
	nextAmbientSPM time.Time
	hb             heartbeat
}

// New creates a Sender over an already-constructed transmit window.
func New(cfg Config, tx *window.Transmit, rl *ratelimit.Limiter) (*Sender, error) {
	s := &Sender{
		cfg: cfg,
		tx:  tx,
		rl:  rl,
		hb:  heartbeat{intervals: cfg.HeartbeatIntervals},
	}
	if cfg.UseProactiveParity || cfg.UseOndemandParity {
		rs, err := fec.NewCodec(cfg.RSK, cfg.RSH)
		if err != nil {
			return nil, fmt.Errorf("sender: %w", err)
		}
		s.rs = rs
	}
	return s, nil
}

// ArmAmbient schedules the first ambient SPM, called once at bind time.
func (s *Sender) ArmAmbient(now time.Time) {
	s.nextAmbientSPM = now.Add(s.cfg.SPMAmbientInterval)
}

// NextSPMDeadline is the soonest of the ambient and (if armed) heartbeat
// schedules, for the scheduler's prepare phase (spec §4.G).
func (s *Sender) NextSPMDeadline() time.Time {
	if s.hb.armed && s.hb.next.Before(s.nextAmbientSPM) {
		return s.hb.next
	}
	return s.nextAmbientSPM
}

// DueSPM reports whether an SPM is due on either schedule, and advances it,
// mirroring spec §4.G dispatch steps 1-2: ambient takes priority over a
// simultaneously-due heartbeat.
func (s *Sender) DueSPM(now time.Time) bool {
	if !now.Before(s.nextAmbientSPM) {
		s.nextAmbientSPM = s.nextAmbientSPM.Add(s.cfg.SPMAmbientInterval)
		s.hb.armed = false
		s.hb.state = 0
		return true
	}
	if s.hb.due(now) {
		s.hb.advance(now)
		return true
	}
	return false
}

// BuildSPM assembles a marshaled SPM packet carrying the transmit
// window's current trail/lead and this sender's NLA, optionally
// advertising the FEC group size via OPT_PARITY_PRM.
func (s *Sender) BuildSPM() ([]byte, error) {
	m := wire.SPM{
		Header: wire.Header{SourcePort: s.SourcePort, DestPort: s.DestPort, GSI: s.GSI},
		Sqn:    s.spmSqn,
		Trail:  s.tx.Trail(),
		Lead:   s.tx.Lead(),
		NLA:    s.NLA,
	}
	s.spmSqn++
	if s.cfg.UseProactiveParity || s.cfg.UseOndemandParity {
		flags := uint8(0)
		if s.cfg.UseProactiveParity {
			flags |= wire.ParityPrmProactive
		}
		if s.cfg.UseOndemandParity {
			flags |= wire.ParityPrmOnDemand
		}
		body := wire.MarshalParityPrmOption(wire.ParityPrmOption{Flags: flags, TGS: uint32(s.cfg.RSK)})
		m.Options = append(m.Options, wire.Option{Type: wire.OptTypeParityPrm, Body: body})
		m.Header.Options |= wire.OptParity
	}
	b, err := wire.MarshalSPM(m)
	if err != nil {
		return nil, err
	}
	wire.FinalizeChecksum(b)
	return b, nil
}

// maxPayload is the largest TSDU that fits unfragmented in one TPDU.
func (s *Sender) maxPayload() int {
	return s.cfg.MaxTPDU - s.cfg.HeaderOverhead - wire.HeaderLen - 8 // 8: data_sqn + data_trail
}

// SendODATA fragments payload as needed (spec §4.E "ODATA emission"),
// pushes each fragment to the transmit window and returns the marshaled
// packets ready to send in order. Re-arms the heartbeat schedule.
func (s *Sender) SendODATA(payload []byte, now time.Time) ([][]byte, error) {
	maxPayload := s.maxPayload()
	if maxPayload <= 0 {
		return nil, fmt.Errorf("sender: no room for payload after header overhead")
	}

	if len(payload) <= maxPayload {
		pkt, err := s.buildODATA(payload, nil, now)
		if err != nil {
			return nil, err
		}
		return [][]byte{pkt}, nil
	}

	fragPayload := maxPayload - wire.FragmentOptionLen - 4 - 2 // room lost to OPT_LENGTH (4) + OPT_HEADER (2)
	if fragPayload <= 0 {
		return nil, fmt.Errorf("sender: max TPDU too small to carry a fragment option")
	}

	var out [][]byte
	firstSqn := s.tx.NextLead()
	for off := 0; off < len(payload); off += fragPayload {
		end := off + fragPayload
		if end > len(payload) {
			end = len(payload)
		}
		frag := wire.FragmentOption{FirstSqn: firstSqn, FragOff: uint32(off), FragLen: uint32(len(payload))}
		pkt, err := s.buildODATA(payload[off:end], &frag, now)
		if err != nil {
			return nil, err
		}
		out = append(out, pkt)
	}
	return out, nil
}

func (s *Sender) buildODATA(payload []byte, frag *wire.FragmentOption, now time.Time) ([]byte, error) {
	sqn := s.tx.Push(payload, false)

	m := wire.Data{
		Header:    wire.Header{SourcePort: s.SourcePort, DestPort: s.DestPort, GSI: s.GSI, Type: wire.TypeODATA},
		DataSqn:   sqn,
		DataTrail: s.tx.Trail(),
		Payload:   payload,
	}
	if frag != nil {
		m.Options = append(m.Options, wire.Option{Type: wire.OptTypeFragment, Body: wire.MarshalFragmentOption(*frag)})
	}
	b, err := wire.MarshalData(m)
	if err != nil {
		return nil, err
	}
	wire.FinalizeChecksum(b)

	s.hb.arm(now)
	return b, nil
}

// BuildRDATA pops the oldest pending retransmit request and builds its
// repair packet (spec §4.E "RDATA emission" / "Parity repair"). Returns
// false if there is no pending request or the requested sqn already
// aged out of the transmit window.
func (s *Sender) BuildRDATA(now time.Time) ([]byte, bool, error) {
	req, pkt, ok := s.tx.RetransmitTryPop()
	if !ok {
		return nil, false, nil
	}
	if req.Parity {
		b, err := s.buildParityRDATA(req)
		return b, true, err
	}

	m := wire.Data{
		Header:    wire.Header{SourcePort: s.SourcePort, DestPort: s.DestPort, GSI: s.GSI, Type: wire.TypeRDATA},
		DataSqn:   pkt.Sqn,
		DataTrail: s.tx.Trail(),
		Payload:   pkt.Data,
	}
	b, err := wire.MarshalData(m)
	if err != nil {
		return nil, true, err
	}
	wire.FinalizeChecksum(b)
	return b, true, nil
}

// buildParityRDATA builds a repair TPDU over the transmission group
// tg_sqn = req.Sqn & mask (spec §4.E "Parity repair").
func (s *Sender) buildParityRDATA(req window.RetransmitRequest) ([]byte, error) {
	if s.rs == nil {
		return nil, fmt.Errorf("sender: parity requested but no FEC codec configured")
	}
	mask := ^uint32(0) << req.TGSqnShift
	tgSqn := req.Sqn & mask

	originals := make([][]byte, s.rs.K())
	maxLen := 0
	for i := 0; i < s.rs.K(); i++ {
		p, ok := s.tx.Peek(tgSqn + uint32(i))
		if !ok {
			return nil, fmt.Errorf("sender: transmission group member sqn %d no longer in window", tgSqn+uint32(i))
		}
		originals[i] = p.Data
		if len(p.Data) > maxLen {
			maxLen = len(p.Data)
		}
	}

	varPktLen := false
	padded := make([][]byte, s.rs.K())
	for i, d := range originals {
		if len(d) != maxLen {
			varPktLen = true
			p, err := window.ZeroPad(d, maxLen)
			if err != nil {
				return nil, err
			}
			padded[i] = p
		} else {
			padded[i] = d
		}
	}

	parity, err := s.rs.Encode(padded)
	if err != nil {
		return nil, fmt.Errorf("sender: parity encode: %w", err)
	}
	// Repair packets are numbered tg_sqn | (k + rs_h): offsetting past the
	// k data slots keeps a parity packet's data_sqn from aliasing an
	// original's in the same numeric space (unlike the reference C
	// implementation, which relies solely on OPT_PARITY to disambiguate a
	// literal tg_sqn|rs_h collision with an original sqn).
	offset := req.Sqn - tgSqn
	if offset < uint32(s.rs.K()) {
		return nil, fmt.Errorf("sender: retransmit sqn %d is not a parity index for tg_sqn %d", req.Sqn, tgSqn)
	}
	rsH := offset - uint32(s.rs.K())
	if int(rsH) >= len(parity) {
		return nil, fmt.Errorf("sender: parity index %d out of range for h=%d", rsH, len(parity))
	}
	repairPayload := parity[rsH]

	m := wire.Data{
		Header:    wire.Header{SourcePort: s.SourcePort, DestPort: s.DestPort, GSI: s.GSI, Type: wire.TypeRDATA},
		DataSqn:   req.Sqn,
		DataTrail: s.tx.Trail(),
		Payload:   repairPayload,
	}
	m.Header.Options |= wire.OptParity
	if varPktLen {
		m.Header.Options |= wire.OptVarPktLen
	}
	b, err := wire.MarshalData(m)
	if err != nil {
		return nil, err
	}
	wire.FinalizeChecksum(b)
	return b, nil
}

// BuildNCF builds the immediate NCF reply to an admitted NAK (spec
// §4.E "Respond immediately with an NCF (with matching list)"), echoing
// the requested sqns back as a NAK-confirm sent multicast to the group.
func (s *Sender) BuildNCF(sqns []uint32, parity bool) ([]byte, error) {
	if len(sqns) == 0 {
		return nil, fmt.Errorf("sender: NCF requires at least one sqn")
	}
	m := wire.Nak{
		Header:    wire.Header{SourcePort: s.SourcePort, DestPort: s.DestPort, GSI: s.GSI, Type: wire.TypeNCF},
		Sqn:       sqns[0],
		SourceNLA: s.NLA,
		GroupNLA:  s.GroupNLA,
	}
	if parity {
		m.Header.Options |= wire.OptParity
	}
	if len(sqns) > 1 {
		body, err := wire.MarshalNakListOption(wire.NakListOption{Sqns: sqns[1:]})
		if err != nil {
			return nil, err
		}
		m.Options = append(m.Options, wire.Option{Type: wire.OptTypeNakList, Body: body})
	}
	b, err := wire.MarshalNak(m)
	if err != nil {
		return nil, err
	}
	wire.FinalizeChecksum(b)
	return b, nil
}

// AdmitNAK handles an incoming selective or parity NAK addressed to
// this sender (spec §4.E "NAK admission"): pushes every requested sqn
// onto the transmit window's retransmit queue, logging how many were
// newly queued versus already pending.
func (s *Sender) AdmitNAK(sqns []uint32, parity bool) int {
	pushed := 0
	for _, sqn := range sqns {
		pushed += s.tx.RetransmitPush(sqn, parity, s.cfg.TGSqnShift)
	}
	log.WithFields(log.Fields{
		"requested": len(sqns),
		"pushed":    pushed,
		"parity":    parity,
	}).Debug("admitted NAK")
	return pushed
}
