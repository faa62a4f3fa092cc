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

// Package receiver implements the receive-side NAK state machine (spec
// §4.F): three time-ordered FIFOs per peer (BACK_OFF, WAIT_NCF,
// WAIT_DATA) that age receive-window placeholders into either a
// resolved packet or a declared loss.
package receiver

import (
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/pgm/peer"
	"github.com/facebookincubator/pgm/window"
)

// Config holds the timing and retry parameters of the NAK engine, set
// once at transport bind time (spec §3 transport parameters).
type Config struct {
	NakBOIvl       time.Duration
	NakRptIvl      time.Duration
	NakRDataIvl    time.Duration
	NakNCFRetries  int
	NakDataRetries int
	SPMRExpiry     time.Duration
	UseOndemandParity bool
	RSK            int
	TGSqnShift     uint
}

// NakRequest is one batch the engine wants the sender path to emit
// (spec §4.F "after batching up to 63 sqns, emit NAK or NAK-list").
type NakRequest struct {
	Peer        *peer.Peer
	Sqns        []uint32
	Parity      bool
	TGSqn       uint32
	NakPktCount int
}

// FlushRequest names a peer whose queues need SPM-request handling or
// loss bookkeeping flushed by the caller (spec §4.F "queue peer for
// flush" / "queue flush").
type FlushRequest struct {
	Peer *peer.Peer
	Lost []uint32
}

// Engine runs the per-peer NAK state-machine transitions. It holds no
// peer state itself; all mutable state lives on peer.Peer and
// window.Entry so the scheduler can drive many peers from one Engine.
type Engine struct {
	cfg Config
}

// New creates a NAK engine with the given configuration.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

func (e *Engine) jitteredBackoff() time.Duration {
	if e.cfg.NakBOIvl <= 0 {
		return 0
	}
	return time.Duration(1 + rand.Int63n(int64(e.cfg.NakBOIvl)))
}

// Arm opens a BACK_OFF placeholder, called when window_update or a push
// creates a new gap entry (spec §4.F "placeholder opened by
// window_update or push").
func (e *Engine) Arm(entry *window.Entry, now time.Time) {
	entry.State = window.StateBackOff
	entry.T0 = now
	entry.NakRBExpiry = now.Add(e.jitteredBackoff())
}

// NakRBState sweeps p's BACK_OFF queue (spec §4.F nak_rb_state),
// batching expired entries into NAK requests and moving them to
// WAIT_NCF. Callers must hold p.Lock() for the duration of the sweep.
func (e *Engine) NakRBState(p *peer.Peer, now time.Time) []NakRequest {
	if p.IsPassive {
		// Passive receivers never emit NAK/SPMR (spec §4.F); they only
		// time placeholders out into LOST once BACK_OFF expires.
		for {
			el := p.BackOff.Front()
			if el == nil {
				break
			}
			entry := el.Value.(*window.Entry)
			if now.Before(entry.NakRBExpiry) {
				break
			}
			p.BackOff.Remove(el)
			entry.State = window.StateLost
			entry.QueueElem = nil
		}
		return nil
	}

	var (
		reqs       []NakRequest
		batch      []uint32
		batchTG    uint32
		haveTG     bool
		parityOnce bool
	)

	flushBatch := func() {
		if len(batch) == 0 {
			return
		}
		reqs = append(reqs, NakRequest{Peer: p, Sqns: batch, Parity: parityOnce, TGSqn: batchTG, NakPktCount: len(batch)})
		batch = nil
		haveTG = false
		parityOnce = false
	}

	for {
		el := p.BackOff.Front()
		if el == nil {
			break
		}
		entry := el.Value.(*window.Entry)
		if now.Before(entry.NakRBExpiry) {
			break
		}
		if p.NLA.IP == nil {
			entry.State = window.StateLost
			p.BackOff.Remove(el)
			entry.QueueElem = nil
			continue
		}

		tgSqn := entry.Sqn &^ (uint32(1)<<e.cfg.TGSqnShift - 1)
		if e.cfg.UseOndemandParity {
			if haveTG && tgSqn != batchTG {
				// spec §4.F: "batch only over ONE transmission group ...
				// stop at tg boundary" — don't start a second group this
				// sweep; the next nak_rb_state pass picks it up.
				break
			}
			batchTG = tgSqn
			haveTG = true
			parityOnce = true
		}

		p.BackOff.Remove(el)
		entry.State = window.StateWaitNCF
		entry.NakRptExpiry = now.Add(e.cfg.NakRptIvl)
		entry.NakTransmitCount++
		entry.QueueElem = p.WaitNCF.PushBack(entry)

		batch = append(batch, entry.Sqn)
		if len(batch) >= maxNakBatch {
			flushBatch()
		}
	}
	flushBatch()
	return reqs
}

// maxNakBatch is the most sqns one NAK (with OPT_NAK_LIST) can request:
// the primary sqn plus wire.MaxNakListSize additional entries.
const maxNakBatch = 63

// NakRptState sweeps p's WAIT_NCF queue (spec §4.F nak_rpt_state).
func (e *Engine) NakRptState(p *peer.Peer, now time.Time) []FlushRequest {
	var flushes []FlushRequest
	var lostBatch []uint32

	for {
		el := p.WaitNCF.Front()
		if el == nil {
			break
		}
		entry := el.Value.(*window.Entry)
		if now.Before(entry.NakRptExpiry) {
			break
		}
		p.WaitNCF.Remove(el)

		if entry.NcfRetryCount < e.cfg.NakNCFRetries {
			entry.NcfRetryCount++
			entry.State = window.StateBackOff
			entry.NakRBExpiry = now.Add(e.jitteredBackoff())
			entry.QueueElem = p.BackOff.PushBack(entry)
		} else {
			entry.State = window.StateLost
			entry.QueueElem = nil
			lostBatch = append(lostBatch, entry.Sqn)
		}
	}
	if len(lostBatch) > 0 {
		flushes = append(flushes, FlushRequest{Peer: p, Lost: lostBatch})
	}
	return flushes
}

// OnNCF handles an incoming NCF for sqn (spec §4.F on_ncf): if the
// entry is in BACK_OFF or WAIT_NCF it moves to WAIT_DATA.
func (e *Engine) OnNCF(p *peer.Peer, entry *window.Entry, now time.Time) {
	if entry.State != window.StateBackOff && entry.State != window.StateWaitNCF {
		return
	}
	switch entry.State {
	case window.StateBackOff:
		p.BackOff.Remove(entry.QueueElem)
	case window.StateWaitNCF:
		p.WaitNCF.Remove(entry.QueueElem)
	}
	entry.State = window.StateWaitData
	entry.NakRDataExpiry = now.Add(e.cfg.NakRDataIvl)
	entry.NakRBExpiry = now.Add(e.jitteredBackoff())
	entry.QueueElem = p.WaitData.PushBack(entry)
}

// NakRDataState sweeps p's WAIT_DATA queue (spec §4.F nak_rdata_state).
func (e *Engine) NakRDataState(p *peer.Peer, now time.Time) []FlushRequest {
	var flushes []FlushRequest
	var lostBatch []uint32

	for {
		el := p.WaitData.Front()
		if el == nil {
			break
		}
		entry := el.Value.(*window.Entry)
		if now.Before(entry.NakRDataExpiry) {
			break
		}
		p.WaitData.Remove(el)

		if entry.DataRetryCount < e.cfg.NakDataRetries {
			entry.DataRetryCount++
			entry.State = window.StateBackOff
			entry.NakRBExpiry = now.Add(e.jitteredBackoff())
			entry.QueueElem = p.BackOff.PushBack(entry)
		} else {
			entry.State = window.StateLost
			entry.QueueElem = nil
			lostBatch = append(lostBatch, entry.Sqn)
		}
	}
	if len(lostBatch) > 0 {
		flushes = append(flushes, FlushRequest{Peer: p, Lost: lostBatch})
	}
	return flushes
}

// OnData unlinks entry from whichever of the three queues holds it,
// called once RDATA (or ODATA) arrival resolves it to HAVE_DATA (spec
// §4.F "RDATA arrival: push into window; entry transitions to
// HAVE_DATA (out of all three queues)").
func (e *Engine) OnData(p *peer.Peer, entry *window.Entry) {
	if entry.QueueElem == nil {
		return
	}
	// The window has already set entry.State to HAVE_DATA, so the state
	// no longer names the queue; list.Remove is a no-op on the lists that
	// do not hold the element.
	p.BackOff.Remove(entry.QueueElem)
	p.WaitNCF.Remove(entry.QueueElem)
	p.WaitData.Remove(entry.QueueElem)
	entry.QueueElem = nil
}

// SweepExpiry returns the soonest of the three queues' head expiries
// for p, or the zero Time if all queues are empty (used by the
// scheduler's prepare phase, spec §4.G).
func (e *Engine) SweepExpiry(p *peer.Peer) (time.Time, bool) {
	var soonest time.Time
	have := false
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if !have || t.Before(soonest) {
			soonest = t
			have = true
		}
	}
	if el := p.BackOff.Front(); el != nil {
		consider(el.Value.(*window.Entry).NakRBExpiry)
	}
	if el := p.WaitNCF.Front(); el != nil {
		consider(el.Value.(*window.Entry).NakRptExpiry)
	}
	if el := p.WaitData.Front(); el != nil {
		consider(el.Value.(*window.Entry).NakRDataExpiry)
	}
	return soonest, have
}

// NeedsSPMR reports whether p has gone silent long enough to warrant an
// SPM-request (spec §4.F "Emitted by a receiver once per new peer or
// upon a gap that outlives spmr_expiry").
func (e *Engine) NeedsSPMR(p *peer.Peer, now time.Time) bool {
	if p.IsPassive {
		return false
	}
	return !p.SPMRExpiry.IsZero() && !now.Before(p.SPMRExpiry)
}

// ArmSPMR schedules the next SPMR deadline for p.
func (e *Engine) ArmSPMR(p *peer.Peer, now time.Time) {
	p.SPMRExpiry = now.Add(e.cfg.SPMRExpiry)
}

// logLoss records a declared loss at info level, matching the teacher's
// structured-field logging idiom.
func logLoss(p *peer.Peer, sqn uint32) {
	log.WithFields(log.Fields{
		"tsi": p.TSI.String(),
		"sqn": sqn,
	}).Info("declared packet lost after exhausting NAK retries")
}
