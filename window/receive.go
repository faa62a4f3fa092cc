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

package window

import (
	"sync"

	"github.com/facebookincubator/pgm/wire"
)

// Receive is the receive window facade consumed by the NAK engine
// (spec §4.C). Entries are addressed by sqn in a map rather than a
// fixed-capacity ring: the engine, not the window, is responsible for
// bounding how far lead may run ahead of trail.
type Receive struct {
	mu sync.Mutex

	trail uint32
	lead  uint32 // one past the highest sqn ever observed
	init  bool

	entries map[uint32]*Entry

	// fecGroups parks shards of in-progress transmission groups pending
	// FEC reconstruction (SPEC_FULL §3 "FEC group cache"), keyed by
	// tg_sqn. Populated lazily; nil until FEC is first exercised.
	fecGroups map[uint32]*FECGroup
}

// NewReceive creates an empty receive window.
func NewReceive() *Receive {
	return &Receive{entries: make(map[uint32]*Entry)}
}

// Trail returns the oldest sqn not yet fully delivered/discarded.
func (r *Receive) Trail() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trail
}

// Lead returns one past the highest sqn observed so far.
func (r *Receive) Lead() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lead
}

// Peek returns the entry at sqn, if any.
func (r *Receive) Peek(sqn uint32) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sqn]
	return e, ok
}

// sqnLess returns whether a comes before b in the 32-bit circular sqn
// space (spec §3 "only half the space is valid at any instant").
func sqnLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// WindowUpdate admits sqn as the newest sequence number seen from this
// peer, creating BACK_OFF placeholders for every sqn in the gap
// (previous lead, sqn) that hasn't been seen (spec invariant 2). It
// returns the newly created placeholders so the caller (NAK engine) can
// enqueue them onto its BACK_OFF FIFO in sqn order.
func (r *Receive) WindowUpdate(sqn uint32) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.init {
		r.trail = sqn
		r.lead = sqn + 1
		r.init = true
		return nil
	}

	if sqnLess(sqn, r.trail) {
		// no-op: sqn < trail (spec invariant 2)
		return nil
	}
	if !sqnLess(sqn, r.lead) {
		var created []*Entry
		for s := r.lead; sqnLess(s, sqn); s++ {
			if _, ok := r.entries[s]; ok {
				continue
			}
			e := &Entry{Sqn: s, State: StateBackOff}
			r.entries[s] = e
			created = append(created, e)
		}
		r.lead = sqn + 1
		return created
	}
	return nil
}

// pushEntry installs payload at sqn unless it is out of window,
// already resolved, or a duplicate live placeholder, returning the
// status the caller should act on.
func (r *Receive) pushEntry(sqn uint32, payload []byte, frag *wire.FragmentOption, parity bool, tgSqn uint32) (Status, *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.init && sqnLess(sqn, r.trail) {
		return StatusNotInTXW, nil
	}

	e, exists := r.entries[sqn]
	if exists {
		switch e.State {
		case StateHaveData, StateCommitted:
			return StatusDuplicate, e
		case StateLost:
			return StatusAPDULost, e
		}
	} else {
		e = &Entry{Sqn: sqn}
		r.entries[sqn] = e
	}

	e.Payload = payload
	e.Fragment = frag
	e.Parity = parity
	e.TGSqn = tgSqn
	e.State = StateHaveData

	if !r.init {
		r.trail = sqn
		r.lead = sqn + 1
		r.init = true
	} else if !sqnLess(sqn, r.lead) {
		r.lead = sqn + 1
	}
	return StatusOK, e
}

// PushCopy installs a verbatim (non-fragmented) ODATA/RDATA payload.
func (r *Receive) PushCopy(sqn uint32, payload []byte) (Status, *Entry) {
	return r.pushEntry(sqn, payload, nil, false, 0)
}

// PushFragmentCopy installs one fragment of a larger APDU.
func (r *Receive) PushFragmentCopy(sqn uint32, payload []byte, frag wire.FragmentOption) (Status, *Entry) {
	return r.pushEntry(sqn, payload, &frag, false, 0)
}

// PushNthRepair installs an original packet reconstructed by FEC decode
// (spec §4.F "inject each reconstructed original back into the window").
func (r *Receive) PushNthRepair(sqn uint32, payload []byte, frag *wire.FragmentOption) (Status, *Entry) {
	return r.pushEntry(sqn, payload, frag, false, 0)
}

// PushNthParityCopy parks a parity packet belonging to transmission
// group tgSqn pending the rest of the group (spec §4.F "park this parity
// packet in the window and await more").
func (r *Receive) PushNthParityCopy(sqn uint32, payload []byte, tgSqn uint32) (Status, *Entry) {
	return r.pushEntry(sqn, payload, nil, true, tgSqn)
}

// NCF looks up the entry for sqn in response to an incoming NCF (spec
// §4.F on_ncf). It changes neither the entry's state nor its expiries:
// the state transition, expiry bookkeeping and queue membership are left
// to the caller, which owns the FIFOs (receiver.Engine.OnNCF).
func (r *Receive) NCF(sqn uint32) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sqn]
	if !ok {
		return nil, false
	}
	return e, true
}

// MarkLost transitions sqn to LOST (exhausted retries, spec §7
// "exhausted-retries").
func (r *Receive) MarkLost(sqn uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sqn]; ok {
		e.State = StateLost
		e.QueueElem = nil
	}
}

// PktStateUnlink clears an entry's queue membership bookkeeping; callers
// use this when moving an entry between FIFOs.
func (r *Receive) PktStateUnlink(e *Entry) {
	e.QueueElem = nil
}

// Readv drains every contiguous entry from trail forward whose state is
// HAVE_DATA or LOST, returning the HAVE_DATA payloads in order and the
// LOST sqns as a separate list, and advances trail past what it drained.
// Draining stops at the first BACK_OFF/WAIT_NCF/WAIT_DATA gap. A
// HAVE_DATA entry still carrying its original parity packet (never
// replaced by a reconstructed original via PushNthRepair, e.g. because
// the group was never completed) is committed without being delivered:
// its bytes are a parity repair symbol, not application data.
func (r *Receive) Readv() (delivered [][]byte, lost []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		e, ok := r.entries[r.trail]
		if !ok {
			break
		}
		switch e.State {
		case StateHaveData:
			if !e.Parity {
				delivered = append(delivered, e.Payload)
			}
			e.State = StateCommitted
			r.trail++
		case StateLost:
			lost = append(lost, e.Sqn)
			r.trail++
		default:
			return delivered, lost
		}
	}
	return delivered, lost
}

// FreeCommitted drops COMMITTED and LOST entries older than trail-keep
// sqns back, bounding memory use once the application has consumed
// them.
func (r *Receive) FreeCommitted(keep uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sqn, e := range r.entries {
		if (e.State == StateCommitted || e.State == StateLost) && sqnLess(sqn, r.trail-keep) {
			delete(r.entries, sqn)
		}
	}
}

// ReleaseCommitted drops every COMMITTED or LOST entry below trail, for callers
// that don't need the replay buffer FreeCommitted's keep window implies.
func (r *Receive) ReleaseCommitted() {
	r.FreeCommitted(0)
}
