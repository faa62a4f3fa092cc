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

// Package peer tracks the per-source-TSI receive state a downstream
// transport holds for every sender it has heard an SPM or ODATA from
// (spec §4.D). It is the receive-side analogue of a transport's single
// local send state.
package peer

import (
	"container/list"
	"sync"
	"time"

	"github.com/facebookincubator/pgm/wire"
	"github.com/facebookincubator/pgm/window"
)

// Peer is everything a downstream transport keeps per upstream source.
type Peer struct {
	mu sync.Mutex

	TSI wire.TSI
	NLA wire.NLA

	Rx *window.Receive

	// BackOff, WaitNCF and WaitData are the three time-ordered NAK FIFOs
	// (spec §4.F), each holding *window.Entry in arrival order so the
	// engine only ever has to inspect the tail for expiry.
	BackOff  *list.List
	WaitNCF  *list.List
	WaitData *list.List

	// GroupNLA is the multicast group this peer was heard on, carried in
	// outgoing NAK/NCF/NNAK NAK_GRP_NLA fields so the sender can match the
	// reply to the right (source, group) pair.
	GroupNLA wire.NLA

	IsPassive bool
	SPMRExpiry     time.Time
	CurrentTGSqn   uint32
	SPMSqn        uint32
	haveSPMSqn    bool
	LastSPM       time.Time
	LastActivity  time.Time
	SourcePathNLA wire.NLA

	// spmrOutstanding counts SPMR requests sent without an answering SPM
	// (spec §4.F "SPMR request" on spm_heartbeat timeout or sqn gap).
	spmrOutstanding int
}

func newPeer(tsi wire.TSI, nla wire.NLA) *Peer {
	return &Peer{
		TSI:          tsi,
		NLA:          nla,
		Rx:           window.NewReceive(),
		BackOff:      list.New(),
		WaitNCF:      list.New(),
		WaitData:     list.New(),
		LastActivity: timeNow(),
	}
}

// Lock and Unlock expose the peer's own mutex (spec §5 "per-peer mutex:
// protects the three queues and per-peer counters") so the NAK engine
// can hold it across a whole state-machine sweep instead of taking it
// once per entry.
func (p *Peer) Lock()   { p.mu.Lock() }
func (p *Peer) Unlock() { p.mu.Unlock() }

// ObserveSPMSqn records the sqn carried by an incoming SPM, returning
// whether it advances the peer's last-seen SPM sqn (spec §4.D
// "SPM admission": duplicate/stale SPMs are dropped before reaching the
// NAK engine).
func (p *Peer) ObserveSPMSqn(sqn uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveSPMSqn || int32(sqn-p.SPMSqn) > 0 {
		p.SPMSqn = sqn
		p.haveSPMSqn = true
		p.LastSPM = timeNow()
		p.LastActivity = p.LastSPM
		p.spmrOutstanding = 0
		return true
	}
	return false
}

// Touch records receive activity from this peer (any accepted datagram).
func (p *Peer) Touch() {
	p.mu.Lock()
	p.LastActivity = timeNow()
	p.mu.Unlock()
}

// IncSPMR increments and returns the count of SPMR requests sent
// without a reply. The scheduler records each SPMR here but does not
// limit SPMR retries by the count.
func (p *Peer) IncSPMR() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spmrOutstanding++
	return p.spmrOutstanding
}

// timeNow is a package-level indirection so tests can stub the clock if
// a future caller needs deterministic timestamps; production callers
// never override it.
var timeNow = time.Now

// Table is the set of peers a downstream transport is tracking, keyed
// by TSI (spec §4.D "a transport maintains one Peer per distinct
// upstream TSI observed").
type Table struct {
	mu    sync.RWMutex
	peers map[wire.TSI]*Peer
}

// NewTable creates an empty peer table.
func NewTable() *Table {
	return &Table{peers: make(map[wire.TSI]*Peer)}
}

// Get returns the existing peer for tsi, if any.
func (t *Table) Get(tsi wire.TSI) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[tsi]
	return p, ok
}

// GetOrCreate returns the peer for tsi, creating it (seeded with nla)
// the first time this TSI is observed.
func (t *Table) GetOrCreate(tsi wire.TSI, nla wire.NLA) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[tsi]; ok {
		return p
	}
	p := newPeer(tsi, nla)
	t.peers[tsi] = p
	return p
}

// Remove drops a peer, for when its session is considered dead (spec
// §4.D peer lifetime: prolonged silence past the ambient SPM interval).
func (t *Table) Remove(tsi wire.TSI) {
	t.mu.Lock()
	delete(t.peers, tsi)
	t.mu.Unlock()
}

// Len returns the number of tracked peers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Each calls fn for every tracked peer. fn must not mutate the table.
func (t *Table) Each(fn func(*Peer)) {
	t.mu.RLock()
	snapshot := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		snapshot = append(snapshot, p)
	}
	t.mu.RUnlock()
	for _, p := range snapshot {
		fn(p)
	}
}

// Stale returns the TSIs of peers whose last activity predates cutoff.
func (t *Table) Stale(cutoff time.Time) []wire.TSI {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var stale []wire.TSI
	for tsi, p := range t.peers {
		p.mu.Lock()
		last := p.LastActivity
		p.mu.Unlock()
		if last.Before(cutoff) {
			stale = append(stale, tsi)
		}
	}
	return stale
}
