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

// Package stats implements counter collection and reporting for a
// transport: named counters for received/sent messages by type, NAK
// lifecycle outcomes, and parity activity (spec §4.M). Grounded on the
// teacher's syncMapInt64/counters/JSONStats layering
// (ptp/ptp4u/stats/stats.go, ptp/ptp4u/stats/json.go), keyed here by
// wire.MessageType rather than a PTP message type, plus a
// Prometheus-backed exporter grounded on
// ptp/sptp/stats/prom_exporter.go.
package stats

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/facebookincubator/pgm/wire"
)

// Named scalar counters (spec §4.M), outside the per-message-type maps.
const (
	DupSPMs                      = "dup_spms"
	NaksFailedNCFRetriesExceeded = "naks_failed_ncf_retries_exceeded"
	NaksFailedDataRetriesExceeded = "naks_failed_data_retries_exceeded"
	SourcePacketsDiscarded       = "source_packets_discarded"
	NaksSent                     = "naks_sent"
	NaksReceived                 = "naks_received"
	RDataSent                    = "rdata_sent"
	ParitySent                   = "parity_sent"
	ParityRecovered              = "parity_recovered"
)

// syncMapInt64 is an atomically-guarded counter map keyed by message
// type, mirroring the teacher's syncMapInt64.
type syncMapInt64 struct {
	sync.Mutex
	m map[wire.MessageType]int64
}

func (s *syncMapInt64) init() { s.m = make(map[wire.MessageType]int64) }

func (s *syncMapInt64) keys() []wire.MessageType {
	s.Lock()
	defer s.Unlock()
	keys := make([]wire.MessageType, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	return keys
}

func (s *syncMapInt64) load(key wire.MessageType) int64 {
	s.Lock()
	defer s.Unlock()
	return s.m[key]
}

func (s *syncMapInt64) inc(key wire.MessageType) {
	s.Lock()
	s.m[key]++
	s.Unlock()
}

func (s *syncMapInt64) copy(dst *syncMapInt64) {
	for _, t := range s.keys() {
		dst.Lock()
		dst.m[t] = s.load(t)
		dst.Unlock()
	}
}

func (s *syncMapInt64) reset() {
	s.Lock()
	for t := range s.m {
		s.m[t] = 0
	}
	s.Unlock()
}

// namedCounters is a flat string-keyed atomic counter set for the
// scalar counters in spec §4.M that aren't per-message-type.
type namedCounters struct {
	mu sync.Mutex
	m  map[string]int64
}

func (n *namedCounters) init() { n.m = make(map[string]int64) }

func (n *namedCounters) inc(key string) {
	n.mu.Lock()
	n.m[key]++
	n.mu.Unlock()
}

func (n *namedCounters) load(key string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.m[key]
}

func (n *namedCounters) copy(dst *namedCounters) {
	n.mu.Lock()
	defer n.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()
	for k, v := range n.m {
		dst.m[k] = v
	}
}

func (n *namedCounters) reset() {
	n.mu.Lock()
	for k := range n.m {
		n.m[k] = 0
	}
	n.mu.Unlock()
}

// counters holds everything a transport tracks.
type counters struct {
	rx      syncMapInt64
	tx      syncMapInt64
	named   namedCounters
	peers   int64
}

func (c *counters) init() {
	c.rx.init()
	c.tx.init()
	c.named.init()
}

func (c *counters) reset() {
	c.rx.reset()
	c.tx.reset()
	c.named.reset()
	atomic.StoreInt64(&c.peers, 0)
}

func (c *counters) toMap() map[string]int64 {
	res := make(map[string]int64)
	for _, t := range c.rx.keys() {
		res["rx."+strings.ToLower(t.String())] = c.rx.load(t)
	}
	for _, t := range c.tx.keys() {
		res["tx."+strings.ToLower(t.String())] = c.tx.load(t)
	}
	c.named.mu.Lock()
	for k, v := range c.named.m {
		res[k] = v
	}
	c.named.mu.Unlock()
	res["peers"] = atomic.LoadInt64(&c.peers)
	return res
}

// Stats is the counter collector a transport reports through.
type Stats struct {
	report counters
	counters
}

// New returns an initialized Stats.
func New() *Stats {
	s := &Stats{}
	s.init()
	s.report.init()
	return s
}

// IncRX records one received message of type t.
func (s *Stats) IncRX(t wire.MessageType) { s.rx.inc(t) }

// IncTX records one sent message of type t.
func (s *Stats) IncTX(t wire.MessageType) { s.tx.inc(t) }

// Inc records one occurrence of a named scalar counter (DupSPMs,
// NaksSent, RDataSent, and the rest of the consts above).
func (s *Stats) Inc(name string) { s.named.inc(name) }

// SetPeers records the current tracked peer count.
func (s *Stats) SetPeers(n int) { atomic.StoreInt64(&s.peers, int64(n)) }

// Snapshot copies the live counters into the reported set (spec §4.M:
// reporting is a point-in-time copy, not live values, so a concurrent
// HTTP scrape never observes a half-updated counter set).
func (s *Stats) Snapshot() {
	s.rx.copy(&s.report.rx)
	s.tx.copy(&s.report.tx)
	s.named.copy(&s.report.named)
	atomic.StoreInt64(&s.report.peers, atomic.LoadInt64(&s.peers))
}

// Reset zeroes every counter.
func (s *Stats) Reset() { s.reset() }

// Export returns the last-snapshotted counters as a flat map, for a
// JSON or Prometheus exposition handler.
func (s *Stats) Export() map[string]int64 { return s.report.toMap() }
