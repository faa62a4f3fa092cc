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

package receiver

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/pgm/peer"
	"github.com/facebookincubator/pgm/window"
	"github.com/facebookincubator/pgm/wire"
)

func testConfig() Config {
	return Config{
		NakBOIvl:       10 * time.Millisecond,
		NakRptIvl:      10 * time.Millisecond,
		NakRDataIvl:    10 * time.Millisecond,
		NakNCFRetries:  2,
		NakDataRetries: 2,
		SPMRExpiry:     50 * time.Millisecond,
	}
}

func testPeer() *peer.Peer {
	tbl := peer.NewTable()
	tsi := wire.TSI{GSI: wire.GSI{1, 2, 3, 4, 5, 6}, SourcePort: 7000}
	return tbl.GetOrCreate(tsi, wire.NLAFromIP(net.ParseIP("10.0.0.1")))
}

// armedEntry creates a BACK_OFF placeholder already past its jitter
// expiry, queued onto p.BackOff, ready for the engine to sweep.
func armedEntry(p *peer.Peer, sqn uint32, expiry time.Time) *window.Entry {
	entry := &window.Entry{Sqn: sqn, State: window.StateBackOff, NakRBExpiry: expiry}
	entry.QueueElem = p.BackOff.PushBack(entry)
	return entry
}

func TestArmOpensBackOffPlaceholder(t *testing.T) {
	e := New(testConfig())
	p := testPeer()
	entry := &window.Entry{Sqn: 1}

	now := time.Now()
	e.Arm(entry, now)

	require.Equal(t, window.StateBackOff, entry.State)
	require.Equal(t, now, entry.T0)
	require.True(t, !entry.NakRBExpiry.Before(now))
	_ = p
}

func TestNakRBStateMovesExpiredEntriesToWaitNCFAndBatches(t *testing.T) {
	e := New(testConfig())
	p := testPeer()
	past := time.Now().Add(-time.Millisecond)

	e1 := armedEntry(p, 10, past)
	e2 := armedEntry(p, 11, past)
	future := armedEntry(p, 12, time.Now().Add(time.Hour))

	reqs := e.NakRBState(p, time.Now())
	require.Len(t, reqs, 1)
	require.Equal(t, []uint32{10, 11}, reqs[0].Sqns)

	require.Equal(t, window.StateWaitNCF, e1.State)
	require.Equal(t, window.StateWaitNCF, e2.State)
	require.Equal(t, 1, e1.NakTransmitCount)
	require.Equal(t, 1, p.BackOff.Len(), "only the unexpired entry remains")
	require.Equal(t, window.StateBackOff, future.State)
	require.Equal(t, 2, p.WaitNCF.Len())
}

func TestNakRBStatePassiveNeverEmitsButTimesOut(t *testing.T) {
	e := New(testConfig())
	p := testPeer()
	p.IsPassive = true
	past := time.Now().Add(-time.Millisecond)
	entry := armedEntry(p, 5, past)

	reqs := e.NakRBState(p, time.Now())
	require.Nil(t, reqs)
	require.Equal(t, window.StateLost, entry.State)
	require.Equal(t, 0, p.BackOff.Len())
}

func TestNakRptStateRetriesThenDeclaresLoss(t *testing.T) {
	e := New(testConfig())
	p := testPeer()

	entry := &window.Entry{Sqn: 20, State: window.StateWaitNCF}
	entry.NakRptExpiry = time.Now().Add(-time.Millisecond)
	entry.QueueElem = p.WaitNCF.PushBack(entry)

	// first expiry: retry budget allows one more attempt
	flushes := e.NakRptState(p, time.Now())
	require.Empty(t, flushes)
	require.Equal(t, window.StateBackOff, entry.State)
	require.Equal(t, 1, entry.NcfRetryCount)
	require.Equal(t, 1, p.BackOff.Len())

	// exhaust the remaining retry budget
	for i := 0; i < testConfig().NakNCFRetries && entry.State != window.StateLost; i++ {
		p.BackOff.Remove(entry.QueueElem)
		entry.State = window.StateWaitNCF
		entry.NakRptExpiry = time.Now().Add(-time.Millisecond)
		entry.QueueElem = p.WaitNCF.PushBack(entry)
		flushes = e.NakRptState(p, time.Now())
	}

	require.Len(t, flushes, 1)
	require.Equal(t, window.StateLost, entry.State)
	require.Equal(t, []uint32{20}, flushes[0].Lost)
}

func TestOnNCFMovesToWaitData(t *testing.T) {
	e := New(testConfig())
	p := testPeer()

	entry := &window.Entry{Sqn: 7, State: window.StateWaitNCF}
	entry.QueueElem = p.WaitNCF.PushBack(entry)

	e.OnNCF(p, entry, time.Now())
	require.Equal(t, window.StateWaitData, entry.State)
	require.Equal(t, 0, p.WaitNCF.Len())
	require.Equal(t, 1, p.WaitData.Len())
}

func TestOnDataUnlinksFromWhicheverQueue(t *testing.T) {
	e := New(testConfig())
	p := testPeer()

	entry := &window.Entry{Sqn: 9, State: window.StateWaitData}
	entry.QueueElem = p.WaitData.PushBack(entry)

	e.OnData(p, entry)
	require.Nil(t, entry.QueueElem)
	require.Equal(t, 0, p.WaitData.Len())
}

func TestNeedsSPMRRespectsPassive(t *testing.T) {
	e := New(testConfig())
	p := testPeer()
	p.IsPassive = true
	p.SPMRExpiry = time.Now().Add(-time.Second)
	require.False(t, e.NeedsSPMR(p, time.Now()))

	p.IsPassive = false
	require.True(t, e.NeedsSPMR(p, time.Now()))
}

func TestSweepExpiryPicksSoonestAcrossQueues(t *testing.T) {
	e := New(testConfig())
	p := testPeer()

	now := time.Now()
	e1 := &window.Entry{Sqn: 1, NakRBExpiry: now.Add(5 * time.Second)}
	e1.QueueElem = p.BackOff.PushBack(e1)
	e2 := &window.Entry{Sqn: 2, NakRptExpiry: now.Add(time.Second)}
	e2.QueueElem = p.WaitNCF.PushBack(e2)

	soonest, ok := e.SweepExpiry(p)
	require.True(t, ok)
	require.Equal(t, e2.NakRptExpiry, soonest)
}
