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

package peer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/pgm/wire"
)

func testTSI(n byte) wire.TSI {
	return wire.TSI{GSI: wire.GSI{0, 0, 0, 0, 0, n}, SourcePort: 1000}
}

func TestTableGetOrCreateIsIdempotent(t *testing.T) {
	tbl := NewTable()
	tsi := testTSI(1)
	nla := wire.NLAFromIP(net.ParseIP("10.0.0.1"))

	p1 := tbl.GetOrCreate(tsi, nla)
	p2 := tbl.GetOrCreate(tsi, nla)
	require.Same(t, p1, p2)
	require.Equal(t, 1, tbl.Len())
}

func TestObserveSPMSqnAdvancesOnly(t *testing.T) {
	p := newPeer(testTSI(2), wire.NLA{})

	require.True(t, p.ObserveSPMSqn(10))
	require.False(t, p.ObserveSPMSqn(10), "duplicate sqn does not advance")
	require.False(t, p.ObserveSPMSqn(5), "stale sqn does not advance")
	require.True(t, p.ObserveSPMSqn(11))
}

func TestObserveSPMSqnResetsSPMRCounter(t *testing.T) {
	p := newPeer(testTSI(3), wire.NLA{})
	p.IncSPMR()
	p.IncSPMR()
	require.Equal(t, 2, p.spmrOutstanding)
	p.ObserveSPMSqn(1)
	require.Equal(t, 0, p.spmrOutstanding)
}

func TestTableRemove(t *testing.T) {
	tbl := NewTable()
	tsi := testTSI(4)
	tbl.GetOrCreate(tsi, wire.NLA{})
	require.Equal(t, 1, tbl.Len())
	tbl.Remove(tsi)
	require.Equal(t, 0, tbl.Len())
	_, ok := tbl.Get(tsi)
	require.False(t, ok)
}

func TestTableStale(t *testing.T) {
	tbl := NewTable()
	fresh := tbl.GetOrCreate(testTSI(5), wire.NLA{})
	old := tbl.GetOrCreate(testTSI(6), wire.NLA{})

	now := time.Now()
	fresh.LastActivity = now
	old.LastActivity = now.Add(-time.Hour)

	stale := tbl.Stale(now.Add(-time.Minute))
	require.Equal(t, []wire.TSI{testTSI(6)}, stale)
}

func TestTableEachVisitsAllPeers(t *testing.T) {
	tbl := NewTable()
	tbl.GetOrCreate(testTSI(7), wire.NLA{})
	tbl.GetOrCreate(testTSI(8), wire.NLA{})

	seen := map[wire.TSI]bool{}
	tbl.Each(func(p *Peer) { seen[p.TSI] = true })
	require.Len(t, seen, 2)
}
