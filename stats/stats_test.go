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

package stats

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/pgm/wire"
)

func TestSyncMapInt64IncAndKeys(t *testing.T) {
	s := syncMapInt64{}
	s.init()
	s.inc(wire.TypeSPM)
	s.inc(wire.TypeSPM)
	s.inc(wire.TypeODATA)

	require.Equal(t, int64(2), s.load(wire.TypeSPM))
	require.Equal(t, int64(1), s.load(wire.TypeODATA))
	require.ElementsMatch(t, []wire.MessageType{wire.TypeSPM, wire.TypeODATA}, s.keys())
}

func TestSnapshotIsolatesLiveCounters(t *testing.T) {
	s := New()
	s.IncRX(wire.TypeODATA)
	s.Inc(NaksSent)
	s.Snapshot()

	s.IncRX(wire.TypeODATA) // a live update after the snapshot must not appear in Export
	exported := s.Export()
	require.Equal(t, int64(1), exported["rx.odata"])
	require.Equal(t, int64(1), exported[NaksSent])
}

func TestResetZeroesCounters(t *testing.T) {
	s := New()
	s.IncTX(wire.TypeSPM)
	s.Inc(RDataSent)
	s.Reset()
	s.Snapshot()

	exported := s.Export()
	require.Equal(t, int64(0), exported["tx.spm"])
	require.Equal(t, int64(0), exported[RDataSent])
}

func TestSetPeers(t *testing.T) {
	s := New()
	s.SetPeers(3)
	s.Snapshot()
	require.Equal(t, int64(3), s.Export()["peers"])
}

func TestJSONHandlerServesExport(t *testing.T) {
	s := New()
	s.IncRX(wire.TypeNAK)
	s.Snapshot()

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	s.JSONHandler()(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "rx.nak")
}

func TestPrometheusExporterCollect(t *testing.T) {
	s := New()
	s.IncTX(wire.TypeRDATA)
	s.Snapshot()

	e := NewPrometheusExporter(s)
	e.Collect()
	e.Collect() // a repeated collect must not panic on AlreadyRegisteredError

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "pgm_tx_rdata")
}
