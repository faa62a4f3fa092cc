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

package sender

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/pgm/ratelimit"
	"github.com/facebookincubator/pgm/window"
	"github.com/facebookincubator/pgm/wire"
)

func testConfig() Config {
	return Config{
		MaxTPDU:            1500,
		HeaderOverhead:     28,
		SPMAmbientInterval: time.Second,
		HeartbeatIntervals: []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond, 0},
	}
}

func newTestSender(t *testing.T, cfg Config) *Sender {
	tx := window.NewTransmit(64)
	rl := ratelimit.New(0, 0)
	s, err := New(cfg, tx, rl)
	require.NoError(t, err)
	s.SourcePort = 1000
	s.DestPort = 2000
	return s
}

func TestSendODATAUnfragmented(t *testing.T) {
	s := newTestSender(t, testConfig())
	pkts, err := s.SendODATA([]byte("hello"), time.Now())
	require.NoError(t, err)
	require.Len(t, pkts, 1)

	m, err := wire.UnmarshalData(pkts[0])
	require.NoError(t, err)
	require.Equal(t, wire.TypeODATA, m.Header.Type)
	require.Equal(t, []byte("hello"), m.Payload)
	require.True(t, wire.VerifyPacket(pkts[0]))
}

func TestSendODATAFragmentsOversizedPayload(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTPDU = 64
	cfg.HeaderOverhead = 0
	s := newTestSender(t, cfg)

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i)
	}
	pkts, err := s.SendODATA(payload, time.Now())
	require.NoError(t, err)
	require.Greater(t, len(pkts), 1)

	var reassembled []byte
	for _, raw := range pkts {
		m, err := wire.UnmarshalData(raw)
		require.NoError(t, err)
		require.Equal(t, wire.TypeODATA, m.Header.Type)
		opt, ok := wire.FindOption(m.Options, wire.OptTypeFragment)
		require.True(t, ok)
		frag, err := wire.UnmarshalFragmentOption(opt.Body)
		require.NoError(t, err)
		require.Equal(t, uint32(len(payload)), frag.FragLen)
		reassembled = append(reassembled, m.Payload...)
	}
	require.Equal(t, payload, reassembled)
}

func TestSendODATAArmsHeartbeat(t *testing.T) {
	s := newTestSender(t, testConfig())
	now := time.Now()
	s.ArmAmbient(now)
	_, err := s.SendODATA([]byte("x"), now)
	require.NoError(t, err)
	require.True(t, s.hb.armed)
	require.True(t, s.NextSPMDeadline().Before(s.nextAmbientSPM))
}

func TestDueSPMAmbientTakesPriority(t *testing.T) {
	s := newTestSender(t, testConfig())
	now := time.Now()
	s.nextAmbientSPM = now.Add(-time.Millisecond)
	s.hb.armed = true
	s.hb.next = now.Add(-time.Millisecond)

	require.True(t, s.DueSPM(now))
	require.False(t, s.hb.armed, "ambient firing disarms the heartbeat")
}

func TestHeartbeatSchedulePromotesThenDisarms(t *testing.T) {
	s := newTestSender(t, testConfig())
	now := time.Now()
	s.nextAmbientSPM = now.Add(time.Hour)

	s.hb.arm(now)
	require.True(t, s.hb.armed)
	require.Equal(t, 1, s.hb.state)

	s.hb.next = now.Add(-time.Millisecond)
	require.True(t, s.DueSPM(now))
	require.True(t, s.hb.armed)
	require.Equal(t, 2, s.hb.state)

	s.hb.next = now.Add(-time.Millisecond)
	require.True(t, s.DueSPM(now))
	require.False(t, s.hb.armed, "trailing zero in the schedule disarms the heartbeat")
}

func TestBuildRDATASelective(t *testing.T) {
	s := newTestSender(t, testConfig())
	pkts, err := s.SendODATA([]byte("payload"), time.Now())
	require.NoError(t, err)
	require.Len(t, pkts, 1)

	pushed := s.AdmitNAK([]uint32{0}, false)
	require.Equal(t, 1, pushed)

	rdata, ok, err := s.BuildRDATA(time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	m, err := wire.UnmarshalData(rdata)
	require.NoError(t, err)
	require.Equal(t, wire.TypeRDATA, m.Header.Type)
	require.Equal(t, []byte("payload"), m.Payload)
}

func TestBuildRDATANoPendingRequest(t *testing.T) {
	s := newTestSender(t, testConfig())
	_, ok, err := s.BuildRDATA(time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBuildRDATAParityReconstructsAcrossGroup(t *testing.T) {
	cfg := testConfig()
	cfg.UseOndemandParity = true
	cfg.RSK = 2
	cfg.RSH = 1
	cfg.TGSqnShift = 2 // stride 4 leaves room for k=2 data slots + h=1 repair slot
	s := newTestSender(t, cfg)

	_, err := s.SendODATA([]byte("aa"), time.Now())
	require.NoError(t, err)
	_, err = s.SendODATA([]byte("bb"), time.Now())
	require.NoError(t, err)

	s.AdmitNAK([]uint32{2}, true) // tg_sqn=0, rs_h=0 repair slot (offset k=2)
	rdata, ok, err := s.BuildRDATA(time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	m, err := wire.UnmarshalData(rdata)
	require.NoError(t, err)
	require.Equal(t, wire.TypeRDATA, m.Header.Type)
	require.NotZero(t, m.Header.Options&wire.OptParity)
}
