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

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/pgm/pgmerr"
	"github.com/facebookincubator/pgm/wire"
)

func testGSI() wire.GSI { return wire.GSI{1, 2, 3, 4, 5, 6} }

func TestCreateRequiresSendOrRecv(t *testing.T) {
	_, err := Create(Config{}, testGSI())
	require.Error(t, err)
}

func TestSendRequiresSendConfigured(t *testing.T) {
	tr, err := Create(Config{CanRecv: true}, testGSI())
	require.NoError(t, err)
	_, err = tr.Send([]byte("hi"))
	require.Error(t, err)
}

func TestSendRequiresBind(t *testing.T) {
	tr, err := Create(Config{CanSend: true, MaxTPDU: 1500, HeaderOverhead: 28}, testGSI())
	require.NoError(t, err)
	_, err = tr.Send([]byte("hi"))
	require.ErrorIs(t, err, pgmerr.ErrNotBound)
}

func TestRecvMsgvDrainsWithoutBlocking(t *testing.T) {
	tr, err := Create(Config{CanRecv: true, InboxSize: 8}, testGSI())
	require.NoError(t, err)

	tsi := wire.TSI{GSI: testGSI(), SourcePort: 1000}
	tr.enqueue(Delivery{TSI: tsi, Payload: []byte("a")})
	tr.enqueue(Delivery{TSI: tsi, Payload: []byte("b")})

	got := tr.RecvMsgv(10)
	require.Len(t, got, 2)
	require.Equal(t, []byte("a"), got[0].Payload)
	require.Equal(t, []byte("b"), got[1].Payload)

	require.Empty(t, tr.RecvMsgv(10))
}

func TestRecvBlocksUntilDelivery(t *testing.T) {
	tr, err := Create(Config{CanRecv: true, InboxSize: 4}, testGSI())
	require.NoError(t, err)

	tsi := wire.TSI{GSI: testGSI(), SourcePort: 1000}
	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.enqueue(Delivery{TSI: tsi, Payload: []byte("late")})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := tr.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("late"), payload)
}

func TestRecvReturnsLossError(t *testing.T) {
	tr, err := Create(Config{CanRecv: true, InboxSize: 4}, testGSI())
	require.NoError(t, err)

	tsi := wire.TSI{GSI: testGSI(), SourcePort: 1000}
	tr.enqueue(Delivery{TSI: tsi, Lost: []uint32{3, 4}})

	_, err = tr.Recv(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, pgmerr.ErrExhaustedRetries)
	var lossErr *LossError
	require.ErrorAs(t, err, &lossErr)
	require.Equal(t, []uint32{3, 4}, lossErr.Sqns)
}

func TestRecvContextCanceled(t *testing.T) {
	tr, err := Create(Config{CanRecv: true}, testGSI())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Recv(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEnqueueDropsOldestWhenInboxFull(t *testing.T) {
	tr, err := Create(Config{CanRecv: true, InboxSize: 1}, testGSI())
	require.NoError(t, err)

	tsi := wire.TSI{GSI: testGSI(), SourcePort: 1000}
	tr.enqueue(Delivery{TSI: tsi, Payload: []byte("old")})
	tr.enqueue(Delivery{TSI: tsi, Payload: []byte("new")})

	got := tr.RecvMsgv(10)
	require.Len(t, got, 1)
	require.Equal(t, []byte("new"), got[0].Payload)
}

func TestSetFECRejectedAfterBind(t *testing.T) {
	tr, err := Create(Config{CanSend: true, MaxTPDU: 1500, HeaderOverhead: 28}, testGSI())
	require.NoError(t, err)
	tr.bound = true

	err = tr.SetFEC(true, false, 8, 4)
	require.Error(t, err)
}

func TestSetSendOnlyAndRecvOnlyRejectedAfterBind(t *testing.T) {
	tr, err := Create(Config{CanSend: true, CanRecv: true, MaxTPDU: 1500, HeaderOverhead: 28}, testGSI())
	require.NoError(t, err)
	tr.bound = true

	require.Error(t, tr.SetSendOnly(true))
	require.Error(t, tr.SetRecvOnly(true))
}

func TestSetSendOnlyBeforeBind(t *testing.T) {
	tr, err := Create(Config{CanSend: true, CanRecv: true, MaxTPDU: 1500, HeaderOverhead: 28}, testGSI())
	require.NoError(t, err)

	require.NoError(t, tr.SetSendOnly(true))
	require.False(t, tr.cfg.CanRecv)
}

func TestLossErrorMessage(t *testing.T) {
	e := &LossError{TSI: wire.TSI{GSI: testGSI(), SourcePort: 1000}, Sqns: []uint32{1, 2, 3}}
	require.Contains(t, e.Error(), "3 packet(s) lost")
}

func TestRecvMsgReturnsDeliveryWithTSI(t *testing.T) {
	tr, err := Create(Config{CanRecv: true, InboxSize: 4}, testGSI())
	require.NoError(t, err)

	tsi := wire.TSI{GSI: testGSI(), SourcePort: 1000}
	tr.enqueue(Delivery{TSI: tsi, Payload: []byte("hi")})

	d, err := tr.RecvMsg(context.Background())
	require.NoError(t, err)
	require.Equal(t, tsi, d.TSI)
	require.Equal(t, []byte("hi"), d.Payload)
}

func TestRecvMsgContextCanceled(t *testing.T) {
	tr, err := Create(Config{CanRecv: true}, testGSI())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.RecvMsg(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSendDontwaitRequiresSendConfigured(t *testing.T) {
	tr, err := Create(Config{CanRecv: true}, testGSI())
	require.NoError(t, err)
	_, err = tr.SendDontwait([]byte("hi"))
	require.Error(t, err)
}

func TestSendDontwaitRequiresBind(t *testing.T) {
	tr, err := Create(Config{CanSend: true, MaxTPDU: 1500, HeaderOverhead: 28}, testGSI())
	require.NoError(t, err)
	_, err = tr.SendDontwait([]byte("hi"))
	require.ErrorIs(t, err, pgmerr.ErrNotBound)
}

func TestDestroyIsIdempotent(t *testing.T) {
	tr, err := Create(Config{CanSend: true, MaxTPDU: 1500, HeaderOverhead: 28}, testGSI())
	require.NoError(t, err)
	require.NoError(t, tr.Destroy(false))
	require.NoError(t, tr.Destroy(false))
}
