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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushAdvancesLeadAndEvictsTrail(t *testing.T) {
	tx := NewTransmit(3)
	for i := 0; i < 3; i++ {
		sqn := tx.Push([]byte{byte(i)}, false)
		require.Equal(t, uint32(i), sqn)
	}
	require.Equal(t, uint32(0), tx.Trail())
	require.Equal(t, uint32(3), tx.Lead())

	tx.Push([]byte{3}, false)
	require.Equal(t, uint32(1), tx.Trail(), "oldest slot evicted once window is full")
	_, ok := tx.Peek(0)
	require.False(t, ok)
}

func TestPeekReturnsPushedPacket(t *testing.T) {
	tx := NewTransmit(4)
	tx.Push([]byte("a"), false)
	sqn := tx.Push([]byte("b"), false)
	pkt, ok := tx.Peek(sqn)
	require.True(t, ok)
	require.Equal(t, []byte("b"), pkt.Data)
}

func TestRetransmitPushIsIdempotentUntilPopped(t *testing.T) {
	tx := NewTransmit(4)
	tx.Push([]byte("a"), false)

	require.Equal(t, 1, tx.RetransmitPush(0, false, 0))
	require.Equal(t, 0, tx.RetransmitPush(0, false, 0), "duplicate re-NAK before pop is a no-op")

	req, pkt, ok := tx.RetransmitTryPop()
	require.True(t, ok)
	require.Equal(t, uint32(0), req.Sqn)
	require.Equal(t, []byte("a"), pkt.Data)

	// after popping, the sqn can be queued again
	require.Equal(t, 1, tx.RetransmitPush(0, false, 0))
}

func TestRetransmitTryPopFIFOOrder(t *testing.T) {
	tx := NewTransmit(8)
	tx.Push([]byte("a"), false)
	tx.Push([]byte("b"), false)
	tx.RetransmitPush(1, false, 0)
	tx.RetransmitPush(0, false, 0)

	req1, _, ok := tx.RetransmitTryPop()
	require.True(t, ok)
	require.Equal(t, uint32(1), req1.Sqn)

	req2, _, ok := tx.RetransmitTryPop()
	require.True(t, ok)
	require.Equal(t, uint32(0), req2.Sqn)
}

func TestRetransmitTryPopParityRequestHasNoBackingPacket(t *testing.T) {
	tx := NewTransmit(8)
	tx.RetransmitPush(100, true, 1)
	req, pkt, ok := tx.RetransmitTryPop()
	require.True(t, ok)
	require.True(t, req.Parity)
	require.Nil(t, pkt)
}

func TestRetransmitTryPopMissingSelectiveSqnFails(t *testing.T) {
	tx := NewTransmit(2)
	tx.Push([]byte("a"), false)
	tx.Push([]byte("b"), false)
	tx.RetransmitPush(0, false, 0)
	tx.Push([]byte("c"), false) // evicts sqn 0

	_, _, ok := tx.RetransmitTryPop()
	require.False(t, ok)
}

func TestZeroPadRejectsShortening(t *testing.T) {
	_, err := ZeroPad([]byte("abcd"), 2)
	require.Error(t, err)
}

func TestZeroPadExtends(t *testing.T) {
	out, err := ZeroPad([]byte("ab"), 4)
	require.NoError(t, err)
	require.Equal(t, []byte{'a', 'b', 0, 0}, out)
}
