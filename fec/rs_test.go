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

package fec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeReconstructAnyTwoOfSix(t *testing.T) {
	c, err := NewCodec(4, 2)
	require.NoError(t, err)

	data := [][]byte{
		[]byte("aaaaaaaa"),
		[]byte("bbbbbbbb"),
		[]byte("cccccccc"),
		[]byte("dddddddd"),
	}
	parity, err := c.Encode(data)
	require.NoError(t, err)
	require.Len(t, parity, 2)

	full := append(append([][]byte{}, data...), parity...)

	// try every pair of dropped shards among the 6
	for drop1 := 0; drop1 < 6; drop1++ {
		for drop2 := drop1 + 1; drop2 < 6; drop2++ {
			shards := make([][]byte, 6)
			present := make([]bool, 6)
			for i := range shards {
				present[i] = true
				shards[i] = append([]byte{}, full[i]...)
			}
			shards[drop1], present[drop1] = nil, false
			shards[drop2], present[drop2] = nil, false

			require.NoError(t, c.Reconstruct(shards, present))
			for i := 0; i < 4; i++ {
				require.True(t, bytes.Equal(data[i], shards[i]), "mismatch with drop %d,%d shard %d", drop1, drop2, i)
			}
		}
	}
}

func TestReconstructNoopWhenAllDataPresent(t *testing.T) {
	c, err := NewCodec(2, 2)
	require.NoError(t, err)
	data := [][]byte{[]byte("xx"), []byte("yy")}
	parity, err := c.Encode(data)
	require.NoError(t, err)
	shards := [][]byte{data[0], data[1], parity[0], parity[1]}
	present := []bool{true, true, false, false}
	require.NoError(t, c.Reconstruct(shards, present))
	require.Equal(t, data[0], shards[0])
	require.Equal(t, data[1], shards[1])
}

func TestReconstructFailsWithTooFewShards(t *testing.T) {
	c, err := NewCodec(4, 2)
	require.NoError(t, err)
	shards := make([][]byte, 6)
	present := []bool{true, true, true, false, false, false}
	shards[0], shards[1], shards[2] = []byte("a"), []byte("b"), []byte("c")
	require.Error(t, c.Reconstruct(shards, present))
}
