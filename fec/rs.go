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

import "fmt"

// Codec is a systematic RS(n,k) erasure codec over GF(256): k data
// shards plus h = n-k parity shards, any k of the n shards reconstruct
// the k originals bit-identically (spec.md invariant 8).
type Codec struct {
	k, h int
	// encMatrix is the (k+h) x k systematic encoding matrix: the top k
	// rows are the identity (so the first k "shards" of a full codeword
	// are the originals verbatim), the bottom h rows are a Cauchy matrix
	// guaranteeing any k x k submatrix is invertible.
	encMatrix matrix
}

// NewCodec builds a Codec for k data shards and h parity shards. k and h
// must both be positive and k+h must fit in a single byte's worth of
// Cauchy evaluation points (k+h <= 255), matching PGM's tg_sqn_shift /
// OPT_PARITY_PRM tgs constraint that n never exceeds 255.
func NewCodec(k, h int) (*Codec, error) {
	if k <= 0 || h <= 0 {
		return nil, fmt.Errorf("fec: k and h must be positive, got k=%d h=%d", k, h)
	}
	if k+h > 255 {
		return nil, fmt.Errorf("fec: k+h must be <= 255, got %d", k+h)
	}

	m := newMatrix(k+h, k)
	for i := 0; i < k; i++ {
		m[i][i] = 1
	}
	for i := 0; i < h; i++ {
		x := byte(i)
		for j := 0; j < k; j++ {
			y := byte(h + j)
			m[k+i][j] = gfInv(gfAdd(x, y))
		}
	}
	return &Codec{k: k, h: h, encMatrix: m}, nil
}

// K is the number of data shards.
func (c *Codec) K() int { return c.k }

// H is the number of parity shards.
func (c *Codec) H() int { return c.h }

// Encode computes the h parity shards for k equal-length data shards.
func (c *Codec) Encode(data [][]byte) ([][]byte, error) {
	if len(data) != c.k {
		return nil, fmt.Errorf("fec: expected %d data shards, got %d", c.k, len(data))
	}
	shardLen := len(data[0])
	for _, d := range data {
		if len(d) != shardLen {
			return nil, fmt.Errorf("fec: all shards must be the same length")
		}
	}

	parity := make([][]byte, c.h)
	for i := 0; i < c.h; i++ {
		row := c.encMatrix[c.k+i]
		out := make([]byte, shardLen)
		for j := 0; j < c.k; j++ {
			gfMulBytes(out, data[j], row[j])
		}
		parity[i] = out
	}
	return parity, nil
}

// Reconstruct repairs the missing data shards of shards[0:k] in place,
// given present marks the full n=k+h codeword (data followed by
// parity) and at least k of them are present. Shards whose present
// entry is false may be nil; on success every data shard up to index k
// is populated with the original bytes.
func (c *Codec) Reconstruct(shards [][]byte, present []bool) error {
	n := c.k + c.h
	if len(shards) != n || len(present) != n {
		return fmt.Errorf("fec: expected %d shards, got %d", n, len(shards))
	}

	haveCount := 0
	for _, ok := range present {
		if ok {
			haveCount++
		}
	}
	if haveCount < c.k {
		return fmt.Errorf("fec: need at least %d of %d shards, have %d", c.k, n, haveCount)
	}

	missingData := false
	for i := 0; i < c.k; i++ {
		if !present[i] {
			missingData = true
			break
		}
	}
	if !missingData {
		return nil
	}

	var shardLen int
	for i, ok := range present {
		if ok {
			shardLen = len(shards[i])
			_ = i
			break
		}
	}

	rowIdx := make([]int, 0, c.k)
	for i := 0; i < n && len(rowIdx) < c.k; i++ {
		if present[i] {
			rowIdx = append(rowIdx, i)
		}
	}

	sub := c.encMatrix.subMatrix(rowIdx)
	inv, err := sub.invert()
	if err != nil {
		return fmt.Errorf("fec: chosen shard set is not decodable: %w", err)
	}

	recovered := make([][]byte, c.k)
	for j := 0; j < c.k; j++ {
		out := make([]byte, shardLen)
		invRow := inv[j]
		for i, r := range rowIdx {
			gfMulBytes(out, shards[r], invRow[i])
		}
		recovered[j] = out
	}
	for j := 0; j < c.k; j++ {
		if !present[j] {
			shards[j] = recovered[j]
			present[j] = true
		}
	}
	return nil
}
