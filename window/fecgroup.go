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

// FECGroup tracks reconstruction progress for one in-progress
// transmission group on the receive side (SPEC_FULL §3 "FEC group
// cache": tg_sqn, have[n]bool, originals, parities). Shards are indexed
// 0..k-1 for originals and k..k+h-1 for parity, matching the sender's
// data_sqn = tg_sqn + index convention (package sender buildParityRDATA).
type FECGroup struct {
	TGSqn uint32
	K, H  int

	// Have[i] is true once Shards[i] has been recorded, either a
	// verbatim original (i < K) or a parity shard (i >= K).
	Have   []bool
	Shards [][]byte
}

func newFECGroup(tgSqn uint32, k, h int) *FECGroup {
	return &FECGroup{
		TGSqn:  tgSqn,
		K:      k,
		H:      h,
		Have:   make([]bool, k+h),
		Shards: make([][]byte, k+h),
	}
}

func (g *FECGroup) haveCount() int {
	n := 0
	for _, ok := range g.Have {
		if ok {
			n++
		}
	}
	return n
}

// AdmitFECMember records one data or parity shard of a transmission
// group, creating the group's cache entry on first sight. It returns
// the group and whether at least k of its n members are now present,
// the threshold fec.Codec.Reconstruct needs.
func (r *Receive) AdmitFECMember(tgSqn uint32, idx, k, h int, payload []byte) (g *FECGroup, ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fecGroups == nil {
		r.fecGroups = make(map[uint32]*FECGroup)
	}
	g, ok := r.fecGroups[tgSqn]
	if !ok {
		g = newFECGroup(tgSqn, k, h)
		r.fecGroups[tgSqn] = g
	}
	if idx < 0 || idx >= len(g.Have) {
		return g, false
	}
	if !g.Have[idx] {
		g.Have[idx] = true
		g.Shards[idx] = payload
	}
	return g, g.haveCount() >= g.K
}

// ReleaseFECGroup drops a transmission group's cache entry, called once
// the caller has attempted reconstruction (successfully or not) so the
// cache does not grow without bound across a long-running session.
func (r *Receive) ReleaseFECGroup(tgSqn uint32) {
	r.mu.Lock()
	delete(r.fecGroups, tgSqn)
	r.mu.Unlock()
}
