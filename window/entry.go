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

// Package window implements the transmit and receive window containers
// spec.md names as consumed-only collaborators (spec §4.B, §4.C). They
// are not part of the hard core (the NAK/retransmission state machines
// in package receiver/sender are), but a runnable transport needs a
// concrete backing store behind the named operations.
package window

import (
	"container/list"
	"time"

	"github.com/facebookincubator/pgm/wire"
)

// EntryState is the receive window packet state (spec §3).
type EntryState int

// Entry states
const (
	StateBackOff EntryState = iota
	StateWaitNCF
	StateWaitData
	StateHaveData
	StateLost
	StateCommitted
)

func (s EntryState) String() string {
	switch s {
	case StateBackOff:
		return "BACK_OFF"
	case StateWaitNCF:
		return "WAIT_NCF"
	case StateWaitData:
		return "WAIT_DATA"
	case StateHaveData:
		return "HAVE_DATA"
	case StateLost:
		return "LOST"
	case StateCommitted:
		return "COMMITTED"
	default:
		return "UNKNOWN"
	}
}

// Entry is one receive window packet slot (spec §3 "Receive window
// packet (entry)"). The NAK engine (package receiver) owns the three
// FIFOs that link these by holding on to the *list.Element returned when
// an entry is queued, so transitions can unlink in O(1).
type Entry struct {
	Sqn   uint32
	State EntryState

	Payload  []byte
	Fragment *wire.FragmentOption
	Parity   bool
	TGSqn    uint32

	T0               time.Time
	NakRBExpiry      time.Time
	NakRptExpiry     time.Time
	NakRDataExpiry   time.Time
	NakTransmitCount int
	NcfRetryCount    int
	DataRetryCount   int

	// QueueElem is the list.Element currently holding this entry in
	// whichever of the three NAK queues it belongs to, or nil if it is
	// not queued (e.g. HAVE_DATA, LOST, COMMITTED).
	QueueElem *list.Element
}
