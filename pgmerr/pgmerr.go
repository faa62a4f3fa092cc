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

// Package pgmerr holds the transport's sentinel errors (spec §7 "Error
// Handling Design"), checked with errors.Is rather than bespoke error
// types, in the style of the teacher's exported config sentinels
// (ptp/ptp4u/server/config.go errInsaneUTCoffset).
package pgmerr

import "errors"

var (
	// ErrInvalidArgument marks a call that is structurally wrong for
	// this transport's configuration (e.g. Send on a receive-only
	// transport, a Create with neither role enabled).
	ErrInvalidArgument = errors.New("pgm: invalid argument")

	// ErrWouldBlock marks a non-blocking operation that could not
	// complete immediately: a rate-limited send or a blocked socket in
	// send_pkt_dontwait (spec §6). RecvMsgv on an empty inbox returns an
	// empty slice rather than this error.
	ErrWouldBlock = errors.New("pgm: would block")

	// ErrExhaustedRetries marks a receive-window entry the NAK engine
	// gave up recovering after its configured retry budget (spec §4.F
	// "declare loss after exhausting NAK retries").
	ErrExhaustedRetries = errors.New("pgm: exhausted NAK retries")

	// ErrNotBound marks an operation that requires Bind to have run.
	ErrNotBound = errors.New("pgm: transport not bound")
)
