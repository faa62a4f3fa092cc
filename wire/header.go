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

package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the size in bytes of the common PGM header.
const HeaderLen = 16

// Header is the common 16-byte PGM header (RFC 3208 §8.1) shared by
// every PGM message type.
type Header struct {
	SourcePort uint16
	DestPort   uint16
	Type       MessageType
	Options    uint8
	Checksum   uint16
	GSI        GSI
	TSDULength uint16
}

// marshalTo writes the header to b[:HeaderLen], not re-allocating.
func (h Header) marshalTo(b []byte) {
	binary.BigEndian.PutUint16(b[0:], h.SourcePort)
	binary.BigEndian.PutUint16(b[2:], h.DestPort)
	b[4] = uint8(h.Type)
	b[5] = h.Options
	binary.BigEndian.PutUint16(b[6:], h.Checksum)
	copy(b[8:14], h.GSI[:])
	binary.BigEndian.PutUint16(b[14:], h.TSDULength)
}

// Marshal encodes the header to a new HeaderLen-byte slice.
func (h Header) Marshal() []byte {
	b := make([]byte, HeaderLen)
	h.marshalTo(b)
	return b
}

// UnmarshalHeader decodes the common header from the front of b.
func UnmarshalHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderLen {
		return h, fmt.Errorf("short buffer for PGM header: need %d, have %d", HeaderLen, len(b))
	}
	h.SourcePort = binary.BigEndian.Uint16(b[0:])
	h.DestPort = binary.BigEndian.Uint16(b[2:])
	h.Type = MessageType(b[4])
	h.Options = b[5]
	h.Checksum = binary.BigEndian.Uint16(b[6:])
	copy(h.GSI[:], b[8:14])
	h.TSDULength = binary.BigEndian.Uint16(b[14:])
	return h, nil
}

// ProbeType peeks the message type without fully decoding the packet.
func ProbeType(b []byte) (MessageType, error) {
	if len(b) < HeaderLen {
		return 0, fmt.Errorf("short buffer to probe message type")
	}
	return MessageType(b[4]), nil
}

// HasOptions reports whether the header's Options byte advertises an
// option extension chain (OPT_PRESENT).
func (h Header) HasOptions() bool {
	return h.Options&OptPresent != 0
}
