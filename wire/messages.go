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

// SPM is a Source Path Message: sender advertisement of the transmit
// window's trail/lead plus the sender's NLA for the NAK return path.
type SPM struct {
	Header  Header
	Sqn     uint32
	Trail   uint32
	Lead    uint32
	NLA     NLA
	Options []Option
}

const spmBodyFixedLen = 4 + 4 + 4 // sqn, trail, lead

// MarshalSPM encodes a full SPM packet (header + body + options).
func MarshalSPM(m SPM) ([]byte, error) {
	optBytes, err := encodeOptions(m.Options)
	if err != nil {
		return nil, err
	}
	body := make([]byte, spmBodyFixedLen+m.NLA.Len())
	binary.BigEndian.PutUint32(body[0:], m.Sqn)
	binary.BigEndian.PutUint32(body[4:], m.Trail)
	binary.BigEndian.PutUint32(body[8:], m.Lead)
	if _, err := m.NLA.Marshal(body[12:]); err != nil {
		return nil, err
	}

	h := m.Header
	h.Type = TypeSPM
	h.TSDULength = 0
	if len(optBytes) > 0 {
		h.Options |= OptPresent
	}
	return assemble(h, body, nil, optBytes), nil
}

// UnmarshalSPM decodes a full SPM packet.
func UnmarshalSPM(b []byte) (SPM, error) {
	h, rest, err := splitHeader(b)
	if err != nil {
		return SPM{}, err
	}
	if len(rest) < spmBodyFixedLen {
		return SPM{}, fmt.Errorf("short SPM body")
	}
	m := SPM{Header: h}
	m.Sqn = binary.BigEndian.Uint32(rest[0:])
	m.Trail = binary.BigEndian.Uint32(rest[4:])
	m.Lead = binary.BigEndian.Uint32(rest[8:])
	nla, n, err := UnmarshalNLA(rest[12:])
	if err != nil {
		return SPM{}, err
	}
	m.NLA = nla
	tail := rest[12+n:]
	if h.HasOptions() {
		m.Options, err = UnmarshalOptions(tail)
		if err != nil {
			return SPM{}, err
		}
	}
	return m, nil
}

// Data is the shared body shape of ODATA and RDATA: a data sqn, the
// sender's current trail, and the payload (possibly fragmented via
// OPT_FRAGMENT, possibly an RS parity payload via OPT_PARITY).
type Data struct {
	Header    Header
	DataSqn   uint32
	DataTrail uint32
	Payload   []byte
	Options   []Option
}

const dataBodyFixedLen = 4 + 4 // data_sqn, data_trail

// MarshalData encodes a full ODATA/RDATA packet. h.Type must already be
// set to TypeODATA or TypeRDATA by the caller.
func MarshalData(m Data) ([]byte, error) {
	optBytes, err := encodeOptions(m.Options)
	if err != nil {
		return nil, err
	}
	body := make([]byte, dataBodyFixedLen)
	binary.BigEndian.PutUint32(body[0:], m.DataSqn)
	binary.BigEndian.PutUint32(body[4:], m.DataTrail)

	h := m.Header
	h.TSDULength = uint16(len(m.Payload))
	if len(optBytes) > 0 {
		h.Options |= OptPresent
	}
	return assemble(h, body, m.Payload, optBytes), nil
}

// UnmarshalData decodes a full ODATA/RDATA packet.
func UnmarshalData(b []byte) (Data, error) {
	h, rest, err := splitHeader(b)
	if err != nil {
		return Data{}, err
	}
	if len(rest) < dataBodyFixedLen {
		return Data{}, fmt.Errorf("short ODATA/RDATA body")
	}
	m := Data{Header: h}
	m.DataSqn = binary.BigEndian.Uint32(rest[0:])
	m.DataTrail = binary.BigEndian.Uint32(rest[4:])
	rest = rest[dataBodyFixedLen:]

	payloadLen := int(h.TSDULength)
	if h.Options&OptVarPktLen != 0 {
		// the true payload length is carried as a trailing 16-bit value;
		// caller (parity decode) strips it explicitly, so we still report
		// the TSDU-advertised length here for the verbatim case.
		_ = payloadLen
	}
	if payloadLen > len(rest) {
		return Data{}, fmt.Errorf("TSDU length %d exceeds remaining %d bytes", payloadLen, len(rest))
	}
	m.Payload = rest[:payloadLen]
	optTail := rest[payloadLen:]
	if h.HasOptions() && len(optTail) > 0 {
		m.Options, err = UnmarshalOptions(optTail)
		if err != nil {
			return Data{}, err
		}
	}
	return m, nil
}

// Nak is the shared body shape of NAK, NCF and NNAK (RFC 3208 §8.2):
// a primary sqn plus the source and group NLAs the reply must match.
type Nak struct {
	Header    Header
	Sqn       uint32
	SourceNLA NLA
	GroupNLA  NLA
	Options   []Option
}

const nakReservedLen = 2

// MarshalNak encodes a full NAK/NCF/NNAK packet. h.Type selects which.
func MarshalNak(m Nak) ([]byte, error) {
	optBytes, err := encodeOptions(m.Options)
	if err != nil {
		return nil, err
	}
	body := make([]byte, 4+m.SourceNLA.Len()+nakReservedLen+m.GroupNLA.Len())
	binary.BigEndian.PutUint32(body[0:], m.Sqn)
	off := 4
	n, err := m.SourceNLA.Marshal(body[off:])
	if err != nil {
		return nil, err
	}
	off += n
	off += nakReservedLen // reserved
	if _, err := m.GroupNLA.Marshal(body[off:]); err != nil {
		return nil, err
	}

	h := m.Header
	h.TSDULength = 0
	if len(optBytes) > 0 {
		h.Options |= OptPresent
	}
	return assemble(h, body, nil, optBytes), nil
}

// UnmarshalNak decodes a full NAK/NCF/NNAK packet.
func UnmarshalNak(b []byte) (Nak, error) {
	h, rest, err := splitHeader(b)
	if err != nil {
		return Nak{}, err
	}
	if len(rest) < 4 {
		return Nak{}, fmt.Errorf("short NAK body")
	}
	m := Nak{Header: h}
	m.Sqn = binary.BigEndian.Uint32(rest[0:])
	off := 4
	srcNLA, n, err := UnmarshalNLA(rest[off:])
	if err != nil {
		return Nak{}, err
	}
	m.SourceNLA = srcNLA
	off += n + nakReservedLen
	grpNLA, n, err := UnmarshalNLA(rest[off:])
	if err != nil {
		return Nak{}, err
	}
	m.GroupNLA = grpNLA
	off += n
	if h.HasOptions() && off < len(rest) {
		m.Options, err = UnmarshalOptions(rest[off:])
		if err != nil {
			return Nak{}, err
		}
	}
	return m, nil
}

// SPMR is an SPM-Request: an empty-bodied packet soliciting an SPM.
type SPMR struct {
	Header Header
}

// MarshalSPMR encodes a full SPMR packet.
func MarshalSPMR(m SPMR) []byte {
	h := m.Header
	h.Type = TypeSPMR
	h.TSDULength = 0
	return assemble(h, nil, nil, nil)
}

// UnmarshalSPMR decodes a full SPMR packet.
func UnmarshalSPMR(b []byte) (SPMR, error) {
	h, _, err := splitHeader(b)
	if err != nil {
		return SPMR{}, err
	}
	return SPMR{Header: h}, nil
}

func encodeOptions(opts []Option) ([]byte, error) {
	if len(opts) == 0 {
		return nil, nil
	}
	return MarshalOptions(opts)
}

func assemble(h Header, body, payload, opts []byte) []byte {
	b := make([]byte, HeaderLen+len(body)+len(payload)+len(opts))
	h.marshalTo(b)
	off := HeaderLen
	off += copy(b[off:], body)
	off += copy(b[off:], payload)
	copy(b[off:], opts)
	return b
}

func splitHeader(b []byte) (Header, []byte, error) {
	h, err := UnmarshalHeader(b)
	if err != nil {
		return Header{}, nil, err
	}
	return h, b[HeaderLen:], nil
}

// FinalizeChecksum computes the Internet checksum over the full wire
// packet b (whose header checksum field must currently be zero) and
// writes it into the header's checksum field in place.
func FinalizeChecksum(b []byte) {
	binary.BigEndian.PutUint16(b[6:8], 0)
	sum := Checksum(b)
	binary.BigEndian.PutUint16(b[6:8], sum)
}

// VerifyPacket validates b's checksum against the value carried in its
// header, per the SPM zero-means-unvalidated rule.
func VerifyPacket(b []byte) bool {
	if len(b) < HeaderLen {
		return false
	}
	want := binary.BigEndian.Uint16(b[6:8])
	cp := make([]byte, len(b))
	copy(cp, b)
	binary.BigEndian.PutUint16(cp[6:8], 0)
	return VerifyChecksum(cp, want)
}
