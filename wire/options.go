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

// Option is one decoded OPT_HEADER body, keyed by its TLV type (with the
// OPT_END bit already stripped).
type Option struct {
	Type uint8
	Body []byte
}

// FragmentOption is the body of OPT_FRAGMENT.
type FragmentOption struct {
	Reserved uint8
	FirstSqn uint32
	FragOff  uint32
	FragLen  uint32
}

// FragmentOptionLen is the encoded size of OPT_FRAGMENT's body.
const FragmentOptionLen = 1 + 3 + 4 + 4 + 4 // reserved+pad, first_sqn, frag_off, frag_len

// MarshalFragmentOption encodes a FragmentOption body.
func MarshalFragmentOption(f FragmentOption) []byte {
	b := make([]byte, FragmentOptionLen)
	b[0] = f.Reserved
	binary.BigEndian.PutUint32(b[4:], f.FirstSqn)
	binary.BigEndian.PutUint32(b[8:], f.FragOff)
	binary.BigEndian.PutUint32(b[12:], f.FragLen)
	return b
}

// UnmarshalFragmentOption decodes an OPT_FRAGMENT body.
func UnmarshalFragmentOption(b []byte) (FragmentOption, error) {
	var f FragmentOption
	if len(b) < FragmentOptionLen {
		return f, fmt.Errorf("short OPT_FRAGMENT body")
	}
	f.Reserved = b[0]
	f.FirstSqn = binary.BigEndian.Uint32(b[4:])
	f.FragOff = binary.BigEndian.Uint32(b[8:])
	f.FragLen = binary.BigEndian.Uint32(b[12:])
	return f, nil
}

// NakListOption is the body of OPT_NAK_LIST: up to MaxNakListSize extra
// sqns beyond the NAK's own primary sqn.
type NakListOption struct {
	Sqns []uint32
}

// MarshalNakListOption encodes an OPT_NAK_LIST body.
func MarshalNakListOption(o NakListOption) ([]byte, error) {
	if len(o.Sqns) > MaxNakListSize {
		return nil, fmt.Errorf("nak list has %d entries, max is %d", len(o.Sqns), MaxNakListSize)
	}
	b := make([]byte, 4*len(o.Sqns))
	for i, s := range o.Sqns {
		binary.BigEndian.PutUint32(b[i*4:], s)
	}
	return b, nil
}

// UnmarshalNakListOption decodes an OPT_NAK_LIST body.
func UnmarshalNakListOption(b []byte) (NakListOption, error) {
	if len(b)%4 != 0 {
		return NakListOption{}, fmt.Errorf("malformed OPT_NAK_LIST body length %d", len(b))
	}
	n := len(b) / 4
	if n > MaxNakListSize {
		return NakListOption{}, fmt.Errorf("nak list has %d entries, max is %d", n, MaxNakListSize)
	}
	sqns := make([]uint32, n)
	for i := range sqns {
		sqns[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return NakListOption{Sqns: sqns}, nil
}

// ParityPrmOption is the body of OPT_PARITY_PRM.
type ParityPrmOption struct {
	Flags uint8
	TGS   uint32 // transmission group size (k)
}

// ParityPrmOptionLen is the encoded size of OPT_PARITY_PRM's body.
const ParityPrmOptionLen = 4 + 4

// MarshalParityPrmOption encodes an OPT_PARITY_PRM body.
func MarshalParityPrmOption(o ParityPrmOption) []byte {
	b := make([]byte, ParityPrmOptionLen)
	b[0] = o.Flags
	binary.BigEndian.PutUint32(b[4:], o.TGS)
	return b
}

// UnmarshalParityPrmOption decodes an OPT_PARITY_PRM body.
func UnmarshalParityPrmOption(b []byte) (ParityPrmOption, error) {
	var o ParityPrmOption
	if len(b) < ParityPrmOptionLen {
		return o, fmt.Errorf("short OPT_PARITY_PRM body")
	}
	o.Flags = b[0]
	o.TGS = binary.BigEndian.Uint32(b[4:])
	return o, nil
}

// optHeaderLen is the fixed 2-byte type+length prefix of every OPT_HEADER.
const optHeaderLen = 2

// optLengthTotalLen is the fixed size of the leading OPT_LENGTH pseudo-option.
const optLengthTotalLen = 4

// MarshalOptions encodes a chain of options, prefixed with the mandatory
// OPT_LENGTH header, and ORs OptTypeEnd into the last entry's type.
func MarshalOptions(opts []Option) ([]byte, error) {
	if len(opts) == 0 {
		return nil, nil
	}
	total := optLengthTotalLen
	for _, o := range opts {
		total += optHeaderLen + len(o.Body)
	}
	if total > 0xffff {
		return nil, fmt.Errorf("option chain too long: %d bytes", total)
	}
	b := make([]byte, total)
	b[0] = OptTypeLength
	b[1] = optLengthTotalLen
	binary.BigEndian.PutUint16(b[2:], uint16(total))

	off := optLengthTotalLen
	for i, o := range opts {
		typ := o.Type
		if i == len(opts)-1 {
			typ |= OptTypeEnd
		}
		b[off] = typ
		b[off+1] = uint8(optHeaderLen + len(o.Body))
		copy(b[off+2:], o.Body)
		off += optHeaderLen + len(o.Body)
	}
	return b, nil
}

// UnmarshalOptions decodes a chain of options starting with the mandatory
// OPT_LENGTH header.
func UnmarshalOptions(b []byte) ([]Option, error) {
	if len(b) < optLengthTotalLen {
		return nil, fmt.Errorf("short option chain")
	}
	if b[0] != OptTypeLength {
		return nil, fmt.Errorf("option chain does not start with OPT_LENGTH")
	}
	total := int(binary.BigEndian.Uint16(b[2:]))
	if total > len(b) {
		return nil, fmt.Errorf("option chain declares %d bytes, only %d available", total, len(b))
	}

	var opts []Option
	off := optLengthTotalLen
	for off < total {
		if off+optHeaderLen > total {
			return nil, fmt.Errorf("truncated OPT_HEADER at offset %d", off)
		}
		typ := b[off]
		length := int(b[off+1])
		if length < optHeaderLen || off+length > total {
			return nil, fmt.Errorf("malformed OPT_HEADER length %d at offset %d", length, off)
		}
		end := typ&OptTypeEnd != 0
		opts = append(opts, Option{Type: typ &^ OptTypeEnd, Body: b[off+2 : off+length]})
		off += length
		if end {
			break
		}
	}
	return opts, nil
}

// FindOption returns the first option of the given type in the chain.
func FindOption(opts []Option, typ uint8) (Option, bool) {
	for _, o := range opts {
		if o.Type == typ {
			return o, true
		}
	}
	return Option{}, false
}
