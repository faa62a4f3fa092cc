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

// Package wire implements the RFC 3208 PGM wire format: the common
// header, per-type message bodies and the option TLV chain.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// MessageType is the PGM pgm_type field (Table, RFC 3208 §8.1)
type MessageType uint8

// Message types
const (
	TypeSPM   MessageType = 0x00
	TypePOLL  MessageType = 0x01
	TypePOLR  MessageType = 0x02
	TypeODATA MessageType = 0x04
	TypeRDATA MessageType = 0x05
	TypeNAK   MessageType = 0x08
	TypeNNAK  MessageType = 0x09
	TypeNCF   MessageType = 0x0A
	TypeSPMR  MessageType = 0x40
)

func (t MessageType) String() string {
	switch t {
	case TypeSPM:
		return "SPM"
	case TypePOLL:
		return "POLL"
	case TypePOLR:
		return "POLR"
	case TypeODATA:
		return "ODATA"
	case TypeRDATA:
		return "RDATA"
	case TypeNAK:
		return "NAK"
	case TypeNNAK:
		return "NNAK"
	case TypeNCF:
		return "NCF"
	case TypeSPMR:
		return "SPMR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Header-level option-presence flags (the header's Options byte)
const (
	OptParity     uint8 = 0x80
	OptVarPktLen  uint8 = 0x40
	OptPresent    uint8 = 0x01
	OptNetwork    uint8 = 0x02
)

// Option TLV types (the type byte of each OPT_HEADER)
const (
	OptTypeLength    uint8 = 0x00
	OptTypeFragment  uint8 = 0x01
	OptTypeNakList   uint8 = 0x02
	OptTypeParityPrm uint8 = 0x08
	OptTypeEnd       uint8 = 0x80 // ORed into the last OPT_HEADER's type
)

// OptReservedEncoded marks an OPT_FRAGMENT carried in a parity repair as
// RS-encoded rather than a verbatim copy (PGM_OP_ENCODED).
const OptReservedEncoded uint8 = 0x08

// Parity parameter flags carried in OPT_PARITY_PRM
const (
	ParityPrmProactive uint8 = 0x01
	ParityPrmOnDemand  uint8 = 0x02
)

// Address family indicators for NLA encoding (IANA AFI numbers)
const (
	AFIIP  uint16 = 1
	AFIIP6 uint16 = 2
)

// MaxNakListSize is the maximum number of additional sqns an
// OPT_NAK_LIST may carry (63 total including the NAK's own primary sqn).
const MaxNakListSize = 62

// GSI is the 6-byte Global Source Identifier.
type GSI [6]byte

func (g GSI) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", g[0], g[1], g[2], g[3], g[4], g[5])
}

// GSIFromMAC derives a GSI from a 6-byte hardware address, the
// conventional source of a PGM GSI absent an explicit one.
func GSIFromMAC(mac net.HardwareAddr) (GSI, error) {
	var g GSI
	if len(mac) != 6 {
		return g, fmt.Errorf("expected 6-byte hardware address, got %d bytes", len(mac))
	}
	copy(g[:], mac)
	return g, nil
}

// TSI is the Transport Session Identifier: GSI + source port.
type TSI struct {
	GSI        GSI
	SourcePort uint16
}

func (t TSI) String() string {
	return fmt.Sprintf("%s.%d", t.GSI, t.SourcePort)
}

// NLA is a Network Layer Address, tagged with its address family.
type NLA struct {
	AFI uint16
	IP  net.IP
}

// NLAFromIP builds an NLA from a net.IP, picking the AFI from its form.
func NLAFromIP(ip net.IP) NLA {
	if ip4 := ip.To4(); ip4 != nil {
		return NLA{AFI: AFIIP, IP: ip4}
	}
	return NLA{AFI: AFIIP6, IP: ip.To16()}
}

// Len returns the encoded length of the NLA, including its AFI tag.
func (n NLA) Len() int {
	switch n.AFI {
	case AFIIP:
		return 2 + 4
	case AFIIP6:
		return 2 + 16
	default:
		return 2
	}
}

// Marshal encodes the NLA into b, returning the number of bytes written.
func (n NLA) Marshal(b []byte) (int, error) {
	if len(b) < n.Len() {
		return 0, fmt.Errorf("buffer too small for NLA: need %d, have %d", n.Len(), len(b))
	}
	binary.BigEndian.PutUint16(b, n.AFI)
	switch n.AFI {
	case 0:
		// the zero-value (unset) NLA encodes as its bare AFI tag
		return 2, nil
	case AFIIP:
		copy(b[2:6], n.IP.To4())
		return 6, nil
	case AFIIP6:
		copy(b[2:18], n.IP.To16())
		return 18, nil
	default:
		return 0, fmt.Errorf("unsupported NLA AFI %d", n.AFI)
	}
}

// UnmarshalNLA decodes an NLA from b, returning it and the number of
// bytes consumed.
func UnmarshalNLA(b []byte) (NLA, int, error) {
	if len(b) < 2 {
		return NLA{}, 0, fmt.Errorf("short buffer for NLA AFI")
	}
	afi := binary.BigEndian.Uint16(b)
	switch afi {
	case 0:
		return NLA{}, 2, nil
	case AFIIP:
		if len(b) < 6 {
			return NLA{}, 0, fmt.Errorf("short buffer for IPv4 NLA")
		}
		ip := make(net.IP, 4)
		copy(ip, b[2:6])
		return NLA{AFI: afi, IP: ip}, 6, nil
	case AFIIP6:
		if len(b) < 18 {
			return NLA{}, 0, fmt.Errorf("short buffer for IPv6 NLA")
		}
		ip := make(net.IP, 16)
		copy(ip, b[2:18])
		return NLA{AFI: afi, IP: ip}, 18, nil
	default:
		return NLA{}, 0, fmt.Errorf("unsupported NLA AFI %d", afi)
	}
}
