// Package bacnet implements the slice of the BACnet/IP wire protocol needed
// for topology discovery: Who-Is / I-Am device enumeration,
// Who-Is-Router-To-Network / I-Am-Router-To-Network network-layer messages,
// and BVLL Read-Broadcast-Distribution-Table exchanges.
package bacnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// DefaultPort is the well-known BACnet/IP UDP port (0xBAC0)
const DefaultPort = 47808

// BVLL type octet for BACnet/IP (Annex J)
const bvlcTypeIP = 0x81

// BVLL function codes
const (
	bvlcResult            = 0x00
	bvlcReadBDT           = 0x02
	bvlcReadBDTAck        = 0x03
	bvlcForwardedNPDU     = 0x04
	bvlcOriginalUnicast   = 0x0A
	bvlcOriginalBroadcast = 0x0B
)

// Network-layer message types
const (
	msgWhoIsRouterToNetwork = 0x00
	msgIAmRouterToNetwork   = 0x01
)

// Unconfirmed service choices
const (
	serviceIAm   = 0x00
	serviceWhoIs = 0x08
)

// pduUnconfirmedRequest is the APDU type nibble for unconfirmed requests
const pduUnconfirmedRequest = 0x10

// globalBroadcastNetwork is the DNET value addressing every network
const globalBroadcastNetwork = 0xFFFF

// BDTEntry is one row of a broadcast distribution table
type BDTEntry struct {
	IP   net.IP
	Port uint16
	Mask net.IPMask
}

// Address returns the entry's peer address in host:port form
func (e BDTEntry) Address() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// IAm carries the decoded parameters of an I-Am announcement
type IAm struct {
	ObjectType   uint16
	Instance     uint32
	MaxAPDU      uint16
	Segmentation uint8
	VendorID     uint16
}

// NPDU is the decoded network layer header plus payload
type NPDU struct {
	// IsNetwork is set for network-layer messages (no APDU follows)
	IsNetwork   bool
	MessageType byte
	// SourceNetwork and SourceMAC identify a routed sender (SNET/SADR);
	// SourceNetwork is 0 for peers on the local network
	SourceNetwork uint16
	SourceMAC     []byte
	// Payload is the APDU, or the network message data
	Payload []byte
}

// Frame is a decoded BACnet/IP datagram
type Frame struct {
	Function byte
	// Origin is set on Forwarded-NPDU frames: the host:port the broadcast
	// was relayed on behalf of
	Origin string
	// BDT is populated for Read-BDT-Ack frames
	BDT []BDTEntry
	// NPDU is populated for NPDU-bearing functions
	NPDU *NPDU
}

// EncodeWhoIs builds a broadcast frame asking devices in [low, high] to
// announce themselves. The NPDU addresses the global network so routers
// forward the request into remote networks.
func EncodeWhoIs(low, high uint32) []byte {
	var apdu bytes.Buffer
	apdu.WriteByte(pduUnconfirmedRequest)
	apdu.WriteByte(serviceWhoIs)
	writeContextUnsigned(&apdu, 0, low)
	writeContextUnsigned(&apdu, 1, high)
	return encodeBVLC(bvlcOriginalBroadcast, encodeNPDU(false, 0, apdu.Bytes()))
}

// EncodeWhoIsRouter builds a broadcast frame asking routers to the given
// network to announce themselves. network 0 asks all routers.
func EncodeWhoIsRouter(network uint16) []byte {
	var data []byte
	if network != 0 {
		data = make([]byte, 2)
		binary.BigEndian.PutUint16(data, network)
	}
	return encodeBVLC(bvlcOriginalBroadcast, encodeNPDU(true, msgWhoIsRouterToNetwork, data))
}

// EncodeReadBDT builds a unicast Read-Broadcast-Distribution-Table request
func EncodeReadBDT() []byte {
	return encodeBVLC(bvlcReadBDT, nil)
}

// DecodeFrame parses a received BACnet/IP datagram
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	if data[0] != bvlcTypeIP {
		return nil, fmt.Errorf("not a BACnet/IP frame: type 0x%02x", data[0])
	}
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length != len(data) {
		return nil, fmt.Errorf("frame length mismatch: header says %d, got %d", length, len(data))
	}
	f := &Frame{Function: data[1]}
	body := data[4:]

	switch f.Function {
	case bvlcOriginalUnicast, bvlcOriginalBroadcast:
		npdu, err := decodeNPDU(body)
		if err != nil {
			return nil, err
		}
		f.NPDU = npdu
	case bvlcForwardedNPDU:
		if len(body) < 6 {
			return nil, fmt.Errorf("forwarded NPDU too short")
		}
		f.Origin = fmt.Sprintf("%s:%d", net.IP(body[0:4]), binary.BigEndian.Uint16(body[4:6]))
		npdu, err := decodeNPDU(body[6:])
		if err != nil {
			return nil, err
		}
		f.NPDU = npdu
	case bvlcReadBDTAck:
		bdt, err := decodeBDT(body)
		if err != nil {
			return nil, err
		}
		f.BDT = bdt
	case bvlcResult, bvlcReadBDT:
		// no payload we care about
	default:
		// other BVLL functions (foreign device registration etc.) are
		// legitimate traffic we simply do not interpret
	}
	return f, nil
}

// ParseIAm decodes an I-Am announcement from an unconfirmed-request APDU.
// Returns nil when the APDU carries a different service.
func ParseIAm(apdu []byte) (*IAm, error) {
	if len(apdu) < 2 {
		return nil, fmt.Errorf("apdu too short")
	}
	if apdu[0]&0xF0 != pduUnconfirmedRequest || apdu[1] != serviceIAm {
		return nil, nil
	}
	r := tagReader{buf: apdu[2:]}

	objID, err := r.appUnsigned(12) // BACnetObjectIdentifier
	if err != nil {
		return nil, fmt.Errorf("i-am object identifier: %w", err)
	}
	maxAPDU, err := r.appUnsigned(2)
	if err != nil {
		return nil, fmt.Errorf("i-am max apdu: %w", err)
	}
	seg, err := r.appUnsigned(9) // enumerated
	if err != nil {
		return nil, fmt.Errorf("i-am segmentation: %w", err)
	}
	vendor, err := r.appUnsigned(2)
	if err != nil {
		return nil, fmt.Errorf("i-am vendor id: %w", err)
	}

	return &IAm{
		ObjectType:   uint16(objID >> 22),
		Instance:     objID & 0x3FFFFF,
		MaxAPDU:      uint16(maxAPDU),
		Segmentation: uint8(seg),
		VendorID:     uint16(vendor),
	}, nil
}

// ParseIAmRouter decodes the network list of an I-Am-Router-To-Network
// message payload
func ParseIAmRouter(payload []byte) ([]uint16, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("i-am-router payload has odd length %d", len(payload))
	}
	nets := make([]uint16, 0, len(payload)/2)
	for i := 0; i < len(payload); i += 2 {
		nets = append(nets, binary.BigEndian.Uint16(payload[i:i+2]))
	}
	return nets, nil
}

func encodeBVLC(function byte, body []byte) []byte {
	out := make([]byte, 4, 4+len(body))
	out[0] = bvlcTypeIP
	out[1] = function
	binary.BigEndian.PutUint16(out[2:4], uint16(4+len(body)))
	return append(out, body...)
}

// encodeNPDU builds a globally broadcast NPDU: destination DNET 0xFFFF with
// zero-length DADR, hop count 255
func encodeNPDU(network bool, messageType byte, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0x01) // protocol version
	ctrl := byte(0x20)  // destination specifier present
	if network {
		ctrl |= 0x80
	}
	buf.WriteByte(ctrl)
	var dnet [2]byte
	binary.BigEndian.PutUint16(dnet[:], globalBroadcastNetwork)
	buf.Write(dnet[:])
	buf.WriteByte(0x00) // DLEN 0: broadcast
	buf.WriteByte(0xFF) // hop count
	if network {
		buf.WriteByte(messageType)
	}
	buf.Write(payload)
	return buf.Bytes()
}

func decodeNPDU(b []byte) (*NPDU, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("npdu too short")
	}
	if b[0] != 0x01 {
		return nil, fmt.Errorf("unsupported npdu version 0x%02x", b[0])
	}
	ctrl := b[1]
	i := 2
	hasDest := ctrl&0x20 != 0
	hasSrc := ctrl&0x08 != 0

	if hasDest {
		if len(b) < i+3 {
			return nil, fmt.Errorf("npdu truncated in destination")
		}
		dlen := int(b[i+2])
		i += 3 + dlen
	}

	n := &NPDU{}
	if hasSrc {
		if len(b) < i+3 {
			return nil, fmt.Errorf("npdu truncated in source")
		}
		n.SourceNetwork = binary.BigEndian.Uint16(b[i : i+2])
		slen := int(b[i+2])
		i += 3
		if len(b) < i+slen {
			return nil, fmt.Errorf("npdu truncated in source address")
		}
		n.SourceMAC = append([]byte(nil), b[i:i+slen]...)
		i += slen
	}

	if hasDest {
		if len(b) < i+1 {
			return nil, fmt.Errorf("npdu truncated before hop count")
		}
		i++ // hop count
	}

	if ctrl&0x80 != 0 {
		if len(b) < i+1 {
			return nil, fmt.Errorf("npdu truncated before message type")
		}
		n.IsNetwork = true
		n.MessageType = b[i]
		i++
		if n.MessageType >= 0x80 {
			// vendor-proprietary message: skip the vendor id
			if len(b) < i+2 {
				return nil, fmt.Errorf("npdu truncated in vendor id")
			}
			i += 2
		}
	}
	n.Payload = b[i:]
	return n, nil
}

func decodeBDT(b []byte) ([]BDTEntry, error) {
	if len(b)%10 != 0 {
		return nil, fmt.Errorf("bdt payload length %d is not a multiple of 10", len(b))
	}
	entries := make([]BDTEntry, 0, len(b)/10)
	for i := 0; i < len(b); i += 10 {
		entries = append(entries, BDTEntry{
			IP:   append(net.IP(nil), b[i:i+4]...),
			Port: binary.BigEndian.Uint16(b[i+4 : i+6]),
			Mask: append(net.IPMask(nil), b[i+6:i+10]...),
		})
	}
	return entries, nil
}

// writeContextUnsigned appends a context-tagged unsigned integer using the
// minimal number of content octets
func writeContextUnsigned(buf *bytes.Buffer, tagNum byte, v uint32) {
	data := minimalUnsigned(v)
	buf.WriteByte(tagNum<<4 | 0x08 | byte(len(data)))
	buf.Write(data)
}

func minimalUnsigned(v uint32) []byte {
	switch {
	case v <= 0xFF:
		return []byte{byte(v)}
	case v <= 0xFFFF:
		return []byte{byte(v >> 8), byte(v)}
	case v <= 0xFFFFFF:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// tagReader walks application-tagged primitive values in an APDU
type tagReader struct {
	buf []byte
}

// appUnsigned consumes one application tag of the expected tag number and
// returns its content as an unsigned integer
func (r *tagReader) appUnsigned(expect byte) (uint32, error) {
	if len(r.buf) < 1 {
		return 0, fmt.Errorf("unexpected end of data")
	}
	octet := r.buf[0]
	num := octet >> 4
	if octet&0x08 != 0 {
		return 0, fmt.Errorf("expected application tag %d, got context tag %d", expect, num)
	}
	if num != expect {
		return 0, fmt.Errorf("expected tag %d, got %d", expect, num)
	}
	length := int(octet & 0x07)
	consumed := 1
	if length == 5 {
		if len(r.buf) < 2 {
			return 0, fmt.Errorf("truncated extended length")
		}
		length = int(r.buf[1])
		consumed = 2
	}
	if length > 4 {
		return 0, fmt.Errorf("unsigned value of %d octets is too wide", length)
	}
	if len(r.buf) < consumed+length {
		return 0, fmt.Errorf("truncated tag content")
	}
	var v uint32
	for _, b := range r.buf[consumed : consumed+length] {
		v = v<<8 | uint32(b)
	}
	r.buf = r.buf[consumed+length:]
	return v, nil
}
