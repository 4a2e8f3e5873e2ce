package bacnet

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildIAm assembles an unconfirmed I-Am APDU the way a real device would
func buildIAm(objectType uint16, instance uint32, maxAPDU uint16, seg uint8, vendor uint16) []byte {
	var apdu bytes.Buffer
	apdu.WriteByte(pduUnconfirmedRequest)
	apdu.WriteByte(serviceIAm)

	objID := uint32(objectType)<<22 | instance
	apdu.WriteByte(0xC4) // application tag 12, length 4
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], objID)
	apdu.Write(v[:])

	apdu.WriteByte(0x22) // unsigned, length 2
	var m [2]byte
	binary.BigEndian.PutUint16(m[:], maxAPDU)
	apdu.Write(m[:])

	apdu.WriteByte(0x91) // enumerated, length 1
	apdu.WriteByte(seg)

	apdu.WriteByte(0x21) // unsigned, length 1 (test vendors fit a byte)
	apdu.WriteByte(byte(vendor))

	return apdu.Bytes()
}

func TestEncodeWhoIs(t *testing.T) {
	t.Run("encodes valid frame with range limits", func(t *testing.T) {
		raw := EncodeWhoIs(0, 4194303)

		frame, err := DecodeFrame(raw)
		if err != nil {
			t.Fatalf("decode own who-is: %v", err)
		}
		if frame.Function != bvlcOriginalBroadcast {
			t.Errorf("expected broadcast function, got 0x%02x", frame.Function)
		}
		if frame.NPDU == nil {
			t.Fatal("expected NPDU")
		}
		if frame.NPDU.IsNetwork {
			t.Error("who-is must be an application PDU, not a network message")
		}

		apdu := frame.NPDU.Payload
		if apdu[0]&0xF0 != pduUnconfirmedRequest || apdu[1] != serviceWhoIs {
			t.Errorf("unexpected apdu header % x", apdu[:2])
		}
		// context tag 0, one octet; context tag 1, three octets (0x3FFFFF)
		want := []byte{0x09, 0x00, 0x1B, 0x3F, 0xFF, 0xFF}
		if !bytes.Equal(apdu[2:], want) {
			t.Errorf("expected range tags % x, got % x", want, apdu[2:])
		}
	})

	t.Run("uses minimal octets for small limits", func(t *testing.T) {
		raw := EncodeWhoIs(10, 99)
		frame, err := DecodeFrame(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		apdu := frame.NPDU.Payload
		want := []byte{0x09, 0x0A, 0x19, 0x63}
		if !bytes.Equal(apdu[2:], want) {
			t.Errorf("expected % x, got % x", want, apdu[2:])
		}
	})
}

func TestParseIAm(t *testing.T) {
	t.Run("decodes a device announcement", func(t *testing.T) {
		apdu := buildIAm(8, 1234, 1476, 3, 15)

		iam, err := ParseIAm(apdu)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if iam == nil {
			t.Fatal("expected an i-am")
		}
		if iam.ObjectType != 8 {
			t.Errorf("expected object type 8, got %d", iam.ObjectType)
		}
		if iam.Instance != 1234 {
			t.Errorf("expected instance 1234, got %d", iam.Instance)
		}
		if iam.MaxAPDU != 1476 {
			t.Errorf("expected max apdu 1476, got %d", iam.MaxAPDU)
		}
		if iam.Segmentation != 3 {
			t.Errorf("expected segmentation 3, got %d", iam.Segmentation)
		}
		if iam.VendorID != 15 {
			t.Errorf("expected vendor 15, got %d", iam.VendorID)
		}
	})

	t.Run("decodes the maximum instance number", func(t *testing.T) {
		apdu := buildIAm(8, 4194303, 480, 0, 260)
		// vendor 260 needs two octets; rebuild the trailing tag
		apdu = apdu[:len(apdu)-2]
		apdu = append(apdu, 0x22, 0x01, 0x04)

		iam, err := ParseIAm(apdu)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if iam.Instance != 4194303 {
			t.Errorf("expected instance 4194303, got %d", iam.Instance)
		}
		if iam.VendorID != 260 {
			t.Errorf("expected vendor 260, got %d", iam.VendorID)
		}
	})

	t.Run("returns nil for other services", func(t *testing.T) {
		apdu := []byte{pduUnconfirmedRequest, serviceWhoIs, 0x09, 0x00, 0x19, 0x63}
		iam, err := ParseIAm(apdu)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if iam != nil {
			t.Error("expected nil for a who-is apdu")
		}
	})

	t.Run("rejects truncated announcements", func(t *testing.T) {
		apdu := buildIAm(8, 1234, 1476, 3, 15)
		if _, err := ParseIAm(apdu[:5]); err == nil {
			t.Error("expected error for truncated apdu")
		}
	})
}

func TestWhoIsRouterRoundTrip(t *testing.T) {
	t.Run("targets a single network", func(t *testing.T) {
		raw := EncodeWhoIsRouter(902)
		frame, err := DecodeFrame(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if frame.NPDU == nil || !frame.NPDU.IsNetwork {
			t.Fatal("expected a network-layer message")
		}
		if frame.NPDU.MessageType != msgWhoIsRouterToNetwork {
			t.Errorf("expected message type 0x00, got 0x%02x", frame.NPDU.MessageType)
		}
		if got := binary.BigEndian.Uint16(frame.NPDU.Payload); got != 902 {
			t.Errorf("expected network 902, got %d", got)
		}
	})

	t.Run("omits the network when asking all routers", func(t *testing.T) {
		frame, err := DecodeFrame(EncodeWhoIsRouter(0))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(frame.NPDU.Payload) != 0 {
			t.Errorf("expected empty payload, got % x", frame.NPDU.Payload)
		}
	})
}

func TestParseIAmRouter(t *testing.T) {
	t.Run("decodes a network list", func(t *testing.T) {
		nets, err := ParseIAmRouter([]byte{0x03, 0x86, 0x00, 0x64})
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(nets) != 2 || nets[0] != 902 || nets[1] != 100 {
			t.Errorf("expected [902 100], got %v", nets)
		}
	})

	t.Run("rejects odd-length payloads", func(t *testing.T) {
		if _, err := ParseIAmRouter([]byte{0x03, 0x86, 0x00}); err == nil {
			t.Error("expected error for odd payload")
		}
	})
}

func TestDecodeFrame(t *testing.T) {
	t.Run("rejects short datagrams", func(t *testing.T) {
		if _, err := DecodeFrame([]byte{0x81, 0x0B}); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("rejects non-BACnet traffic", func(t *testing.T) {
		if _, err := DecodeFrame([]byte{0x45, 0x00, 0x00, 0x04}); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("rejects length mismatches", func(t *testing.T) {
		raw := EncodeWhoIs(0, 100)
		if _, err := DecodeFrame(raw[:len(raw)-1]); err == nil {
			t.Error("expected error for truncated frame")
		}
	})

	t.Run("decodes a forwarded npdu with routed source", func(t *testing.T) {
		apdu := buildIAm(8, 55, 480, 3, 7)

		var npdu bytes.Buffer
		npdu.WriteByte(0x01)
		npdu.WriteByte(0x08) // source specifier only
		npdu.Write([]byte{0x03, 0x86}) // SNET 902
		npdu.WriteByte(0x01)           // SLEN
		npdu.WriteByte(0x0C)           // SADR
		npdu.Write(apdu)

		var body bytes.Buffer
		body.Write([]byte{10, 0, 0, 5})    // originating IP
		body.Write([]byte{0xBA, 0xC0})     // originating port
		body.Write(npdu.Bytes())

		raw := encodeBVLC(bvlcForwardedNPDU, body.Bytes())
		frame, err := DecodeFrame(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if frame.Origin != "10.0.0.5:47808" {
			t.Errorf("expected origin 10.0.0.5:47808, got %s", frame.Origin)
		}
		if frame.NPDU.SourceNetwork != 902 {
			t.Errorf("expected SNET 902, got %d", frame.NPDU.SourceNetwork)
		}
		if len(frame.NPDU.SourceMAC) != 1 || frame.NPDU.SourceMAC[0] != 0x0C {
			t.Errorf("unexpected SADR % x", frame.NPDU.SourceMAC)
		}
		iam, err := ParseIAm(frame.NPDU.Payload)
		if err != nil || iam == nil {
			t.Fatalf("expected i-am behind the forwarded npdu: %v", err)
		}
		if iam.Instance != 55 {
			t.Errorf("expected instance 55, got %d", iam.Instance)
		}
	})

	t.Run("decodes a bdt ack", func(t *testing.T) {
		body := []byte{
			10, 0, 0, 5, 0xBA, 0xC0, 255, 255, 255, 255,
			10, 0, 1, 5, 0xBA, 0xC0, 255, 255, 255, 255,
		}
		frame, err := DecodeFrame(encodeBVLC(bvlcReadBDTAck, body))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(frame.BDT) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(frame.BDT))
		}
		if frame.BDT[0].Address() != "10.0.0.5:47808" {
			t.Errorf("unexpected entry address %s", frame.BDT[0].Address())
		}
		if frame.BDT[1].Address() != "10.0.1.5:47808" {
			t.Errorf("unexpected entry address %s", frame.BDT[1].Address())
		}
	})

	t.Run("rejects ragged bdt payloads", func(t *testing.T) {
		if _, err := DecodeFrame(encodeBVLC(bvlcReadBDTAck, make([]byte, 13))); err == nil {
			t.Error("expected error for ragged table")
		}
	})
}
