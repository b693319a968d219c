package blerpc

import "encoding/binary"

// EncryptionSupported is bit 0 of a Capabilities.Flags field.
const EncryptionSupported uint16 = 1 << 0

// Capabilities is the peripheral-authoritative record exchanged during
// session init. The peripheral is the source of truth; the central caches
// it after the CAPABILITIES control exchange.
type Capabilities struct {
	MaxRequestPayloadSize  uint16
	MaxResponsePayloadSize uint16
	Flags                  uint16
}

// EncodeCapabilities writes the current 6-byte CAPABILITIES response
// format.
func EncodeCapabilities(c Capabilities) []byte {
	out := make([]byte, 6)
	binary.LittleEndian.PutUint16(out[0:2], c.MaxRequestPayloadSize)
	binary.LittleEndian.PutUint16(out[2:4], c.MaxResponsePayloadSize)
	binary.LittleEndian.PutUint16(out[4:6], c.Flags)
	return out
}

// DecodeCapabilities accepts both the current 6-byte format and the
// pre-encryption 4-byte format emitted by older peripherals, treating a
// missing flags field as 0 (ENCRYPTION_SUPPORTED unset).
func DecodeCapabilities(buf []byte) (c Capabilities, err error) {
	if len(buf) < 4 {
		err = ErrMalformedFrame
		return
	}
	c.MaxRequestPayloadSize = binary.LittleEndian.Uint16(buf[0:2])
	c.MaxResponsePayloadSize = binary.LittleEndian.Uint16(buf[2:4])
	if len(buf) >= 6 {
		c.Flags = binary.LittleEndian.Uint16(buf[4:6])
	}
	return
}

// EncodeTimeout writes the 2-byte little-endian millisecond TIMEOUT
// response payload.
func EncodeTimeout(ms uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, ms)
	return out
}

// DecodeTimeout parses a TIMEOUT response payload.
func DecodeTimeout(buf []byte) (ms uint16, err error) {
	if len(buf) < 2 {
		err = ErrMalformedFrame
		return
	}
	ms = binary.LittleEndian.Uint16(buf[0:2])
	return
}
