package blerpc

import "encoding/binary"

// ContainerType is the 2-bit type field in a container's flags byte.
type ContainerType byte

const (
	TypeFirst      ContainerType = 0
	TypeSubsequent ContainerType = 1
	// 2 is reserved.
	TypeControl ContainerType = 3
)

// Control command identifiers, carried in bits 5:2 of flags when
// Type == TypeControl.
const (
	ControlTimeout       byte = 1
	ControlStreamEndP2C  byte = 2
	ControlStreamEndC2P  byte = 3
	ControlCapabilities  byte = 4
	ControlError         byte = 5
	ControlKeyExchange   byte = 6
)

// Assigned CONTROL/ERROR codes.
const (
	ErrorCodeResponseTooLarge byte = 0x01
	ErrorCodeBusy             byte = 0x02
)

// Container is a single on-wire frame: a parsed header plus a borrowed
// slice over its payload bytes. Callers must not retain Payload past the
// lifetime of the buffer passed to Parse.
type Container struct {
	TransactionID  byte
	SequenceNumber byte
	Type           ContainerType
	ControlCmd     byte   // meaningful only when Type == TypeControl
	TotalLength    uint16 // meaningful only when Type == TypeFirst
	Payload        []byte
}

func isKnownControlCmd(cmd byte) bool {
	switch cmd {
	case ControlTimeout, ControlStreamEndP2C, ControlStreamEndC2P,
		ControlCapabilities, ControlError, ControlKeyExchange:
		return true
	default:
		return false
	}
}

// ParseContainer parses a single container frame from buf. The returned
// Container's Payload aliases buf; it is not copied.
func ParseContainer(buf []byte) (c Container, err error) {
	if len(buf) < 3 {
		err = ErrMalformedFrame
		return
	}
	c.TransactionID = buf[0]
	c.SequenceNumber = buf[1]
	flags := buf[2]
	c.Type = ContainerType(flags >> 6)
	c.ControlCmd = (flags >> 2) & 0x0F

	switch c.Type {
	case TypeFirst:
		if len(buf) < 6 {
			err = ErrMalformedFrame
			return
		}
		c.TotalLength = binary.LittleEndian.Uint16(buf[3:5])
		payloadLen := int(buf[5])
		if len(buf) < 6+payloadLen {
			err = ErrMalformedFrame
			return
		}
		c.Payload = buf[6 : 6+payloadLen]
	case TypeSubsequent:
		if len(buf) < 4 {
			err = ErrMalformedFrame
			return
		}
		payloadLen := int(buf[3])
		if len(buf) < 4+payloadLen {
			err = ErrMalformedFrame
			return
		}
		c.Payload = buf[4 : 4+payloadLen]
	case TypeControl:
		if !isKnownControlCmd(c.ControlCmd) {
			err = ErrMalformedFrame
			return
		}
		if len(buf) < 4 {
			err = ErrMalformedFrame
			return
		}
		payloadLen := int(buf[3])
		if len(buf) < 4+payloadLen {
			err = ErrMalformedFrame
			return
		}
		c.Payload = buf[4 : 4+payloadLen]
	default:
		err = ErrMalformedFrame
		return
	}
	return
}

// SerializeContainer writes c's header and payload into out, returning the
// number of bytes written. Fails ErrBufferTooSmall if out cannot hold it.
func SerializeContainer(c Container, out []byte) (n int, err error) {
	flags := byte(c.Type)<<6 | (c.ControlCmd&0x0F)<<2

	switch c.Type {
	case TypeFirst:
		need := 6 + len(c.Payload)
		if len(out) < need {
			err = ErrBufferTooSmall
			return
		}
		out[0] = c.TransactionID
		out[1] = c.SequenceNumber
		out[2] = flags
		binary.LittleEndian.PutUint16(out[3:5], c.TotalLength)
		out[5] = byte(len(c.Payload))
		copy(out[6:], c.Payload)
		n = need
	case TypeSubsequent, TypeControl:
		need := 4 + len(c.Payload)
		if len(out) < need {
			err = ErrBufferTooSmall
			return
		}
		out[0] = c.TransactionID
		out[1] = c.SequenceNumber
		out[2] = flags
		out[3] = byte(len(c.Payload))
		copy(out[4:], c.Payload)
		n = need
	default:
		err = ErrMalformedFrame
	}
	return
}

func control(tid byte, cmd byte, payload []byte) Container {
	return Container{
		TransactionID: tid,
		Type:          TypeControl,
		ControlCmd:    cmd,
		Payload:       payload,
	}
}

func MakeTimeoutRequest(tid byte) Container      { return control(tid, ControlTimeout, nil) }
func MakeCapabilitiesRequest(tid byte) Container { return control(tid, ControlCapabilities, nil) }
func MakeStreamEndC2P(tid byte) Container        { return control(tid, ControlStreamEndC2P, nil) }
func MakeStreamEndP2C(tid byte) Container        { return control(tid, ControlStreamEndP2C, nil) }

func MakeError(tid byte, code byte) Container {
	return control(tid, ControlError, []byte{code})
}

func MakeKeyExchange(tid byte, payload []byte) Container {
	return control(tid, ControlKeyExchange, payload)
}
