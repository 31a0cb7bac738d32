package transport

import (
	"encoding/binary"
	"fmt"
)

// Frame kinds on the wire.
const (
	frameData uint8 = 0x01
	frameAck  uint8 = 0x02
	// frameNack asks the sender to retransmit seq immediately; emitted when
	// an arrival lands outside the reorder window.
	frameNack uint8 = 0x03
)

// headerSize is the fixed frame header: Kind(1) + Mode(1) + Seq(4).
const headerSize = 6

type frame struct {
	Kind    uint8
	Mode    Mode
	Seq     uint32
	Payload []byte
}

func encodeFrame(f frame) []byte {
	buf := make([]byte, headerSize+len(f.Payload))
	buf[0] = f.Kind
	buf[1] = uint8(f.Mode)
	binary.BigEndian.PutUint32(buf[2:6], f.Seq)
	copy(buf[headerSize:], f.Payload)
	return buf
}

func decodeFrame(data []byte) (frame, error) {
	if len(data) < headerSize {
		return frame{}, fmt.Errorf("frame too short: %d bytes (need %d)", len(data), headerSize)
	}
	f := frame{
		Kind: data[0],
		Mode: Mode(data[1]),
		Seq:  binary.BigEndian.Uint32(data[2:6]),
	}
	if len(data) > headerSize {
		f.Payload = make([]byte, len(data)-headerSize)
		copy(f.Payload, data[headerSize:])
	}
	switch f.Kind {
	case frameData, frameAck, frameNack:
	default:
		return frame{}, fmt.Errorf("unknown frame kind 0x%02x", f.Kind)
	}
	if f.Mode > ReliableOrdered {
		return frame{}, fmt.Errorf("unknown mode 0x%02x", uint8(f.Mode))
	}
	return f, nil
}
