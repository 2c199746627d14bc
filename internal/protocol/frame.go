// Package protocol defines the wire format between the driver and its
// worker processes: a fixed binary frame header carrying a message type and
// correlation id, and JSON bodies forming a closed set of job and result
// messages. Tensor payloads travel out of band as shm handles.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic          uint32 = 0x5374494C // "StIL"
	Version        uint16 = 1
	FixedHeaderLen        = 28

	FlagResponse uint32 = 0x01
	FlagError    uint32 = 0x02
)

var (
	ErrShortHeader     = errors.New("protocol: short frame header")
	ErrBadMagic        = errors.New("protocol: bad magic")
	ErrBadVersion      = errors.New("protocol: unsupported version")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)

// Header is the fixed wire header preceding every message body.
type Header struct {
	Magic       uint32
	Version     uint16
	MessageType uint16
	MessageID   uint64
	Flags       uint32
	PayloadLen  uint64
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits bounds decode memory use. Bodies are handle descriptors, never
// tensor payloads, so the default is small.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 4 * 1024 * 1024}
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.MessageType)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], h.Flags)
	binary.BigEndian.PutUint64(buf[20:28], h.PayloadLen)
	return buf
}

func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < FixedHeaderLen {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Magic:       binary.BigEndian.Uint32(buf[0:4]),
		Version:     binary.BigEndian.Uint16(buf[4:6]),
		MessageType: binary.BigEndian.Uint16(buf[6:8]),
		MessageID:   binary.BigEndian.Uint64(buf[8:16]),
		Flags:       binary.BigEndian.Uint32(buf[16:20]),
		PayloadLen:  binary.BigEndian.Uint64(buf[20:28]),
	}
	if h.Magic != Magic {
		return Header{}, ErrBadMagic
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	return h, nil
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.PayloadLen = uint64(len(f.Payload))
	if _, err := w.Write(EncodeHeader(h)); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}
