package mpegts

import (
	"errors"
	"fmt"
)

const (
	// PacketSize is the fixed size of an MPEG-TS packet.
	PacketSize = 188
	syncByte   = 0x47

	// pidNull marks stuffing packets and an absent PCR.
	pidNull = 0x1FFF
)

// ErrSync is returned when a packet does not start with the 0x47 sync byte.
// The packet should be dropped and parsing continued.
var ErrSync = errors.New("mpegts: lost sync")

// SyncError carries the offending first byte of a packet that failed sync.
type SyncError struct {
	Got byte
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("mpegts: invalid sync byte 0x%02X", e.Got)
}

// Unwrap allows errors.Is(err, ErrSync).
func (e *SyncError) Unwrap() error { return ErrSync }

// ParseHeader decodes the header of one 188-byte packet. No fields are
// decoded when the sync byte is wrong.
func ParseHeader(buf []byte) (PacketHeader, error) {
	var h PacketHeader
	if len(buf) != PacketSize {
		return h, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return h, &SyncError{Got: buf[0]}
	}

	h.TransportError = buf[1]&0x80 != 0
	h.PayloadUnitStart = buf[1]&0x40 != 0
	h.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	h.ScramblingControl = buf[3] >> 6 & 0x03
	h.AdaptationFieldControl = AdaptationFieldControl(buf[3] >> 4 & 0x03)
	h.ContinuityCounter = buf[3] & 0x0F

	offset := 4
	if h.HasAdaptationField() {
		h.AdaptationFieldLength = int(buf[4])
		if h.AdaptationFieldLength > 0 {
			h.DiscontinuityIndicator = buf[5]&0x80 != 0
		}
		offset += 1 + h.AdaptationFieldLength
	}
	if offset >= PacketSize || !h.HasPayloadControl() {
		offset = PacketSize
		h.PayloadUnitStart = false
	}
	h.PayloadOffset = offset
	return h, nil
}

// HasPayloadControl reports whether adaptation_field_control announces a
// payload, regardless of whether one fits in the packet.
func (h *PacketHeader) HasPayloadControl() bool {
	return h.AdaptationFieldControl == AdaptationPayloadOnly || h.AdaptationFieldControl == AdaptationFieldAndPayload
}

// ParsePacket decodes the header and slices out the payload of buf.
func ParsePacket(buf []byte) (*Packet, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	p := &Packet{Header: h}
	if h.PayloadOffset < PacketSize {
		p.Payload = buf[h.PayloadOffset:PacketSize]
	}
	return p, nil
}
