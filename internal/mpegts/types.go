// Package mpegts decodes the small subset of MPEG-TS needed to follow a
// broadcast channel: 188-byte packet headers, PSI section reassembly, and
// the Program Association and Program Map tables. The result of a parse is
// a [PidTable] describing the elementary streams of the current program.
package mpegts

// AdaptationFieldControl is the two-bit adaptation_field_control value of a
// transport packet header.
type AdaptationFieldControl uint8

// Adaptation field control values.
const (
	AdaptationReserved        AdaptationFieldControl = 0
	AdaptationPayloadOnly     AdaptationFieldControl = 1
	AdaptationFieldOnly       AdaptationFieldControl = 2
	AdaptationFieldAndPayload AdaptationFieldControl = 3
)

// String returns a short name for the adaptation field control value.
func (a AdaptationFieldControl) String() string {
	switch a {
	case AdaptationPayloadOnly:
		return "payload-only"
	case AdaptationFieldOnly:
		return "adaptation-only"
	case AdaptationFieldAndPayload:
		return "adaptation+payload"
	default:
		return "reserved"
	}
}

// PacketHeader contains the decoded header fields of a transport packet.
type PacketHeader struct {
	PID                    uint16
	ContinuityCounter      uint8
	ScramblingControl      uint8
	AdaptationFieldControl AdaptationFieldControl
	TransportError         bool
	PayloadUnitStart       bool
	DiscontinuityIndicator bool

	// AdaptationFieldLength is the value of the adaptation_field_length
	// byte, zero when no adaptation field is present.
	AdaptationFieldLength int

	// PayloadOffset is the offset of the first payload byte within the
	// packet. It equals PacketSize when the packet carries no payload.
	PayloadOffset int
}

// HasPayload reports whether the packet carries payload bytes.
func (h *PacketHeader) HasPayload() bool {
	return h.PayloadOffset < PacketSize
}

// HasAdaptationField reports whether an adaptation field precedes the payload.
func (h *PacketHeader) HasAdaptationField() bool {
	return h.AdaptationFieldControl == AdaptationFieldOnly || h.AdaptationFieldControl == AdaptationFieldAndPayload
}

// Packet is a decoded transport packet. Payload aliases the buffer the
// packet was parsed from.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}
