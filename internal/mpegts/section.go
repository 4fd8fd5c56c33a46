package mpegts

import "fmt"

// Table ids accepted by the parsers in this package.
const (
	TableIDPAT = 0x00
	TableIDPMT = 0x02
)

const (
	sectionHeaderLen = 8
	maxSectionLen    = 1021 // 12-bit section_length, upper values forbidden for PSI
)

// Section is one complete long-form PSI section.
type Section struct {
	TableID           uint8
	TableIDExtension  uint16
	Version           uint8
	CurrentNext       bool
	SectionNumber     uint8
	LastSectionNumber uint8

	// Data holds the whole section from table_id up to and including the
	// CRC32.
	Data []byte
}

// SectionLength returns the section_length field.
func (s *Section) SectionLength() int {
	return len(s.Data) - 3
}

// Body returns the bytes between the 8-byte long header and the CRC32.
func (s *Section) Body() []byte {
	return s.Data[sectionHeaderLen : len(s.Data)-4]
}

func parseSection(data []byte) (*Section, error) {
	if len(data) < sectionHeaderLen+4 {
		return nil, fmt.Errorf("mpegts: section too short (%d bytes)", len(data))
	}
	if data[1]&0x80 == 0 {
		return nil, fmt.Errorf("mpegts: table 0x%02X is not a long-form section", data[0])
	}
	if err := checkCRC(data); err != nil {
		return nil, fmt.Errorf("mpegts: table 0x%02X: %w", data[0], err)
	}
	return &Section{
		TableID:           data[0],
		TableIDExtension:  uint16(data[3])<<8 | uint16(data[4]),
		Version:           data[5] >> 1 & 0x1F,
		CurrentNext:       data[5]&0x01 != 0,
		SectionNumber:     data[6],
		LastSectionNumber: data[7],
		Data:              data,
	}, nil
}

// AssemblerState is the reassembly state of a SectionAssembler.
type AssemblerState int

// Assembler states.
const (
	AssemblerIdle AssemblerState = iota
	AssemblerAccumulating
	AssemblerReady
)

// SectionAssembler reassembles the PSI sections carried on one PID. A
// section may span several packets and one packet may finish a section and
// start the next.
type SectionAssembler struct {
	pid     uint16
	tableID uint8
	state   AssemblerState
	buf     []byte
	lastCC  int
	ready   []*Section
	errs    int
}

// NewSectionAssembler creates an assembler for pid that only keeps sections
// whose table_id equals tableID.
func NewSectionAssembler(pid uint16, tableID uint8) *SectionAssembler {
	return &SectionAssembler{pid: pid, tableID: tableID, lastCC: -1}
}

// PID returns the PID this assembler listens on.
func (a *SectionAssembler) PID() uint16 { return a.pid }

// State returns the current reassembly state.
func (a *SectionAssembler) State() AssemblerState { return a.state }

// Errors returns the number of sections dropped because they were malformed.
func (a *SectionAssembler) Errors() int { return a.errs }

// Push feeds one packet and returns every section completed by it. Packets
// for other PIDs are ignored.
func (a *SectionAssembler) Push(p *Packet) []*Section {
	h := &p.Header
	if h.PID != a.pid {
		return nil
	}
	if h.TransportError {
		a.reset()
		return nil
	}
	if !h.HasPayload() {
		return nil
	}

	if a.lastCC >= 0 && !h.DiscontinuityIndicator {
		expected := uint8(a.lastCC+1) & 0x0F
		switch h.ContinuityCounter {
		case expected:
		case uint8(a.lastCC):
			return nil // duplicate
		default:
			a.buf = a.buf[:0]
			if a.state == AssemblerAccumulating {
				a.state = AssemblerIdle
			}
		}
	}
	a.lastCC = int(h.ContinuityCounter)

	a.ready = a.ready[:0]
	payload := p.Payload

	if h.PayloadUnitStart {
		pointer := int(payload[0])
		payload = payload[1:]
		if pointer > len(payload) {
			a.reset()
			return nil
		}
		// The bytes before the pointer target finish the previous section.
		if a.state == AssemblerAccumulating {
			a.buf = append(a.buf, payload[:pointer]...)
			a.drain()
		}
		a.buf = append(a.buf[:0], payload[pointer:]...)
		a.state = AssemblerAccumulating
		a.drain()
	} else if a.state == AssemblerAccumulating {
		a.buf = append(a.buf, payload...)
		a.drain()
	}

	if len(a.ready) == 0 {
		return nil
	}
	out := make([]*Section, len(a.ready))
	copy(out, a.ready)
	return out
}

// drain extracts every complete section at the front of the buffer.
func (a *SectionAssembler) drain() {
	for {
		if len(a.buf) == 0 || a.buf[0] == 0xFF {
			// Empty, or stuffing up to the end of the packet.
			a.buf = a.buf[:0]
			a.settle()
			return
		}
		if len(a.buf) < 3 {
			a.state = AssemblerAccumulating
			return
		}
		length := int(a.buf[1]&0x0F)<<8 | int(a.buf[2])
		if length > maxSectionLen {
			a.errs++
			a.buf = a.buf[:0]
			a.settle()
			return
		}
		total := 3 + length
		if len(a.buf) < total {
			a.state = AssemblerAccumulating
			return
		}

		data := make([]byte, total)
		copy(data, a.buf[:total])
		a.buf = a.buf[:copy(a.buf, a.buf[total:])]

		if data[0] != a.tableID {
			continue
		}
		sec, err := parseSection(data)
		if err != nil {
			a.errs++
			continue
		}
		a.ready = append(a.ready, sec)
	}
}

func (a *SectionAssembler) settle() {
	if len(a.ready) > 0 {
		a.state = AssemblerReady
	} else {
		a.state = AssemblerIdle
	}
}

func (a *SectionAssembler) reset() {
	a.buf = a.buf[:0]
	a.state = AssemblerIdle
	a.lastCC = -1
}
