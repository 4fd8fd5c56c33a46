// Package tsutil synthesizes MPEG-TS streams and timeshift buffers for tests
// and the gen-buffer tool.
package tsutil

import (
	"encoding/binary"

	"github.com/zsiec/timeshift/internal/mpegts"
)

// TSPacketSize is the fixed size of an MPEG-TS packet.
const TSPacketSize = mpegts.PacketSize

// Stream describes an elementary stream entry of a PMT.
type Stream struct {
	Type        uint8
	PID         uint16
	Descriptors []byte
}

// Program is one program of a synthetic channel.
type Program struct {
	Number      uint16
	PMTPID      uint16
	PCRPID      uint16
	Descriptors []byte
	Streams     []Stream
}

// Channel is a synthetic channel line-up: a PAT and the PMTs it references.
type Channel struct {
	TransportStreamID uint16
	PatVersion        uint8
	PmtVersion        uint8
	Programs          []Program
}

// Descriptor encodes one descriptor.
func Descriptor(tag uint8, data ...byte) []byte {
	return append([]byte{tag, byte(len(data))}, data...)
}

// Language encodes an ISO 639 language descriptor.
func Language(lang string, audioType uint8) []byte {
	return Descriptor(mpegts.DescriptorTagISO639, lang[0], lang[1], lang[2], audioType)
}

// Section wraps body in a long-form PSI section header and appends the CRC.
func Section(tableID uint8, ext uint16, version uint8, body []byte) []byte {
	sectionLength := 5 + len(body) + 4
	data := make([]byte, 3+sectionLength)
	data[0] = tableID
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(ext >> 8)
	data[4] = byte(ext)
	data[5] = 0xC1 | (version&0x1F)<<1
	copy(data[8:], body)
	binary.BigEndian.PutUint32(data[len(data)-4:], mpegts.CRC32(data[:len(data)-4]))
	return data
}

// PAT encodes the channel's PAT section.
func (c Channel) PAT() []byte {
	var body []byte
	for _, p := range c.Programs {
		body = append(body, byte(p.Number>>8), byte(p.Number), 0xE0|byte(p.PMTPID>>8)&0x1F, byte(p.PMTPID))
	}
	return Section(mpegts.TableIDPAT, c.TransportStreamID, c.PatVersion, body)
}

// PMT encodes the PMT section of p.
func (c Channel) PMT(p Program) []byte {
	body := []byte{
		0xE0 | byte(p.PCRPID>>8)&0x1F, byte(p.PCRPID),
		0xF0 | byte(len(p.Descriptors)>>8)&0x0F, byte(len(p.Descriptors)),
	}
	body = append(body, p.Descriptors...)
	for _, s := range p.Streams {
		body = append(body,
			s.Type,
			0xE0|byte(s.PID>>8)&0x1F, byte(s.PID),
			0xF0|byte(len(s.Descriptors)>>8)&0x0F, byte(len(s.Descriptors)),
		)
		body = append(body, s.Descriptors...)
	}
	return Section(mpegts.TableIDPMT, p.Number, c.PmtVersion, body)
}

// Muxer packetizes sections and filler while keeping per-PID continuity
// counters.
type Muxer struct {
	cc map[uint16]byte
}

// NewMuxer returns a Muxer with all counters at zero.
func NewMuxer() *Muxer {
	return &Muxer{cc: make(map[uint16]byte)}
}

// Tables returns the PAT followed by every PMT of c.
func (m *Muxer) Tables(c Channel) []byte {
	out := m.Section(mpegts.PIDPAT, c.PAT())
	for _, p := range c.Programs {
		out = append(out, m.Section(p.PMTPID, c.PMT(p))...)
	}
	return out
}

// Section splits a section into packets on pid, the first one carrying a
// zero pointer field. The last packet is padded with 0xFF.
func (m *Muxer) Section(pid uint16, section []byte) []byte {
	payload := append([]byte{0x00}, section...)
	var out []byte
	first := true
	for len(payload) > 0 {
		n := min(len(payload), TSPacketSize-4)
		out = append(out, m.packet(pid, first, payload[:n])...)
		payload = payload[n:]
		first = false
	}
	return out
}

// Filler returns n packets on pid. Each payload starts with a 16-bit
// sequence number and is padded with 0xFF, so it never contains a false
// sync pattern.
func (m *Muxer) Filler(pid uint16, n int) []byte {
	out := make([]byte, 0, n*TSPacketSize)
	for i := range n {
		out = append(out, m.packet(pid, false, []byte{byte(i >> 8), byte(i)})...)
	}
	return out
}

func (m *Muxer) packet(pid uint16, pusi bool, payload []byte) []byte {
	pkt := make([]byte, TSPacketSize)
	pkt[0] = 0x47
	pkt[1] = byte(pid>>8) & 0x1F
	if pusi {
		pkt[1] |= 0x40
	}
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | m.cc[pid]&0x0F
	m.cc[pid] = (m.cc[pid] + 1) & 0x0F
	n := copy(pkt[4:], payload)
	for i := 4 + n; i < TSPacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// SimpleChannel returns a one-program channel with H.264 video and one AAC
// audio stream tagged with lang.
func SimpleChannel(serviceID uint16, patVersion uint8, lang string) Channel {
	video := 0x100 + serviceID*0x10
	return Channel{
		TransportStreamID: 1,
		PatVersion:        patVersion,
		Programs: []Program{{
			Number: serviceID,
			PMTPID: 0x1000 + serviceID,
			PCRPID: video,
			Streams: []Stream{
				{Type: mpegts.StreamTypeH264, PID: video},
				{Type: mpegts.StreamTypeAAC, PID: video + 1, Descriptors: Language(lang, 0)},
			},
		}},
	}
}
