package mpegts

import "encoding/binary"

func makePacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | (cc & 0x0F) // payload only
	if pusi {
		buf[1] |= 0x40
	}
	n := copy(buf[4:], payload)
	for i := 4 + n; i < PacketSize; i++ {
		buf[i] = 0xFF
	}
	return buf
}

func makePacketWithAF(pid uint16, cc uint8, afLen int, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	if len(payload) > 0 {
		buf[3] = 0x30 | (cc & 0x0F) // adaptation + payload
	} else {
		buf[3] = 0x20 | (cc & 0x0F) // adaptation only
	}
	buf[4] = byte(afLen)
	offset := 5 + afLen
	if offset < PacketSize {
		copy(buf[offset:], payload)
	}
	return buf
}

// buildSection wraps body in a long-form section header and appends the CRC.
func buildSection(tableID uint8, ext uint16, version uint8, body []byte) []byte {
	sectionLength := 5 + len(body) + 4
	data := make([]byte, 3+sectionLength)
	data[0] = tableID
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(ext >> 8)
	data[4] = byte(ext)
	data[5] = 0xC1 | (version&0x1F)<<1
	copy(data[8:], body)
	crc := CRC32(data[:len(data)-4])
	binary.BigEndian.PutUint32(data[len(data)-4:], crc)
	return data
}

type patEntry struct{ num, pid uint16 }

func buildPAT(tsID uint16, version uint8, programs []patEntry) []byte {
	var body []byte
	for _, p := range programs {
		body = append(body, byte(p.num>>8), byte(p.num), 0xE0|byte(p.pid>>8)&0x1F, byte(p.pid))
	}
	return buildSection(TableIDPAT, tsID, version, body)
}

type esEntry struct {
	streamType uint8
	pid        uint16
	descs      []byte
}

func buildPMT(programNum, pcrPID uint16, version uint8, progDescs []byte, streams []esEntry) []byte {
	body := []byte{
		0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID),
		0xF0 | byte(len(progDescs)>>8)&0x0F, byte(len(progDescs)),
	}
	body = append(body, progDescs...)
	for _, s := range streams {
		body = append(body,
			s.streamType,
			0xE0|byte(s.pid>>8)&0x1F, byte(s.pid),
			0xF0|byte(len(s.descs)>>8)&0x0F, byte(len(s.descs)),
		)
		body = append(body, s.descs...)
	}
	return buildSection(TableIDPMT, programNum, version, body)
}

func desc(tag uint8, data ...byte) []byte {
	return append([]byte{tag, byte(len(data))}, data...)
}

func iso639Desc(lang string, audioType uint8) []byte {
	return desc(DescriptorTagISO639, lang[0], lang[1], lang[2], audioType)
}

// sectionPackets splits a section into TS packets on pid, the first one
// carrying a zero pointer field.
func sectionPackets(pid uint16, cc uint8, section []byte) [][]byte {
	payload := append([]byte{0x00}, section...)
	var pkts [][]byte
	first := true
	for len(payload) > 0 {
		n := min(len(payload), PacketSize-4)
		pkts = append(pkts, makePacket(pid, cc, first, payload[:n]))
		payload = payload[n:]
		cc = (cc + 1) & 0x0F
		first = false
	}
	return pkts
}

func mustParse(b []byte) *Packet {
	p, err := ParsePacket(b)
	if err != nil {
		panic(err)
	}
	return p
}
