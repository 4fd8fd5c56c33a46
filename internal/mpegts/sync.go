package mpegts

// PacketSync splits an arbitrary byte stream into 188-byte packets. A
// candidate packet is accepted only when its own sync byte and the sync byte
// of the following packet are both present; otherwise the search advances
// one byte. Bytes that cannot be confirmed yet are carried to the next Write.
type PacketSync struct {
	pending []byte
	onPkt   func(pkt []byte)
	dropped int64
}

// NewPacketSync creates a PacketSync that invokes onPacket for every
// aligned packet. The slice passed to onPacket is only valid for the call.
func NewPacketSync(onPacket func(pkt []byte)) *PacketSync {
	return &PacketSync{onPkt: onPacket}
}

// Write feeds raw bytes. It never fails.
func (s *PacketSync) Write(p []byte) (int, error) {
	s.pending = append(s.pending, p...)
	buf := s.pending

	off := 0
	for off+PacketSize < len(buf) {
		if buf[off] == syncByte && buf[off+PacketSize] == syncByte {
			s.onPkt(buf[off : off+PacketSize])
			off += PacketSize
			continue
		}
		off++
		s.dropped++
	}

	// Keep the unconfirmed tail, moving it to the front of the buffer so the
	// backing array is reused.
	n := copy(s.pending, buf[off:])
	s.pending = s.pending[:n]
	return len(p), nil
}

// Reset discards any carried bytes, e.g. after a seek.
func (s *PacketSync) Reset() {
	s.pending = s.pending[:0]
}

// Dropped returns the number of bytes skipped while searching for sync.
func (s *PacketSync) Dropped() int64 {
	return s.dropped
}
