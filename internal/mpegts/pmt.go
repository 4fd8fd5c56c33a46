package mpegts

import (
	"errors"
	"fmt"
)

// ParsePMT decodes one PMT section into a PidTable. pmtPID is recorded in
// the table as the PID the section arrived on.
func ParsePMT(sec *Section, pmtPID uint16) (*PidTable, error) {
	if sec.TableID != TableIDPMT {
		return nil, fmt.Errorf("mpegts: table 0x%02X is not a PMT", sec.TableID)
	}

	// body layout:
	// [0-1]  reserved(3) + PCR_PID(13)
	// [2-3]  reserved(4) + program_info_length(12)
	// [...]  program descriptors
	// [...]  elementary stream entries, 5 bytes + ES descriptors each
	body := sec.Body()
	if len(body) < 4 {
		return nil, errors.New("mpegts: PMT too short")
	}

	t := &PidTable{
		PmtPID:    pmtPID,
		ServiceID: sec.TableIDExtension,
		PcrPID:    uint16(body[0]&0x1F)<<8 | uint16(body[1]),
	}

	infoLen := int(body[2]&0x0F)<<8 | int(body[3])
	if 4+infoLen > len(body) {
		return nil, fmt.Errorf("mpegts: PMT program_info_length %d overruns section", infoLen)
	}
	progDescs, _ := parseDescriptors(body[4 : 4+infoLen])

	b := pmtBuilder{t: t, langs: make(map[uint16]iso639Entry)}
	for _, d := range progDescs {
		if d.tag == DescriptorTagRegistration && registrationFormat(d.data) == registrationHDMV {
			b.hdmv = true
		}
	}

	off := 4 + infoLen
	for off+5 <= len(body) {
		streamType := body[off]
		pid := uint16(body[off+1]&0x1F)<<8 | uint16(body[off+2])
		esInfoLen := int(body[off+3]&0x0F)<<8 | int(body[off+4])
		off += 5
		if off+esInfoLen > len(body) {
			return nil, fmt.Errorf("mpegts: PMT ES_info_length %d for PID 0x%X overruns section", esInfoLen, pid)
		}
		descs, _ := parseDescriptors(body[off : off+esInfoLen])
		off += esInfoLen

		b.addStream(streamType, pid, descs)
	}
	return t, nil
}

type pmtBuilder struct {
	t    *PidTable
	hdmv bool
	// langs holds ISO 639 languages by PID. Descriptor order is not
	// guaranteed, so a language may arrive before the entry it belongs to.
	langs map[uint16]iso639Entry
}

func (b *pmtBuilder) addStream(streamType uint8, pid uint16, descs []descriptor) {
	hdmv := b.hdmv
	for _, d := range descs {
		if d.tag == DescriptorTagRegistration && registrationFormat(d.data) == registrationHDMV {
			hdmv = true
		}
	}

	switch {
	case streamType == StreamTypeDCIIVideo && hdmv:
		b.addAudio(pid, StreamTypeLPCM)
	case streamType == StreamTypeDCIIVideo || isVideoStreamType(streamType):
		b.addVideo(pid, streamType)
	case isAudioStreamType(streamType):
		b.addAudio(pid, streamType)
	}

	claimed := false
	for _, d := range descs {
		switch d.tag {
		case DescriptorTagAC3:
			b.addAudio(pid, StreamTypeAC3)
			claimed = true
		case DescriptorTagEnhancedAC3:
			b.addAudio(pid, StreamTypeDDPlus)
			claimed = true
		case DescriptorTagISO639:
			if lang, audioType, ok := iso639Language(d.data); ok {
				b.setLanguage(pid, iso639Entry{lang: lang, audioType: audioType})
			}
		case DescriptorTagSubtitling:
			entries := parseSubtitling(d.data)
			var e subtitlingEntry
			if len(entries) > 0 {
				e = entries[0]
			}
			b.addSubtitle(pid, streamType, e.lang, e.subtitlingType)
			claimed = true
		case DescriptorTagTeletext, DescriptorTagVBITeletext:
			b.t.TeletextPID = pid
			for _, page := range parseTeletext(d.data) {
				if page.Type == TeletextTypeSubtitle || page.Type == TeletextTypeSubtitleHearingImpaired {
					b.t.TeletextPages = append(b.t.TeletextPages, page)
				}
			}
			claimed = true
		}
	}

	if streamType == StreamTypePrivateData && !claimed {
		b.addSubtitle(pid, streamType, "", 0)
	}
}

func (b *pmtBuilder) addVideo(pid uint16, streamType uint8) {
	if b.t.videoIndex(pid) >= 0 {
		return
	}
	v := VideoPID{PID: pid, StreamType: streamType}
	if l, ok := b.langs[pid]; ok {
		v.Lang = l.lang
	}
	b.t.VideoPIDs = append(b.t.VideoPIDs, v)
}

// addAudio adds an audio entry, or retags an existing one when a
// descriptor names a more specific codec.
func (b *pmtBuilder) addAudio(pid uint16, streamType uint8) {
	if i := b.t.audioIndex(pid); i >= 0 {
		b.t.AudioPIDs[i].StreamType = streamType
		return
	}
	a := AudioPID{PID: pid, StreamType: streamType}
	if l, ok := b.langs[pid]; ok {
		a.Lang = l.lang
		a.AudioType = l.audioType
	}
	b.t.AudioPIDs = append(b.t.AudioPIDs, a)
}

func (b *pmtBuilder) addSubtitle(pid uint16, streamType uint8, lang string, subtitlingType uint8) {
	if b.t.subtitleIndex(pid) >= 0 {
		return
	}
	s := SubtitlePID{PID: pid, StreamType: streamType, Lang: lang, SubtitlingType: subtitlingType}
	if l, ok := b.langs[pid]; ok {
		s.Lang = l.lang
	}
	b.t.SubtitlePIDs = append(b.t.SubtitlePIDs, s)
}

// setLanguage applies an ISO 639 language to every entry on pid and keeps
// it for entries created later.
func (b *pmtBuilder) setLanguage(pid uint16, l iso639Entry) {
	b.langs[pid] = l
	if i := b.t.videoIndex(pid); i >= 0 {
		b.t.VideoPIDs[i].Lang = l.lang
	}
	if i := b.t.audioIndex(pid); i >= 0 {
		b.t.AudioPIDs[i].Lang = l.lang
		b.t.AudioPIDs[i].AudioType = l.audioType
	}
	if i := b.t.subtitleIndex(pid); i >= 0 {
		b.t.SubtitlePIDs[i].Lang = l.lang
	}
}

// PMTParser follows the PMT of one program on its PID.
type PMTParser struct {
	pid     uint16
	asm     *SectionAssembler
	version int
	table   *PidTable
	onTable func(*PidTable)
}

// NewPMTParser creates a parser for the PMT carried on pid. onTable is
// called with a private copy every time the decoded table changes.
func NewPMTParser(pid uint16, onTable func(*PidTable)) *PMTParser {
	return &PMTParser{
		pid:     pid,
		asm:     NewSectionAssembler(pid, TableIDPMT),
		version: -1,
		onTable: onTable,
	}
}

// PID returns the PMT PID.
func (p *PMTParser) PID() uint16 { return p.pid }

// Ready reports whether a complete PMT has been decoded.
func (p *PMTParser) Ready() bool { return p.table != nil }

// Version returns the version of the last decoded section, or -1.
func (p *PMTParser) Version() int { return p.version }

// Table returns a copy of the last decoded table, or nil.
func (p *PMTParser) Table() *PidTable { return p.table.Clone() }

// Push feeds one packet; packets for other PIDs are ignored.
func (p *PMTParser) Push(pkt *Packet) {
	for _, sec := range p.asm.Push(pkt) {
		_ = p.OnSection(sec)
	}
}

// OnSection decodes a complete section and publishes the table if its
// content differs from the previous one.
func (p *PMTParser) OnSection(sec *Section) error {
	if !sec.CurrentNext {
		return nil
	}
	t, err := ParsePMT(sec, p.pid)
	if err != nil {
		return err
	}
	p.version = int(sec.Version)
	if t.Equal(p.table) {
		return nil
	}
	p.table = t
	if p.onTable != nil {
		p.onTable(t.Clone())
	}
	return nil
}
