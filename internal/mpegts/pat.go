package mpegts

import "fmt"

// PIDPAT is the PID carrying the Program Association Table.
const PIDPAT = 0x0000

// PMT PIDs outside this range are rejected.
const (
	minPMTPID = 0x10
	maxPMTPID = 0x1FFE
)

// Program is one entry of the PAT program loop.
type Program struct {
	Number uint16
	PMTPID uint16
}

// ChannelInfo is published whenever a PMT of the current PAT generation
// yields a new PidTable.
type ChannelInfo struct {
	PatVersion        int
	TransportStreamID uint16
	Pids              *PidTable
}

// ParsePAT decodes the program loop of a PAT section. Program number 0
// (the NIT) is skipped.
func ParsePAT(sec *Section) ([]Program, error) {
	if sec.TableID != TableIDPAT {
		return nil, fmt.Errorf("mpegts: table 0x%02X is not a PAT", sec.TableID)
	}
	body := sec.Body()
	programs := make([]Program, 0, len(body)/4)
	for i := 0; i+4 <= len(body); i += 4 {
		num := uint16(body[i])<<8 | uint16(body[i+1])
		if num == 0 {
			continue
		}
		programs = append(programs, Program{
			Number: num,
			PMTPID: uint16(body[i+2]&0x1F)<<8 | uint16(body[i+3]),
		})
	}
	return programs, nil
}

// PATParser tracks the PAT version and owns one PMTParser per program. A
// new PAT version discards every PMT parser so tables from the previous
// channel line-up can never mix with the new one.
type PATParser struct {
	asm       *SectionAssembler
	version   int
	tsID      uint16
	pmts      []*PMTParser
	rejected  int
	onChannel func(ChannelInfo)
}

// NewPATParser creates a PAT parser that republishes every PMT table to
// onChannel, tagged with the PAT version it belongs to.
func NewPATParser(onChannel func(ChannelInfo)) *PATParser {
	return &PATParser{
		asm:       NewSectionAssembler(PIDPAT, TableIDPAT),
		version:   -1,
		onChannel: onChannel,
	}
}

// Version returns the held PAT version, or -1 before the first PAT.
func (p *PATParser) Version() int { return p.version }

// PMTPIDs returns the PIDs of the current PMT parsers.
func (p *PATParser) PMTPIDs() []uint16 {
	pids := make([]uint16, len(p.pmts))
	for i, pmt := range p.pmts {
		pids[i] = pmt.PID()
	}
	return pids
}

// Tables returns the tables decoded so far for the current PAT version.
func (p *PATParser) Tables() []*PidTable {
	var out []*PidTable
	for _, pmt := range p.pmts {
		if pmt.Ready() {
			out = append(out, pmt.Table())
		}
	}
	return out
}

// Rejected returns the number of program entries skipped for an invalid
// PMT PID.
func (p *PATParser) Rejected() int { return p.rejected }

// Reset forgets the held version and all PMT parsers.
func (p *PATParser) Reset() {
	p.version = -1
	p.pmts = nil
	p.asm = NewSectionAssembler(PIDPAT, TableIDPAT)
}

// Push feeds one packet to the PAT assembler and to every PMT parser.
func (p *PATParser) Push(pkt *Packet) {
	for _, sec := range p.asm.Push(pkt) {
		_, _ = p.OnSection(sec)
	}
	for _, pmt := range p.pmts {
		pmt.Push(pkt)
	}
}

// OnSection applies a complete PAT section. It reports whether the section
// started a new table version. A section repeating the held version is a
// no-op.
func (p *PATParser) OnSection(sec *Section) (bool, error) {
	if sec.TableID != TableIDPAT || !sec.CurrentNext {
		return false, nil
	}
	if int(sec.Version) == p.version {
		return false, nil
	}
	programs, err := ParsePAT(sec)
	if err != nil {
		return false, err
	}

	version := int(sec.Version)
	tsID := sec.TableIDExtension
	p.version = version
	p.tsID = tsID
	p.pmts = nil

	for _, prog := range programs {
		if prog.PMTPID < minPMTPID || prog.PMTPID > maxPMTPID {
			p.rejected++
			continue
		}
		if p.hasPMT(prog.PMTPID) {
			continue
		}
		p.pmts = append(p.pmts, NewPMTParser(prog.PMTPID, func(t *PidTable) {
			if p.onChannel != nil {
				p.onChannel(ChannelInfo{PatVersion: version, TransportStreamID: tsID, Pids: t})
			}
		}))
	}
	return true, nil
}

func (p *PATParser) hasPMT(pid uint16) bool {
	for _, pmt := range p.pmts {
		if pmt.PID() == pid {
			return true
		}
	}
	return false
}
