package mpegts

import (
	"fmt"
	"slices"
	"strings"
)

// Stream types carried in the PMT elementary stream loop, plus the codec
// tags assigned by descriptors.
const (
	StreamTypeMPEG1Video  = 0x01
	StreamTypeMPEG2Video  = 0x02
	StreamTypeMPEG1Audio  = 0x03
	StreamTypeMPEG2Audio  = 0x04
	StreamTypePrivateData = 0x06 // DVB subtitles, AC-3 and teletext ride here
	StreamTypeAAC         = 0x0F
	StreamTypeMPEG4Video  = 0x10
	StreamTypeLATMAAC     = 0x11
	StreamTypeH264        = 0x1B
	StreamTypeDCIIVideo   = 0x80 // LPCM when the program is registered as HDMV
	StreamTypeAC3         = 0x81
	StreamTypeLPCM        = 0x83
	StreamTypeDDPlus      = 0x84
	StreamTypeEAC3        = 0x87
)

// Teletext page types kept as subtitle candidates.
const (
	TeletextTypeSubtitle                = 0x02
	TeletextTypeSubtitleHearingImpaired = 0x05
)

// VideoPID is one video elementary stream.
type VideoPID struct {
	PID        uint16 `json:"pid"`
	StreamType uint8  `json:"streamType"`
	Lang       string `json:"lang,omitempty"`
}

// AudioPID is one audio elementary stream. Lang holds a 3-letter ISO 639
// code, or two codes back to back for dual-mono streams ("norswe").
type AudioPID struct {
	PID        uint16 `json:"pid"`
	StreamType uint8  `json:"streamType"`
	Lang       string `json:"lang,omitempty"`
	AudioType  uint8  `json:"audioType,omitempty"`
}

// SubtitlePID is one DVB subtitle elementary stream.
type SubtitlePID struct {
	PID            uint16 `json:"pid"`
	StreamType     uint8  `json:"streamType"`
	Lang           string `json:"lang,omitempty"`
	SubtitlingType uint8  `json:"subtitlingType,omitempty"`
}

// TeletextPage is a teletext page announced as carrying subtitles.
type TeletextPage struct {
	Lang string `json:"lang"`
	Type uint8  `json:"type"`
	// Page is the decimal page number, magazine included (e.g. 888).
	Page int `json:"page"`
}

// PidTable describes the elementary streams of one program. Two tables are
// equal when every field matches; an identical table means the channel did
// not change.
type PidTable struct {
	PcrPID        uint16         `json:"pcrPid"`
	PmtPID        uint16         `json:"pmtPid"`
	ServiceID     uint16         `json:"serviceId"`
	VideoPIDs     []VideoPID     `json:"video,omitempty"`
	AudioPIDs     []AudioPID     `json:"audio,omitempty"`
	SubtitlePIDs  []SubtitlePID  `json:"subtitles,omitempty"`
	TeletextPID   uint16         `json:"teletextPid,omitempty"`
	TeletextPages []TeletextPage `json:"teletextPages,omitempty"`
}

// Equal reports whether t and o describe the same streams.
func (t *PidTable) Equal(o *PidTable) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.PcrPID == o.PcrPID &&
		t.PmtPID == o.PmtPID &&
		t.ServiceID == o.ServiceID &&
		t.TeletextPID == o.TeletextPID &&
		slices.Equal(t.VideoPIDs, o.VideoPIDs) &&
		slices.Equal(t.AudioPIDs, o.AudioPIDs) &&
		slices.Equal(t.SubtitlePIDs, o.SubtitlePIDs) &&
		slices.Equal(t.TeletextPages, o.TeletextPages)
}

// Clone returns a deep copy of t.
func (t *PidTable) Clone() *PidTable {
	if t == nil {
		return nil
	}
	c := *t
	c.VideoPIDs = slices.Clone(t.VideoPIDs)
	c.AudioPIDs = slices.Clone(t.AudioPIDs)
	c.SubtitlePIDs = slices.Clone(t.SubtitlePIDs)
	c.TeletextPages = slices.Clone(t.TeletextPages)
	return &c
}

// HasStreams reports whether the table lists any playable stream.
func (t *PidTable) HasStreams() bool {
	return len(t.VideoPIDs) > 0 || len(t.AudioPIDs) > 0
}

func (t *PidTable) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "service=%d pmt=0x%X pcr=0x%X", t.ServiceID, t.PmtPID, t.PcrPID)
	for _, v := range t.VideoPIDs {
		fmt.Fprintf(&b, " video=0x%X/0x%02X", v.PID, v.StreamType)
	}
	for _, a := range t.AudioPIDs {
		fmt.Fprintf(&b, " audio=0x%X/0x%02X", a.PID, a.StreamType)
		if a.Lang != "" {
			fmt.Fprintf(&b, "/%s", a.Lang)
		}
	}
	for _, s := range t.SubtitlePIDs {
		fmt.Fprintf(&b, " sub=0x%X", s.PID)
		if s.Lang != "" {
			fmt.Fprintf(&b, "/%s", s.Lang)
		}
	}
	if t.TeletextPID != 0 {
		fmt.Fprintf(&b, " ttx=0x%X", t.TeletextPID)
	}
	return b.String()
}

func (t *PidTable) videoIndex(pid uint16) int {
	return slices.IndexFunc(t.VideoPIDs, func(v VideoPID) bool { return v.PID == pid })
}

func (t *PidTable) audioIndex(pid uint16) int {
	return slices.IndexFunc(t.AudioPIDs, func(a AudioPID) bool { return a.PID == pid })
}

func (t *PidTable) subtitleIndex(pid uint16) int {
	return slices.IndexFunc(t.SubtitlePIDs, func(s SubtitlePID) bool { return s.PID == pid })
}

func isVideoStreamType(st uint8) bool {
	switch st {
	case StreamTypeMPEG1Video, StreamTypeMPEG2Video, StreamTypeMPEG4Video, StreamTypeH264:
		return true
	}
	return false
}

func isAudioStreamType(st uint8) bool {
	switch st {
	case StreamTypeMPEG1Audio, StreamTypeMPEG2Audio, StreamTypeAC3, StreamTypeAAC,
		StreamTypeLATMAAC, StreamTypeDDPlus, StreamTypeEAC3:
		return true
	}
	return false
}
