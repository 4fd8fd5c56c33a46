package mpegts

import (
	"fmt"
	"strings"

	"github.com/asticode/go-astikit"
)

// Descriptor tags handled by the PMT parser.
const (
	DescriptorTagRegistration = 0x05
	DescriptorTagISO639       = 0x0A
	DescriptorTagVBITeletext  = 0x46
	DescriptorTagTeletext     = 0x56
	DescriptorTagSubtitling   = 0x59
	DescriptorTagAC3          = 0x6A
	DescriptorTagEnhancedAC3  = 0x7A
)

// registrationHDMV is the Blu-ray format identifier.
const registrationHDMV = "HDMV"

type descriptor struct {
	tag  uint8
	data []byte
}

// parseDescriptors walks a descriptor loop. A truncated trailing descriptor
// is reported together with everything decoded before it.
func parseDescriptors(b []byte) ([]descriptor, error) {
	var ds []descriptor
	i := astikit.NewBytesIterator(b)
	for i.HasBytesLeft() {
		tag, err := i.NextByte()
		if err != nil {
			return ds, fmt.Errorf("mpegts: reading descriptor tag: %w", err)
		}
		length, err := i.NextByte()
		if err != nil {
			return ds, fmt.Errorf("mpegts: reading descriptor 0x%02X length: %w", tag, err)
		}
		data, err := i.NextBytesNoCopy(int(length))
		if err != nil {
			return ds, fmt.Errorf("mpegts: descriptor 0x%02X truncated: %w", tag, err)
		}
		ds = append(ds, descriptor{tag: tag, data: data})
	}
	return ds, nil
}

type iso639Entry struct {
	lang      string
	audioType uint8
}

// iso639Language returns the language as stored on a stream entry: one code, or
// two codes concatenated when the descriptor lists a second language.
func iso639Language(data []byte) (string, uint8, bool) {
	entries := parseISO639(data)
	if len(entries) == 0 {
		return "", 0, false
	}
	lang := entries[0].lang
	if len(entries) > 1 {
		lang += entries[1].lang
	}
	return lang, entries[0].audioType, true
}

func parseISO639(data []byte) []iso639Entry {
	var out []iso639Entry
	i := astikit.NewBytesIterator(data)
	for i.Len()-i.Offset() >= 4 {
		code, _ := i.NextBytesNoCopy(3)
		at, _ := i.NextByte()
		out = append(out, iso639Entry{lang: langCode(code), audioType: at})
	}
	return out
}

type subtitlingEntry struct {
	lang            string
	subtitlingType  uint8
	compositionPage uint16
	ancillaryPage   uint16
}

func parseSubtitling(data []byte) []subtitlingEntry {
	var out []subtitlingEntry
	i := astikit.NewBytesIterator(data)
	for i.Len()-i.Offset() >= 8 {
		code, _ := i.NextBytesNoCopy(3)
		st, _ := i.NextByte()
		pages, _ := i.NextBytesNoCopy(4)
		out = append(out, subtitlingEntry{
			lang:            langCode(code),
			subtitlingType:  st,
			compositionPage: uint16(pages[0])<<8 | uint16(pages[1]),
			ancillaryPage:   uint16(pages[2])<<8 | uint16(pages[3]),
		})
	}
	return out
}

// parseTeletext decodes the 5-byte records of a teletext descriptor.
func parseTeletext(data []byte) []TeletextPage {
	var out []TeletextPage
	i := astikit.NewBytesIterator(data)
	for i.Len()-i.Offset() >= 5 {
		code, _ := i.NextBytesNoCopy(3)
		b, _ := i.NextByte()
		bcd, _ := i.NextByte()

		magazine := int(b & 0x07)
		if magazine == 0 {
			magazine = 8
		}
		out = append(out, TeletextPage{
			Lang: langCode(code),
			Type: b >> 3,
			Page: magazine*100 + int(bcd>>4)*10 + int(bcd&0x0F),
		})
	}
	return out
}

func registrationFormat(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	return string(data[:4])
}

func langCode(b []byte) string {
	return strings.ToLower(strings.TrimRight(string(b), "\x00 "))
}
