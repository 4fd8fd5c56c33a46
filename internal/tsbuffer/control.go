package tsbuffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

const (
	controlHeaderLen  = 16 // int64 position + two int32 counters
	controlTrailerLen = 8  // duplicated counters
	maxFilenameList   = 100000
)

// ControlRecord is one decoded read of the buffer control file.
//
// Layout, little-endian:
//
//	int64   currentPosition
//	int32   filesAdded
//	int32   filesRemoved
//	wchar[] NUL-terminated UTF-16LE filenames
//	int32   filesAdded
//	int32   filesRemoved
type ControlRecord struct {
	CurrentPosition int64
	FilesAdded      int32
	FilesRemoved    int32
	Filenames       []string
	FilesAdded2     int32
	FilesRemoved2   int32
}

// Consistent reports whether the trailer counters match the header ones.
// A mismatch means the writer was updating the file during the read.
func (c *ControlRecord) Consistent() bool {
	return c.FilesAdded == c.FilesAdded2 && c.FilesRemoved == c.FilesRemoved2
}

// controlFault is a single failed decode attempt.
type controlFault struct {
	reason IntegrityReason
	err    error
}

func (f *controlFault) Error() string {
	if f.err != nil {
		return fmt.Sprintf("%s: %v", f.reason, f.err)
	}
	return f.reason.String()
}

func (f *controlFault) Unwrap() error { return f.err }

// ReadControl decodes the control record from the start of f.
func ReadControl(f io.ReadSeeker) (*ControlRecord, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, &controlFault{reason: ReasonShortHeader, err: err}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, &controlFault{reason: ReasonShortHeader, err: err}
	}

	var hdr [controlHeaderLen]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, &controlFault{reason: ReasonShortHeader, err: err}
	}
	rec := &ControlRecord{
		CurrentPosition: int64(binary.LittleEndian.Uint64(hdr[0:8])),
		FilesAdded:      int32(binary.LittleEndian.Uint32(hdr[8:12])),
		FilesRemoved:    int32(binary.LittleEndian.Uint32(hdr[12:16])),
	}

	listLen := size - controlHeaderLen - controlTrailerLen
	if listLen < 0 {
		return nil, &controlFault{reason: ReasonShortTrailer}
	}
	if listLen > maxFilenameList {
		return nil, &controlFault{reason: ReasonOversizeList, err: fmt.Errorf("%d bytes", listLen)}
	}

	list := make([]byte, listLen)
	if _, err := io.ReadFull(f, list); err != nil {
		return nil, &controlFault{reason: ReasonShortList, err: err}
	}
	var trl [controlTrailerLen]byte
	if _, err := io.ReadFull(f, trl[:]); err != nil {
		return nil, &controlFault{reason: ReasonShortTrailer, err: err}
	}
	rec.FilesAdded2 = int32(binary.LittleEndian.Uint32(trl[0:4]))
	rec.FilesRemoved2 = int32(binary.LittleEndian.Uint32(trl[4:8]))
	if !rec.Consistent() {
		return nil, &controlFault{
			reason: ReasonTornCounters,
			err: fmt.Errorf("header %d/%d, trailer %d/%d",
				rec.FilesAdded, rec.FilesRemoved, rec.FilesAdded2, rec.FilesRemoved2),
		}
	}

	names, err := decodeFilenames(list)
	if err != nil {
		return nil, &controlFault{reason: ReasonShortList, err: err}
	}
	rec.Filenames = names
	return rec, nil
}

// decodeFilenames splits a run of NUL-terminated UTF-16LE strings.
func decodeFilenames(b []byte) ([]string, error) {
	if len(b)%2 != 0 {
		return nil, errors.New("odd filename list length")
	}
	utf8, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("decoding filename list: %w", err)
	}
	var names []string
	for name := range strings.SplitSeq(string(utf8), "\x00") {
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// EncodeControl produces the control file bytes for rec. The trailer is
// written from FilesAdded2/FilesRemoved2 as given.
func EncodeControl(rec *ControlRecord) []byte {
	var list []byte
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	for _, name := range rec.Filenames {
		b, err := enc.Bytes([]byte(name))
		if err != nil {
			continue
		}
		list = append(list, b...)
		list = append(list, 0, 0)
	}

	out := make([]byte, controlHeaderLen, controlHeaderLen+len(list)+controlTrailerLen)
	binary.LittleEndian.PutUint64(out[0:8], uint64(rec.CurrentPosition))
	binary.LittleEndian.PutUint32(out[8:12], uint32(rec.FilesAdded))
	binary.LittleEndian.PutUint32(out[12:16], uint32(rec.FilesRemoved))
	out = append(out, list...)
	out = binary.LittleEndian.AppendUint32(out, uint32(rec.FilesAdded2))
	out = binary.LittleEndian.AppendUint32(out, uint32(rec.FilesRemoved2))
	return out
}
