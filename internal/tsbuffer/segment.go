package tsbuffer

import "slices"

// SegmentFile is one physical file contributing a contiguous byte range to
// the virtual stream.
type SegmentFile struct {
	Filename    string
	StartOffset int64
	Length      int64
	// SequenceID numbers segments in the order the writer added them,
	// starting at 1.
	SequenceID int64
}

// End returns the virtual offset one past the last byte of the segment.
func (s SegmentFile) End() int64 {
	return s.StartOffset + s.Length
}

// segmentAt returns the index of the segment containing off, or -1.
func segmentAt(segs []SegmentFile, off int64) int {
	i, found := slices.BinarySearchFunc(segs, off, func(s SegmentFile, off int64) int {
		switch {
		case off < s.StartOffset:
			return 1
		case off >= s.End():
			return -1
		}
		return 0
	})
	if !found {
		return -1
	}
	return i
}

func segmentBySequence(segs []SegmentFile, id int64) int {
	return slices.IndexFunc(segs, func(s SegmentFile) bool { return s.SequenceID == id })
}
