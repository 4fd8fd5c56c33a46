package tsbuffer

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// pattern returns n bytes that differ per segment and per offset.
func pattern(seed byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

type testBuffer struct {
	t       *testing.T
	dir     string
	control string
}

func newTestBuffer(t *testing.T) *testBuffer {
	t.Helper()
	dir := t.TempDir()
	return &testBuffer{t: t, dir: dir, control: filepath.Join(dir, "live1-0.ts.tsbuffer")}
}

func (b *testBuffer) writeSegment(name string, data []byte) {
	b.t.Helper()
	if err := os.WriteFile(filepath.Join(b.dir, name), data, 0o644); err != nil {
		b.t.Fatal(err)
	}
}

// writeControl lists names as the recorder would, with Windows paths.
func (b *testBuffer) writeControl(pos int64, added, removed int32, names ...string) {
	b.t.Helper()
	rec := &ControlRecord{
		CurrentPosition: pos,
		FilesAdded:      added,
		FilesRemoved:    removed,
		FilesAdded2:     added,
		FilesRemoved2:   removed,
	}
	for _, n := range names {
		rec.Filenames = append(rec.Filenames, `C:\Timeshift\`+n)
	}
	if err := os.WriteFile(b.control, EncodeControl(rec), 0o644); err != nil {
		b.t.Fatal(err)
	}
}

func (b *testBuffer) open(opts ...ReaderOpt) *MultiFileReader {
	b.t.Helper()
	opts = append([]ReaderOpt{
		ReaderOptBaseDir(b.dir),
		ReaderOptOpenRetry(Retry{Attempts: 2, Delay: time.Millisecond}),
	}, opts...)
	r := NewMultiFileReader(context.Background(), b.control, opts...)
	if err := r.Open(); err != nil {
		b.t.Fatal(err)
	}
	b.t.Cleanup(func() { r.Close() })
	return r
}

func assertContiguous(t *testing.T, segs []SegmentFile) {
	t.Helper()
	for i := 1; i < len(segs); i++ {
		if segs[i].StartOffset != segs[i-1].End() {
			t.Errorf("segment %d starts at %d, previous ends at %d", i, segs[i].StartOffset, segs[i-1].End())
		}
	}
}

// fakeFS serves files from memory. The control file content can be swapped
// per open to simulate a writer racing the reader.
type fakeFS struct {
	files   map[string][]byte
	control string
	current []byte
	queue   [][]byte
	opens   int
}

func (f *fakeFS) Open(name string) (File, error) {
	if name == f.control {
		f.opens++
		if len(f.queue) > 0 {
			f.current, f.queue = f.queue[0], f.queue[1:]
		}
		return &fakeFile{data: func() []byte { return f.current }}, nil
	}
	b, ok := f.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &fakeFile{data: func() []byte { return b }}, nil
}

func (f *fakeFS) Stat(name string) (fs.FileInfo, error) {
	if name == f.control {
		return fakeInfo{name: name, size: int64(len(f.current))}, nil
	}
	b, ok := f.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return fakeInfo{name: name, size: int64(len(b))}, nil
}

type fakeFile struct {
	data func() []byte
	off  int64
}

func (f *fakeFile) Read(p []byte) (int, error) {
	d := f.data()
	if f.off >= int64(len(d)) {
		return 0, io.EOF
	}
	n := copy(p, d[f.off:])
	f.off += int64(n)
	return n, nil
}

func (f *fakeFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.off = offset
	case io.SeekCurrent:
		f.off += offset
	case io.SeekEnd:
		f.off = int64(len(f.data())) + offset
	}
	return f.off, nil
}

func (f *fakeFile) Close() error { return nil }

type fakeInfo struct {
	name string
	size int64
}

func (i fakeInfo) Name() string       { return i.name }
func (i fakeInfo) Size() int64        { return i.size }
func (i fakeInfo) Mode() fs.FileMode  { return 0o644 }
func (i fakeInfo) ModTime() time.Time { return time.Time{} }
func (i fakeInfo) IsDir() bool        { return false }
func (i fakeInfo) Sys() any           { return nil }
