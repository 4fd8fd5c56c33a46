package tsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zsiec/timeshift/internal/tsbuffer"
)

// BufferWriter writes a timeshift buffer the way a recorder does: a ring of
// segment files plus a control file listing the current ones.
type BufferWriter struct {
	Dir     string
	Name    string
	MaxSize int64
	MaxKeep int

	added   int32
	removed int32
	files   []string
	curSize int64
}

// NewBufferWriter creates a writer for dir/name.tsbuffer. Segments roll over
// at maxSize bytes and at most keep of them are listed.
func NewBufferWriter(dir, name string, maxSize int64, keep int) *BufferWriter {
	return &BufferWriter{Dir: dir, Name: name, MaxSize: maxSize, MaxKeep: keep}
}

// ControlPath returns the path of the control file.
func (w *BufferWriter) ControlPath() string {
	return filepath.Join(w.Dir, w.Name+tsbuffer.BufferSuffix)
}

// Write appends p to the current segment, rolling to new segments as needed,
// and rewrites the control file.
func (w *BufferWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if len(w.files) == 0 || w.curSize >= w.MaxSize {
			if err := w.roll(); err != nil {
				return written, err
			}
		}
		n := int(min(int64(len(p)), w.MaxSize-w.curSize))
		f, err := os.OpenFile(filepath.Join(w.Dir, w.files[len(w.files)-1]), os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return written, err
		}
		m, err := f.Write(p[:n])
		f.Close()
		written += m
		w.curSize += int64(m)
		p = p[m:]
		if err != nil {
			return written, err
		}
	}
	return written, w.flush()
}

// Close writes the final control file.
func (w *BufferWriter) Close() error {
	return w.flush()
}

func (w *BufferWriter) roll() error {
	w.added++
	name := fmt.Sprintf("%s%s%d.ts", w.Name, tsbuffer.BufferSuffix, w.added)
	if err := os.WriteFile(filepath.Join(w.Dir, name), nil, 0o644); err != nil {
		return err
	}
	w.files = append(w.files, name)
	w.curSize = 0
	for len(w.files) > w.MaxKeep {
		_ = os.Remove(filepath.Join(w.Dir, w.files[0]))
		w.files = w.files[1:]
		w.removed++
	}
	return w.flush()
}

func (w *BufferWriter) flush() error {
	rec := &tsbuffer.ControlRecord{
		CurrentPosition: w.curSize,
		FilesAdded:      w.added,
		FilesRemoved:    w.removed,
		FilesAdded2:     w.added,
		FilesRemoved2:   w.removed,
	}
	for _, f := range w.files {
		rec.Filenames = append(rec.Filenames, `C:\Timeshift\`+f)
	}
	// Rewritten in place so readers holding the file open see the update.
	data := tsbuffer.EncodeControl(rec)
	f, err := os.OpenFile(w.ControlPath(), os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		f.Close()
		return err
	}
	if err := f.Truncate(int64(len(data))); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
