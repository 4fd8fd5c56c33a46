package tsbuffer

import (
	"bytes"
	"errors"
	"testing"
)

func TestReadControl_RoundTrip(t *testing.T) {
	t.Parallel()
	in := &ControlRecord{
		CurrentPosition: 123456,
		FilesAdded:      7,
		FilesRemoved:    4,
		Filenames:       []string{`C:\ts\live1-0.ts.tsbuffer5.ts`, `C:\ts\live1-0.ts.tsbuffer6.ts`, `C:\ts\live1-0.ts.tsbuffer7.ts`},
		FilesAdded2:     7,
		FilesRemoved2:   4,
	}
	out, err := ReadControl(bytes.NewReader(EncodeControl(in)))
	if err != nil {
		t.Fatal(err)
	}
	if out.CurrentPosition != in.CurrentPosition || out.FilesAdded != 7 || out.FilesRemoved != 4 {
		t.Errorf("header = %+v", out)
	}
	if len(out.Filenames) != 3 || out.Filenames[2] != in.Filenames[2] {
		t.Errorf("filenames = %q", out.Filenames)
	}
}

func TestReadControl_Faults(t *testing.T) {
	t.Parallel()
	good := EncodeControl(&ControlRecord{FilesAdded: 1, FilesAdded2: 1, Filenames: []string{"a.ts"}})
	torn := EncodeControl(&ControlRecord{FilesAdded: 2, FilesAdded2: 1, Filenames: []string{"a.ts"}})
	huge := EncodeControl(&ControlRecord{Filenames: []string{string(bytes.Repeat([]byte("x"), maxFilenameList))}})

	tests := []struct {
		name string
		data []byte
		want IntegrityReason
	}{
		{"short header", good[:10], ReasonShortHeader},
		{"missing trailer", good[:20], ReasonShortTrailer},
		{"oversize", huge, ReasonOversizeList},
		{"torn", torn, ReasonTornCounters},
	}
	for _, tt := range tests {
		_, err := ReadControl(bytes.NewReader(tt.data))
		var f *controlFault
		if !errors.As(err, &f) {
			t.Errorf("%s: err = %v, want a control fault", tt.name, err)
			continue
		}
		if f.reason != tt.want {
			t.Errorf("%s: reason = %s, want %s", tt.name, f.reason, tt.want)
		}
	}
}
