package tsbuffer

import (
	"io"
	"io/fs"
	"os"
)

// File is an open control or segment file.
type File interface {
	io.Reader
	io.Seeker
	io.Closer
}

// FileSystem is the file-access layer the readers go through. It may be
// backed by local disk or a mounted network share.
type FileSystem interface {
	Open(name string) (File, error)
	Stat(name string) (fs.FileInfo, error)
}

// OSFileSystem reads files through the os package.
type OSFileSystem struct{}

// Open opens name read-only.
func (OSFileSystem) Open(name string) (File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Stat returns the file info of name.
func (OSFileSystem) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}
