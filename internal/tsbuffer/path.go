package tsbuffer

import (
	"path/filepath"
	"strings"
)

// TranslatePath maps a filename written by the recorder to a path this
// process can open. Recorders write backslash-separated Windows paths; with
// a base directory set, only the last element is kept and joined to it.
// Without one, UNC paths (\\host\share\file) become //host/share/file and
// other names are returned with their separators converted.
func TranslatePath(name, baseDir string) string {
	if baseDir != "" {
		base := name
		if i := strings.LastIndexAny(name, `\/`); i >= 0 {
			base = name[i+1:]
		}
		return filepath.Join(baseDir, base)
	}
	if strings.Contains(name, `\`) {
		return strings.ReplaceAll(name, `\`, "/")
	}
	return name
}
