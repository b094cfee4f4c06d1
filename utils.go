package polyconv

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// filesByExtInDir returns all regular files with file extension ext found directly in directory
// dirPath, sorted by name. All files are returned if ext is empty.
func filesByExtInDir(dirPath, ext string) ([]string, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read directory %q: %v", dirPath, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		// Must be a regular file or a symlink and have the requested extension/suffix.
		if (!entry.Type().IsRegular() && (entry.Type()&os.ModeSymlink == 0)) ||
				!strings.HasSuffix(name, ext) {
			continue
		}
		files = append(files, filepath.Join(dirPath, name))
	}
	sort.Strings(files)

	return files, nil
}

// closeWithErrCheck calls c.Close(). If it returns an error, and (*e == nil), e is set to that
// error.
func closeWithErrCheck(c io.Closer, e *error) {
	err := c.Close()
	if err != nil && *e == nil {
		*e = err
	}
}
