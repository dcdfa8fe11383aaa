package filecopy

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

type fileEntry struct {
	idx  uint64 // 1-based position in the sorted source tree
	rel  string
	size int64
	mode fs.FileMode
}

// chunks is the number of chunk packets the file needs. An empty file still
// takes one so that it is created.
func (f *fileEntry) chunks(chunkSize int) int {
	n := int((f.size + int64(chunkSize) - 1) / int64(chunkSize))
	if n == 0 {
		n = 1
	}
	return n
}

// scanTree lists the regular files under root sorted by relative path, and
// the directories to create.
func scanTree(root string) ([]*fileEntry, []string, error) {
	var (
		files []*fileEntry
		dirs  []string
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			if rel != "." {
				dirs = append(dirs, rel)
			}
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			files = append(files, &fileEntry{rel: filepath.ToSlash(rel), size: info.Size(), mode: info.Mode().Perm()})
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scan %s: %w", root, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	for i, f := range files {
		f.idx = uint64(i + 1)
	}
	return files, dirs, nil
}

func mkdirs(root string, dirs []string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return err
		}
	}
	return nil
}
