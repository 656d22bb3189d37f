package storage

import (
	"io/fs"
	"os"
	"path/filepath"
)

// DiskUsage returns the size in bytes of each named path and their total.
// A path may be a file or a directory (recursively summed). Missing paths
// count as 0.
func DiskUsage(paths map[string]string) (map[string]int64, int64, error) {
	usage := make(map[string]int64, len(paths))
	var total int64
	for name, p := range paths {
		if p == "" {
			continue
		}
		n, err := pathSize(p)
		if err != nil {
			return nil, 0, err
		}
		usage[name] = n
		total += n
	}
	return usage, total, nil
}

func pathSize(p string) (int64, error) {
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	return total, err
}
