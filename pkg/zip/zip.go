package zip

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoImages is returned when an archive holds no usable image entries.
var ErrNoImages = errors.New("zip: archive contains no images")

// ErrTooLarge is returned when the extracted images would exceed the limit.
var ErrTooLarge = errors.New("zip: archive expands beyond the size limit")

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".tif": true, ".tiff": true,
}

// IsArchive reports whether name looks like a zip upload.
func IsArchive(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".zip")
}

// ExtractImages unpacks the image entries of archivePath into destDir as
// flat files named prefix + index + base name, in entry-name order. Directory
// structure inside the archive is discarded, so no entry can escape destDir.
// maxBytes bounds the total uncompressed size; zero disables the bound.
func ExtractImages(archivePath, destDir, prefix string, maxBytes int64) ([]string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("zip: open archive: %w", err)
	}
	defer zr.Close()

	entries := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		base := path.Base(strings.ReplaceAll(f.Name, "\\", "/"))
		if strings.HasPrefix(base, ".") || !imageExtensions[strings.ToLower(path.Ext(base))] {
			continue
		}
		entries = append(entries, f)
	}
	if len(entries) == 0 {
		return nil, ErrNoImages
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	var total int64
	written := make([]string, 0, len(entries))
	for i, f := range entries {
		base := path.Base(strings.ReplaceAll(f.Name, "\\", "/"))
		dest := filepath.Join(destDir, fmt.Sprintf("%s%03d_%s", prefix, i, base))
		remaining := int64(-1)
		if maxBytes > 0 {
			remaining = maxBytes - total
		}
		n, err := extractEntry(f, dest, remaining)
		if err != nil {
			return written, err
		}
		total += n
		written = append(written, dest)
	}
	return written, nil
}

// extractEntry copies one entry to dest. A negative limit means unbounded.
func extractEntry(f *zip.File, dest string, limit int64) (int64, error) {
	src, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("zip: open entry %s: %w", f.Name, err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("zip: create %s: %w", filepath.Base(dest), err)
	}
	var reader io.Reader = src
	if limit >= 0 {
		reader = io.LimitReader(src, limit+1)
	}
	n, err := io.Copy(out, reader)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("zip: extract %s: %w", f.Name, err)
	}
	if limit >= 0 && n > limit {
		_ = os.Remove(dest)
		return n, ErrTooLarge
	}
	return n, nil
}
