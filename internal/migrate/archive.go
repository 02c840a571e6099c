package migrate

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// createZip compresses a directory tree into a zip file, written to a
// temp path and renamed into place so a crash never leaves a partial
// archive behind.
func createZip(srcDir, zipPath string) error {
	tmpPath := zipPath + ".tmp"
	if err := writeZip(srcDir, tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, zipPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func writeZip(srcDir, zipPath string) error {
	f, err := os.Create(zipPath) //nolint:gosec // G304 - internal backups directory
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w := zip.NewWriter(f)
	defer func() { _ = w.Close() }()

	err = filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		// Backups of backups would compound without bound
		if strings.HasSuffix(path, ".zip") || strings.HasSuffix(path, ".zip.tmp") {
			return nil
		}
		// The WAL is flushed before backup; stale sidecars in a restored
		// snapshot would shadow the database file
		if strings.HasSuffix(path, "-wal") || strings.HasSuffix(path, "-shm") {
			return nil
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = relPath
		header.Method = zip.Deflate

		writer, err := w.CreateHeader(header)
		if err != nil {
			return err
		}

		file, err := os.Open(path) //nolint:gosec // G304 - walking internal directory
		if err != nil {
			return err
		}
		defer func() { _ = file.Close() }()

		_, err = io.Copy(writer, file)
		return err
	})
	if err != nil {
		return err
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize zip: %w", err)
	}
	return f.Sync()
}

// extractZip unpacks an archive into destDir with zip-slip protection.
func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		rel := filepath.Clean(f.Name)
		if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			return fmt.Errorf("illegal file path in zip: %s", f.Name)
		}
		destPath := filepath.Join(destDir, rel) //nolint:gosec // G305 - validated above

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0750); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}

		outFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode()) //nolint:gosec // G304
		if err != nil {
			_ = rc.Close()
			return err
		}

		const maxExtractedBytes = 2 << 30 // 2 GiB per file
		if _, err := io.Copy(outFile, io.LimitReader(rc, maxExtractedBytes)); err != nil {
			_ = outFile.Close()
			_ = rc.Close()
			return err
		}

		_ = outFile.Close()
		_ = rc.Close()
	}

	return nil
}
