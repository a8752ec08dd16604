// Package archive unpacks downloaded artifact archives.
package archive

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/footron/build-manager/pkg/errors"
	"github.com/footron/build-manager/pkg/security"
	"github.com/klauspost/compress/zip"
)

// Stats summarizes one extraction.
type Stats struct {
	Files int
	Dirs  int
	Bytes int64
}

// ExtractZip unpacks the zip archive at zipPath into destDir, validating
// every entry against limits. Symlinks are rejected; GitHub artifact
// archives never contain them.
func ExtractZip(zipPath, destDir string, limits *security.Limits) (Stats, error) {
	var stats Stats

	slog.Info("archive_extract_start", "zip", zipPath, "dest", destDir)

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return stats, errors.Wrap(err, "failed to open zip")
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return stats, errors.Wrap(err, "failed to create destination")
	}

	budget := limits.NewBudget()

	source, err := filepath.Abs(zipPath)
	if err != nil {
		return stats, errors.Wrap(err, "failed to resolve zip path")
	}

	for _, f := range r.File {
		if err := limits.ValidatePath(f.Name); err != nil {
			return stats, errors.Wrap(err, "invalid path in zip")
		}

		target := filepath.Join(destDir, filepath.FromSlash(strings.ReplaceAll(f.Name, `\`, "/")))
		mode := f.Mode()

		if abs, err := filepath.Abs(target); err == nil && abs == source {
			slog.Error("archive_entry_overwrites_source", "entry", f.Name)
			return stats, fmt.Errorf("security: entry %s would overwrite the archive", f.Name)
		}

		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return stats, errors.Wrap(err, "failed to create directory")
			}
			stats.Dirs++

		case mode&os.ModeSymlink != 0:
			slog.Error("archive_symlink_rejected", "entry", f.Name)
			return stats, fmt.Errorf("security: symlink entry not allowed: %s", f.Name)

		case mode.IsRegular():
			size := int64(f.UncompressedSize64)
			if err := limits.ValidateFileSize(size); err != nil {
				return stats, err
			}
			if err := budget.Add(size); err != nil {
				return stats, err
			}

			written, err := extractFile(f, target, size)
			if err != nil {
				return stats, err
			}
			stats.Files++
			stats.Bytes += written

		default:
			slog.Warn("archive_entry_skipped", "entry", f.Name, "mode", mode.String())
		}
	}

	fi, err := os.Stat(zipPath)
	if err != nil {
		return stats, errors.Wrap(err, "failed to stat zip")
	}
	if err := limits.ValidateCompressionRatio(fi.Size(), budget.Total()); err != nil {
		return stats, err
	}

	slog.Info("archive_extract_complete", "zip", zipPath, "files", stats.Files, "bytes", stats.Bytes)
	return stats, nil
}

// extractFile writes one entry, refusing to write more than the size its
// header declared.
func extractFile(f *zip.File, target string, declared int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, errors.Wrap(err, "failed to create parent dir")
	}

	rc, err := f.Open()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open entry %s", f.Name)
	}
	defer rc.Close()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create file")
	}

	written, err := io.Copy(out, io.LimitReader(rc, declared+1))
	if err != nil {
		out.Close()
		return written, errors.Wrapf(err, "failed to write %s", f.Name)
	}
	if err := out.Close(); err != nil {
		return written, errors.Wrap(err, "failed to close file")
	}
	if written > declared {
		return written, fmt.Errorf("security: entry %s larger than declared size %d", f.Name, declared)
	}
	return written, nil
}
