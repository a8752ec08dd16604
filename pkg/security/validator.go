// Package security enforces the limits applied while unpacking downloaded
// build artifacts.
package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// Limits holds the extraction limits. It is immutable and safe to share;
// each extraction draws its own Budget from it.
type Limits struct {
	maxFileSize         int64
	maxTotalSize        int64
	maxCompressionRatio float64
}

// NewLimits creates the extraction limits.
func NewLimits(maxFileSize, maxTotalSize int64, maxCompressionRatio float64) *Limits {
	slog.Info("security_limits_init",
		"max_file_size_mb", maxFileSize/1024/1024,
		"max_total_size_mb", maxTotalSize/1024/1024,
		"max_compression_ratio", maxCompressionRatio)

	return &Limits{
		maxFileSize:         maxFileSize,
		maxTotalSize:        maxTotalSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// ValidatePath checks an archive entry name for path traversal.
func (l *Limits) ValidatePath(name string) error {
	// Zip entries always use forward slashes, but a crafted archive may not.
	normalized := strings.ReplaceAll(name, `\`, "/")

	if filepath.IsAbs(normalized) || strings.HasPrefix(normalized, "/") {
		slog.Error("security_path_validation_failed", "path", name, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", name)
	}

	clean := filepath.Clean(normalized)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		slog.Error("security_path_validation_failed", "path", name, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", name)
	}

	return nil
}

// ValidateFileSize checks if a file exceeds max file size
func (l *Limits) ValidateFileSize(size int64) error {
	if size > l.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", l.maxFileSize/1024/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, l.maxFileSize)
	}
	return nil
}

// ValidateCompressionRatio checks for compression bombs
func (l *Limits) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize == 0 {
		if uncompressedSize == 0 {
			return nil
		}
		slog.Error("security_compression_validation_failed", "reason", "zero_compressed_size")
		return fmt.Errorf("security: compressed size cannot be zero")
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)

	if ratio > l.maxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", l.maxCompressionRatio,
			"compressed_mb", compressedSize/1024/1024,
			"uncompressed_mb", uncompressedSize/1024/1024)
		return fmt.Errorf("security: compression ratio %.2f exceeds max %.2f (compressed: %d, uncompressed: %d)",
			ratio, l.maxCompressionRatio, compressedSize, uncompressedSize)
	}

	slog.Debug("security_compression_validated", "ratio", ratio)
	return nil
}

// NewBudget starts tracking one extraction against the total size limit.
func (l *Limits) NewBudget() *Budget {
	return &Budget{limits: l}
}

// Budget tracks the bytes written by a single extraction. A Budget is not
// shared between goroutines.
type Budget struct {
	limits *Limits
	total  int64
}

// Add records size extracted bytes and fails once the total limit is passed.
func (b *Budget) Add(size int64) error {
	b.total += size

	if b.total > b.limits.maxTotalSize {
		slog.Error("security_total_size_exceeded",
			"current_total_mb", b.total/1024/1024,
			"max_total_mb", b.limits.maxTotalSize/1024/1024,
			"file_size_mb", size/1024/1024)
		return fmt.Errorf("security: total extracted size %d exceeds max %d",
			b.total, b.limits.maxTotalSize)
	}
	return nil
}

// Total returns the bytes recorded so far.
func (b *Budget) Total() int64 {
	return b.total
}
