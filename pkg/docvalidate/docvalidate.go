// Package docvalidate decides whether a candidate file may be attached to a
// transaction as a receipt document. The pipeline checks extension, size,
// JPEG signature, structural validity, dimensions and byte density, cheap
// checks first.
package docvalidate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"
)

// Limits configures the rejection thresholds.
type Limits struct {
	MaxBytes         int64
	MaxDimension     int
	MaxBytesPerPixel float64
}

// DefaultLimits matches the production configuration: 5 MiB, 5000x5000, 3.0 B/px.
var DefaultLimits = Limits{
	MaxBytes:         5 * 1024 * 1024,
	MaxDimension:     5000,
	MaxBytesPerPixel: 3.0,
}

// Document is an accepted attachment: the validated raw bytes, a sanitized
// filename safe for storage and display, and a SHA-256 content hash used to
// detect corruption at read time.
type Document struct {
	Data     []byte
	FileName string
	Size     int64
	Hash     string
}

var allowedExtensions = map[string]bool{".jpg": true, ".jpeg": true}

// jpegMagic is the SOI marker plus the 0xFF that opens the first segment.
var jpegMagic = []byte{0xFF, 0xD8, 0xFF}

var unsafeNameRE = regexp.MustCompile(`[^\w\-.]`)

// SanitizeFilename strips directory components and keeps only word characters,
// hyphen, underscore and dot.
func SanitizeFilename(name string) string {
	if name == "" {
		return ""
	}
	name = filepath.Base(name)
	return unsafeNameRE.ReplaceAllString(name, "")
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Validate runs the full pipeline over in-memory bytes. name only contributes
// the extension check and the sanitized filename; it may carry directory parts.
// Every failure path resolves to a wrapped sentinel error, never a panic.
func Validate(data []byte, name string, lim Limits) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedExtensions[ext] {
		return nil, fmt.Errorf("%w: %q", ErrExtension, ext)
	}

	size := int64(len(data))
	if size > lim.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, size, lim.MaxBytes)
	}

	// The extension is user-controlled; the signature is not.
	if !bytes.HasPrefix(data, jpegMagic) {
		return nil, ErrSignature
	}

	// Structural verify pass: parse the headers without decoding pixel data.
	// This also yields the dimensions, so the cap is enforced before the
	// expensive full decode.
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cfg.Width > lim.MaxDimension || cfg.Height > lim.MaxDimension {
		return nil, fmt.Errorf("%w: %dx%d (max %d)", ErrDimensions, cfg.Width, cfg.Height, lim.MaxDimension)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrMalformed)
	}

	// Pixel load pass: the whole image must decode cleanly.
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// Steganography heuristic: a well-formed JPEG whose byte count is far out of
	// proportion to its pixel count is carrying something besides the picture.
	density := float64(size) / float64(cfg.Width*cfg.Height)
	if density > lim.MaxBytesPerPixel {
		return nil, fmt.Errorf("%w: %.2f B/px (max %.2f)", ErrDensity, density, lim.MaxBytesPerPixel)
	}

	return &Document{
		Data:     data,
		FileName: SanitizeFilename(name),
		Size:     size,
		Hash:     Hash(data),
	}, nil
}

// ValidateFile reads path and runs Validate. The size cap is checked from file
// metadata first so an oversized candidate is never read into memory.
func ValidateFile(path string, lim Limits) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !allowedExtensions[ext] {
		return nil, fmt.Errorf("%w: %q", ErrExtension, ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if info.Size() > lim.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, info.Size(), lim.MaxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Validate(data, path, lim)
}
