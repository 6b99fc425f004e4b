// Package security guards the upload path: file validation, per-file AES-GCM
// encryption, sliding-window rate limiting and access-token lifecycle.
package security

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/gabriel-vasile/mimetype"
)

const signatureWindow = 50

// scanWindow is the stride of the suspicious-header scan.
const scanWindow = 1024 * 1024

// FileInfo describes the file offered for upload.
type FileInfo struct {
	Name string
	Size int64
	MIME string
}

// ValidationResult accumulates every validation failure instead of stopping
// at the first one.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// ValidatorConfig controls file admission.
type ValidatorConfig struct {
	MaxFileSize           int64
	AllowedMIMETypes      []string
	AllowedExtensions     []string
	ValidateFileSignature bool
	EnableVirusScan       bool
}

// Validator checks files against the configured admission policy.
type Validator struct {
	cfg    ValidatorConfig
	logger log.Logger
}

// NewValidator ...
func NewValidator(cfg ValidatorConfig, logger log.Logger) *Validator {
	return &Validator{cfg: cfg, logger: logger}
}

// magicBytes maps MIME types to their expected leading bytes. MIME types
// outside the table pass the signature check vacuously.
var magicBytes = map[string][]byte{
	"image/jpeg":      {0xFF, 0xD8, 0xFF},
	"image/png":       {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	"image/gif":       {0x47, 0x49, 0x46, 0x38},
	"application/pdf": {0x25, 0x50, 0x44, 0x46},
}

// suspiciousHeaders are executable signatures that fail the content scan.
var suspiciousHeaders = [][]byte{
	{0x4D, 0x5A},             // MZ
	{0x7F, 0x45, 0x4C, 0x46}, // ELF
}

// ValidateFile runs every configured check and reports all failures.
func (v *Validator) ValidateFile(info FileInfo, content io.ReaderAt) ValidationResult {
	var failures []string

	if v.cfg.MaxFileSize > 0 && info.Size > v.cfg.MaxFileSize {
		failures = append(failures, fmt.Sprintf(
			"file size %s exceeds the %s limit",
			units.BytesSize(float64(info.Size)), units.BytesSize(float64(v.cfg.MaxFileSize))))
	}
	if !matchesAny(v.cfg.AllowedMIMETypes, info.MIME) {
		failures = append(failures, fmt.Sprintf("MIME type %s is not allowed", info.MIME))
	}
	if !extensionAllowed(v.cfg.AllowedExtensions, info.Name) {
		failures = append(failures, fmt.Sprintf("file extension %s is not allowed", filepath.Ext(info.Name)))
	}

	if v.cfg.ValidateFileSignature && content != nil && info.Size > 0 {
		if msg := v.checkSignature(info, content); msg != "" {
			failures = append(failures, msg)
		}
	}
	if v.cfg.EnableVirusScan && content != nil && info.Size > 0 {
		if msg := v.scanContent(info, content); msg != "" {
			failures = append(failures, msg)
		}
	}

	return ValidationResult{Valid: len(failures) == 0, Errors: failures}
}

func (v *Validator) checkSignature(info FileInfo, content io.ReaderAt) string {
	head := make([]byte, signatureWindow)
	n, err := content.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return fmt.Sprintf("cannot read file header: %s", err)
	}
	head = head[:n]

	expected, known := magicBytes[info.MIME]
	if !known {
		// No entry for this MIME; sniff the content for the log only.
		detected := mimetype.Detect(head)
		if !detected.Is(info.MIME) {
			v.logger.Debugf("no signature entry for %s, content sniffs as %s", info.MIME, detected.String())
		}
		return ""
	}
	if len(head) < len(expected) || !bytes.Equal(head[:len(expected)], expected) {
		return fmt.Sprintf("file signature does not match MIME type %s", info.MIME)
	}
	return ""
}

// scanContent walks the file in 1 MiB windows and rejects executable headers.
func (v *Validator) scanContent(info FileInfo, content io.ReaderAt) string {
	buf := make([]byte, 8)
	for offset := int64(0); offset < info.Size; offset += scanWindow {
		n, err := content.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return fmt.Sprintf("cannot scan file content: %s", err)
		}
		window := buf[:n]
		for _, header := range suspiciousHeaders {
			if len(window) >= len(header) && bytes.Equal(window[:len(header)], header) {
				return fmt.Sprintf("suspicious content signature at offset %d", offset)
			}
		}
	}
	return ""
}

// matchesAny matches a MIME against the allow-list. Patterns like image/*
// match by glob, */* matches everything, an empty list denies everything.
func matchesAny(patterns []string, mime string) bool {
	for _, pattern := range patterns {
		if pattern == "*/*" || pattern == mime {
			return true
		}
		if ok, err := doublestar.Match(pattern, mime); err == nil && ok {
			return true
		}
	}
	return false
}

func extensionAllowed(allowed []string, name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	for _, a := range allowed {
		if a == "*" {
			return true
		}
		if strings.ToLower(strings.TrimPrefix(a, ".")) == ext {
			return true
		}
	}
	return false
}
