// Package sanitize normalizes untrusted cell content, filenames and MIME
// strings before they enter chunks or upload metadata.
package sanitize

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/net/html"
)

// ErrInvalidJSON is returned by JSON for input that does not parse.
var ErrInvalidJSON = errors.New("invalid JSON input")

const maxFilenameLength = 255

var mimePattern = regexp.MustCompile(`^[A-Za-z0-9]+/[A-Za-z0-9.+-]+$`)

// Config controls cell sanitation.
type Config struct {
	// AllowedTags is the HTML tag allow-list. Tags outside the list are
	// stripped, keeping their text content. Empty means strip everything.
	AllowedTags []string
	// MaxCellLength truncates cells longer than this. Zero disables truncation.
	MaxCellLength int
}

// Sanitizer applies the configured normalization rules.
type Sanitizer struct {
	cfg     Config
	allowed map[string]bool
	logger  log.Logger
}

// New creates a Sanitizer.
func New(cfg Config, logger log.Logger) *Sanitizer {
	allowed := make(map[string]bool, len(cfg.AllowedTags))
	for _, tag := range cfg.AllowedTags {
		allowed[strings.ToLower(tag)] = true
	}
	return &Sanitizer{cfg: cfg, allowed: allowed, logger: logger}
}

// Cell normalizes one cell: HTML is reduced to the allow-list, line endings
// become LF, C0 controls other than LF/TAB are dropped, the result is trimmed
// and optionally truncated.
func (s *Sanitizer) Cell(value string) string {
	value = s.stripHTML(value)
	value = strings.ReplaceAll(value, "\r\n", "\n")
	value = strings.ReplaceAll(value, "\r", "\n")
	value = stripControls(value, true)
	value = strings.TrimSpace(value)
	if s.cfg.MaxCellLength > 0 && len(value) > s.cfg.MaxCellLength {
		value = value[:s.cfg.MaxCellLength]
	}
	return value
}

// CSVField sanitizes a cell for CSV output. Formula-leading characters are
// neutralized with a single-quote prefix, and fields holding separators or
// quotes are wrapped and escaped.
func (s *Sanitizer) CSVField(value string) string {
	value = s.Cell(value)
	if len(value) > 0 {
		switch value[0] {
		case '=', '+', '-', '@':
			value = "'" + value
		}
	}
	if strings.ContainsAny(value, ",\"\n") {
		value = `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
	}
	return value
}

// Filename strips directory components, drops control characters, replaces
// reserved characters and caps the length at 255 preserving the extension.
// Both separator styles count as directory prefixes regardless of platform.
func (s *Sanitizer) Filename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = stripControls(name, false)

	var b strings.Builder
	for _, r := range name {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	name = b.String()

	if len(name) > maxFilenameLength {
		ext := filepath.Ext(name)
		if len(ext) >= maxFilenameLength {
			ext = ""
		}
		name = name[:maxFilenameLength-len(ext)] + ext
	}
	return name
}

// MIME lowercases and validates a MIME string, falling back to
// application/octet-stream for anything that does not look like a media type.
func (s *Sanitizer) MIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if !mimePattern.MatchString(mime) {
		return "application/octet-stream"
	}
	return mime
}

// JSON parses the input and sanitizes every string key and value recursively.
// Invalid input returns ErrInvalidJSON.
func (s *Sanitizer) JSON(data []byte) ([]byte, error) {
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJSON, err)
	}
	out, err := json.Marshal(s.sanitizeValue(value))
	if err != nil {
		return nil, fmt.Errorf("re-encode sanitized JSON: %w", err)
	}
	return out, nil
}

func (s *Sanitizer) sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return s.Cell(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[s.Cell(key)] = s.sanitizeValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = s.sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

// stripHTML tokenizes the value and keeps only allow-listed tags; everything
// else is reduced to its text content.
func (s *Sanitizer) stripHTML(value string) string {
	if !strings.ContainsAny(value, "<>") {
		return value
	}

	tokenizer := html.NewTokenizer(strings.NewReader(value))
	var b strings.Builder
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.TextToken:
			b.WriteString(tokenizer.Token().Data)
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			if s.allowed[token.Data] {
				// Allowed tags keep their name but drop all attributes.
				token.Attr = nil
				b.WriteString(token.String())
			}
		}
	}
	return b.String()
}

func stripControls(value string, keepWhitespace bool) string {
	return strings.Map(func(r rune) rune {
		if r == 0x7f {
			return -1
		}
		if r < 0x20 {
			if keepWhitespace && (r == '\n' || r == '\t') {
				return r
			}
			return -1
		}
		return r
	}, value)
}
