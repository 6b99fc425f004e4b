// Package chunker splits files into ordered upload chunks, either by byte
// ranges or by parsed row groups for tabular formats.
package chunker

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/streamsend-io/uploadcore/sanitize"
)

// Kind describes how a chunk carries its payload.
type Kind string

const (
	// KindBinary chunks reference a byte range of the source file.
	KindBinary Kind = "binary"
	// KindLines chunks carry parsed rows of cell strings.
	KindLines Kind = "lines"
)

// TotalUnknown marks a chunk whose file-wide chunk count is not yet final.
// Line-based parsers only learn the count on EOF; the chunker patches every
// produced chunk before the sequence is handed out.
const TotalUnknown = -1

// Row is one parsed line of a tabular file.
type Row []string

// Chunk is one unit of upload. Binary chunks are lazy: planning leaves Data
// nil and Read fetches the byte range from the source file on each call, so
// planning a large file never touches its contents.
type Chunk struct {
	Index  int
	Total  int
	Kind   Kind
	Offset int64
	Size   int64
	Data   []byte
	Rows   []Row
}

// Read returns the chunk payload. For binary chunks the byte range is read
// from r on demand; for lines chunks the rows are JSON-encoded.
func (c *Chunk) Read(r io.ReaderAt) ([]byte, error) {
	switch c.Kind {
	case KindBinary:
		if c.Data != nil {
			return c.Data, nil
		}
		buf := make([]byte, c.Size)
		if _, err := io.ReadFull(io.NewSectionReader(r, c.Offset, c.Size), buf); err != nil {
			return nil, fmt.Errorf("read chunk %d at offset %d: %w", c.Index, c.Offset, err)
		}
		return buf, nil
	case KindLines:
		data, err := json.Marshal(c.Rows)
		if err != nil {
			return nil, fmt.Errorf("encode rows of chunk %d: %w", c.Index, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown chunk kind %q", c.Kind)
	}
}

// ChunkingRule selects the chunking mode and its unit value: bytes per chunk
// for KindBinary, rows per chunk for KindLines.
type ChunkingRule struct {
	Kind  Kind
	Value int64
}

// FileTypeConfig binds MIME patterns to a chunking rule.
type FileTypeConfig struct {
	Name         string
	MIMEPatterns []string
	Chunking     ChunkingRule
}

// Registry resolves the file type config for a MIME type. The first entry
// whose pattern matches wins; patterns ending in "/*" match by prefix, other
// patterns match exactly. Fallback covers everything else.
type Registry struct {
	Types    []FileTypeConfig
	Fallback FileTypeConfig
}

// DefaultRegistry chunkifies tabular text by rows and everything else by byte
// ranges.
func DefaultRegistry(chunkSize int64) Registry {
	return Registry{
		Types: []FileTypeConfig{
			{Name: "csv", MIMEPatterns: []string{"text/csv"}, Chunking: ChunkingRule{Kind: KindLines, Value: 1000}},
			{Name: "excel", MIMEPatterns: []string{"application/vnd.ms-excel", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"}, Chunking: ChunkingRule{Kind: KindLines, Value: 1000}},
			{Name: "text", MIMEPatterns: []string{"text/*"}, Chunking: ChunkingRule{Kind: KindLines, Value: 2000}},
		},
		Fallback: FileTypeConfig{Name: "other", Chunking: ChunkingRule{Kind: KindBinary, Value: chunkSize}},
	}
}

// Match returns the config of the first type whose MIME pattern matches.
func (r Registry) Match(mime string) FileTypeConfig {
	for _, t := range r.Types {
		for _, pattern := range t.MIMEPatterns {
			if pattern == mime {
				return t
			}
			if ok, err := doublestar.Match(pattern, mime); err == nil && ok {
				return t
			}
		}
	}
	return r.Fallback
}

// Chunker produces the chunk sequence for a file.
type Chunker struct {
	registry  Registry
	sanitizer *sanitize.Sanitizer
	logger    log.Logger
}

// New creates a Chunker. The sanitizer is applied to every cell of
// lines-mode chunks.
func New(registry Registry, sanitizer *sanitize.Sanitizer, logger log.Logger) *Chunker {
	return &Chunker{
		registry:  registry,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// PlanSize lays out the byte-range chunks of a file of fileSize bytes without
// reading it. The result covers [0, fileSize) contiguously; an empty file
// yields no chunks.
func PlanSize(fileSize, chunkSize int64) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	if fileSize < 0 {
		return nil, fmt.Errorf("invalid file size %d", fileSize)
	}
	if fileSize == 0 {
		return nil, nil
	}

	total := int((fileSize + chunkSize - 1) / chunkSize)
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		offset := int64(i) * chunkSize
		size := chunkSize
		if offset+size > fileSize {
			size = fileSize - offset
		}
		chunks = append(chunks, Chunk{
			Index:  i,
			Total:  total,
			Kind:   KindBinary,
			Offset: offset,
			Size:   size,
		})
	}
	return chunks, nil
}

// ChunkFile produces the full chunk sequence for a file according to its
// matched type config. Binary chunks come back lazy (planned only); lines
// chunks are fully parsed and sanitized.
func (c *Chunker) ChunkFile(r io.Reader, ra io.ReaderAt, fileSize int64, mime string) ([]Chunk, error) {
	cfg := c.registry.Match(mime)
	switch cfg.Chunking.Kind {
	case KindBinary:
		chunks, err := PlanSize(fileSize, cfg.Chunking.Value)
		if err != nil {
			return nil, fmt.Errorf("plan %s chunks: %w", cfg.Name, err)
		}
		c.logger.Debugf("Planned %d binary chunks of up to %d bytes", len(chunks), cfg.Chunking.Value)
		return chunks, nil
	case KindLines:
		chunks, err := c.chunkLines(r, mime, int(cfg.Chunking.Value))
		if err != nil {
			return nil, err
		}
		c.logger.Debugf("Parsed %d line chunks of up to %d rows", len(chunks), cfg.Chunking.Value)
		return chunks, nil
	default:
		return nil, fmt.Errorf("unknown chunking kind %q for type %s", cfg.Chunking.Kind, cfg.Name)
	}
}
