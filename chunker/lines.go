package chunker

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrChunkBounds is returned when a produced chunk cannot satisfy the
// configured chunking value.
var ErrChunkBounds = errors.New("chunk exceeds configured bounds")

// chunkLines parses the file into rows according to its MIME type and groups
// them rowsPerChunk at a time. Every chunk carries the final Total before the
// sequence is returned, so no consumer ever observes TotalUnknown.
func (c *Chunker) chunkLines(r io.Reader, mime string, rowsPerChunk int) ([]Chunk, error) {
	if rowsPerChunk <= 0 {
		return nil, fmt.Errorf("invalid rows per chunk %d: %w", rowsPerChunk, ErrChunkBounds)
	}

	var (
		rows []Row
		err  error
	)
	switch {
	case mime == "text/csv":
		rows, err = c.parseCSV(r)
	case mime == "application/vnd.ms-excel",
		mime == "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		rows, err = c.parseExcel(r)
	case strings.HasPrefix(mime, "text/"):
		rows, err = c.parseText(r)
	default:
		return nil, fmt.Errorf("no line parser for MIME type %s", mime)
	}
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, (len(rows)+rowsPerChunk-1)/rowsPerChunk)
	for start := 0; start < len(rows); start += rowsPerChunk {
		end := start + rowsPerChunk
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Total: TotalUnknown,
			Kind:  KindLines,
			Rows:  rows[start:end],
		})
	}

	// Parsing only learns the row count at EOF, so totals are patched in a
	// final pass over the whole sequence.
	for i := range chunks {
		chunks[i].Total = len(chunks)
		if len(chunks[i].Rows) > rowsPerChunk {
			return nil, fmt.Errorf("chunk %d holds %d rows, limit %d: %w", i, len(chunks[i].Rows), rowsPerChunk, ErrChunkBounds)
		}
	}
	return chunks, nil
}

func (c *Chunker) parseCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv row %d: %w", len(rows)+1, err)
		}
		rows = append(rows, c.sanitizeRow(record))
	}
	return rows, nil
}

// parseExcel reads the first worksheet of an xlsx/xls stream.
func (c *Chunker) parseExcel(r io.Reader) ([]Row, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() {
		if err := book.Close(); err != nil {
			c.logger.Warnf("close workbook: %s", err)
		}
	}()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no worksheets")
	}
	raw, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read worksheet %s: %w", sheets[0], err)
	}

	rows := make([]Row, 0, len(raw))
	for _, record := range raw {
		rows = append(rows, c.sanitizeRow(record))
	}
	return rows, nil
}

// parseText splits a plain text stream on newlines into single-column rows.
func (c *Chunker) parseText(r io.Reader) ([]Row, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var rows []Row
	for scanner.Scan() {
		rows = append(rows, c.sanitizeRow([]string{scanner.Text()}))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan text line %d: %w", len(rows)+1, err)
	}
	return rows, nil
}

func (c *Chunker) sanitizeRow(record []string) Row {
	row := make(Row, len(record))
	for i, cell := range record {
		row[i] = c.sanitizer.Cell(cell)
	}
	return row
}
