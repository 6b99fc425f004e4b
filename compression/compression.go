// Package compression DEFLATEs chunk payloads above a size threshold and
// records compression statistics.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/flate"
)

// MinCompressSize is the payload size above which compression pays off.
const MinCompressSize = 1024

// Stats describes one compression pass.
type Stats struct {
	OriginalSize   int           `json:"original_size"`
	CompressedSize int           `json:"compressed_size"`
	Ratio          float64       `json:"ratio"`
	WallTime       time.Duration `json:"wall_time"`
}

// Result is a possibly-compressed payload plus its stats.
type Result struct {
	Data       []byte
	Compressed bool
	Stats      Stats
}

// ShouldCompress reports whether a payload of the given size is worth
// compressing.
func ShouldCompress(size int) bool {
	return size > MinCompressSize
}

// Compress DEFLATEs the payload if it clears the size gate, otherwise the
// input is passed through untouched.
func Compress(payload []byte) (Result, error) {
	start := time.Now()
	if !ShouldCompress(len(payload)) {
		return Result{
			Data:       payload,
			Compressed: false,
			Stats: Stats{
				OriginalSize:   len(payload),
				CompressedSize: len(payload),
				Ratio:          1,
				WallTime:       time.Since(start),
			},
		}, nil
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return Result{}, fmt.Errorf("create flate writer: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return Result{}, fmt.Errorf("compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("close flate writer: %w", err)
	}

	ratio := 0.0
	if len(payload) > 0 {
		ratio = float64(buf.Len()) / float64(len(payload))
	}
	return Result{
		Data:       buf.Bytes(),
		Compressed: true,
		Stats: Stats{
			OriginalSize:   len(payload),
			CompressedSize: buf.Len(),
			Ratio:          ratio,
			WallTime:       time.Since(start),
		},
	}, nil
}

// Decompress reverses Compress for a payload that was actually DEFLATEd.
func Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer func() {
		_ = r.Close()
	}()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("inflate payload: %w", err)
	}
	return out, nil
}
