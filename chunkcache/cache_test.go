package chunkcache

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGet(t *testing.T) {
	c := New(4, time.Minute, log.NewLogger())
	key := Key{FileKey: FileKey("a.bin", 10, time.UnixMilli(1000)), Index: 0}

	payload := []byte("small payload")
	require.NoError(t, c.Set(key, payload))

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, payload, got)
	assert.Equal(t, 1, c.Len())
}

func TestCache_LargePayloadRoundtrip(t *testing.T) {
	c := New(4, time.Minute, log.NewLogger())
	key := Key{FileKey: "big", Index: 3}

	// Above the compression gate, so the entry is stored DEFLATEd.
	payload := bytes.Repeat([]byte("data"), 2048)
	require.NoError(t, c.Set(key, payload))

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestCache_Miss(t *testing.T) {
	c := New(4, time.Minute, log.NewLogger())
	_, ok := c.Get(Key{FileKey: "nope", Index: 0})
	assert.False(t, ok)
	assert.Equal(t, 0.0, c.HitRate())
}

func TestCache_EvictsOldestWhenFull(t *testing.T) {
	c := New(2, time.Minute, log.NewLogger())

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Set(Key{FileKey: "f", Index: i}, []byte(fmt.Sprintf("chunk-%d", i))))
	}

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(Key{FileKey: "f", Index: 0})
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get(Key{FileKey: "f", Index: 2})
	assert.True(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(4, 10*time.Millisecond, log.NewLogger())
	key := Key{FileKey: "f", Index: 0}
	require.NoError(t, c.Set(key, []byte("short lived")))

	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_InvalidateFile(t *testing.T) {
	c := New(8, time.Minute, log.NewLogger())
	require.NoError(t, c.Set(Key{FileKey: "keep", Index: 0}, []byte("a")))
	require.NoError(t, c.Set(Key{FileKey: "drop", Index: 0}, []byte("b")))
	require.NoError(t, c.Set(Key{FileKey: "drop", Index: 1}, []byte("c")))

	c.InvalidateFile("drop")

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(Key{FileKey: "keep", Index: 0})
	assert.True(t, ok)
}

func TestFileKey(t *testing.T) {
	key := FileKey("report.csv", 1234, time.UnixMilli(987654321))
	assert.Equal(t, "report.csv-1234-987654321", key)
}
