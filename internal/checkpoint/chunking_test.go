package checkpoint

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLSplitterNoSplitBelowCap(t *testing.T) {
	data := []byte(`{"a":1}` + "\n" + `{"a":2}` + "\n")
	chunks, err := JSONLSplitter{}.Split(data, MaxChunkSize)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, data, chunks[0])
}

func TestJSONLSplitterSplitsOnLineBoundaries(t *testing.T) {
	var data []byte
	var lines [][]byte
	for i := 0; i < 50; i++ {
		line := []byte(`{"i":` + string(rune('0'+i%10)) + `,"pad":"xxxxxxxxxxxxxxxxxxxx"}` + "\n")
		lines = append(lines, line)
		data = append(data, line...)
	}

	chunks, err := JSONLSplitter{}.Split(data, len(lines[0])*10)
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)

	for _, chunk := range chunks {
		assert.True(t, bytes.HasSuffix(chunk, []byte("\n")))
	}

	reassembled, err := JSONLSplitter{}.Reassemble(chunks)
	require.NoError(t, err)
	assert.Equal(t, data, reassembled)
}

func TestJSONArraySplitterRoundTrips(t *testing.T) {
	type item struct {
		Text string `json:"text"`
	}
	var items []item
	for i := 0; i < 30; i++ {
		items = append(items, item{Text: "some moderately long content to pad size " + string(rune('a'+i%26))})
	}
	data, err := json.Marshal(items)
	require.NoError(t, err)

	chunks, err := JSONArraySplitter{}.Split(data, len(data)/4)
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)

	reassembled, err := JSONArraySplitter{}.Reassemble(chunks)
	require.NoError(t, err)

	var got []item
	require.NoError(t, json.Unmarshal(reassembled, &got))
	assert.Equal(t, items, got)
}

func TestJSONArraySplitterNoSplitBelowCap(t *testing.T) {
	data := []byte(`[{"a":1},{"a":2}]`)
	chunks, err := JSONArraySplitter{}.Split(data, MaxChunkSize)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, data, chunks[0])
}

func TestChunkFileNames(t *testing.T) {
	assert.Equal(t, []string{"full.jsonl"}, chunkFileNames("full.jsonl", 1))
	assert.Equal(t, []string{"full.jsonl.1", "full.jsonl.2", "full.jsonl.3"}, chunkFileNames("full.jsonl", 3))
}
