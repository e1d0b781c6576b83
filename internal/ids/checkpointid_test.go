package ids

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCheckpointIDMatchesPattern(t *testing.T) {
	for i := 0; i < 50; i++ {
		id, err := GenerateCheckpointID()
		require.NoError(t, err)
		assert.Regexp(t, `^[0-9a-f]{12}$`, id.String())
	}
}

func TestCheckpointIDPath(t *testing.T) {
	id := CheckpointID("a3b2c4d5e6f7")
	assert.Equal(t, "a3/b2c4d5e6f7", id.Path())
}

func TestShardAndLeafRoundTrip(t *testing.T) {
	id := CheckpointID("a3b2c4d5e6f7")
	shard, leaf, ok := ShardAndLeaf(id.Path())
	require.True(t, ok)
	assert.Equal(t, "a3", shard)
	assert.Equal(t, "b2c4d5e6f7", leaf)
}

func TestValidateCheckpointIDRejectsMalformed(t *testing.T) {
	cases := []string{"", "short", "UPPERCASE123", "a3b2c4d5e6f70", "not-hex-chars"}
	for _, c := range cases {
		assert.Error(t, ValidateCheckpointID(c), "expected error for %q", c)
	}
}

func TestCheckpointIDJSONRoundTrip(t *testing.T) {
	id, err := GenerateCheckpointID()
	require.NoError(t, err)

	data, err := json.Marshal(id)
	require.NoError(t, err)

	var decoded CheckpointID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id, decoded)
}

func TestCheckpointIDJSONEmptyAllowed(t *testing.T) {
	var decoded CheckpointID
	require.NoError(t, json.Unmarshal([]byte(`""`), &decoded))
	assert.True(t, decoded.IsEmpty())
}

func TestCheckpointIDJSONRejectsInvalid(t *testing.T) {
	var decoded CheckpointID
	err := json.Unmarshal([]byte(`"not-valid"`), &decoded)
	assert.Error(t, err)
}
