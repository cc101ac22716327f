package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteMTimeFloorsToSeconds(t *testing.T) {
	assert.Equal(t, int64(1_700_000_000), Document{ModifiedAtMillis: 1_700_000_000_999}.RemoteMTime())
	assert.Equal(t, int64(0), Document{}.RemoteMTime())
	assert.Equal(t, int64(0), Document{ModifiedAtMillis: -5}.RemoteMTime())
}

func TestPayload(t *testing.T) {
	data, err := binaryNote("b", "b.bin", 1, []byte{0, 1, 2}).Payload()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, data)

	data, err = plainNote("p", "p.md", 1, "text").Payload()
	require.NoError(t, err)
	assert.Equal(t, []byte("text"), data)

	_, err = Document{Kind: KindBinaryNote, Content: "%%%"}.Payload()
	assert.Error(t, err)

	_, err = Document{Kind: "video"}.Payload()
	assert.Error(t, err)
}

func TestIsReservedID(t *testing.T) {
	assert.True(t, isReservedID("_design/livesync"))
	assert.True(t, isReservedID("_local/obsidian_livesync_sync_parameters"))
	assert.False(t, isReservedID("notes/_design.md"))
}
