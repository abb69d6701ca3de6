package message

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeAndReadRoundTrip(t *testing.T) {
	msg := Request(3, 16384, 16384)
	buf := bytes.NewReader(msg.Serialize())

	got, err := Read(buf)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, MsgRequest, got.ID)

	index, begin, length := parseRequestPayload(t, got.Payload)
	assert.Equal(t, 3, index)
	assert.Equal(t, 16384, begin)
	assert.Equal(t, 16384, length)
}

func parseRequestPayload(t *testing.T, payload []byte) (index, begin, length int) {
	t.Helper()
	require.Len(t, payload, 12)
	return beUint32(payload[0:4]), beUint32(payload[4:8]), beUint32(payload[8:12])
}

func beUint32(b []byte) int {
	return int(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}

func TestReadKeepAlive(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 0, 0, 0})
	msg, err := Read(buf)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestParsePieceValidatesIndexAndBounds(t *testing.T) {
	buf := make([]byte, 16)
	msg := &Message{ID: MsgPiece, Payload: append([]byte{0, 0, 0, 2, 0, 0, 0, 4}, []byte("data")...)}

	n, err := ParsePiece(2, buf, msg)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "data", string(buf[4:8]))

	_, err = ParsePiece(3, buf, msg)
	assert.Error(t, err)
}

func TestParseExtensionSplitsIDAndPayload(t *testing.T) {
	msg := Extension(7, []byte("d1:ai0ee"))
	id, payload, err := ParseExtension(msg)
	require.NoError(t, err)
	assert.Equal(t, byte(7), id)
	assert.Equal(t, "d1:ai0ee", string(payload))
}
