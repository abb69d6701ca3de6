package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalCompactPeers(t *testing.T) {
	raw := []byte{0xC0, 0xA8, 0x00, 0x01, 0x1A, 0xE1, 0xC0, 0xA8, 0x00, 0x02, 0x1A, 0xE1}
	peers, err := UnmarshalCompactPeers(raw)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "192.168.0.1:6881", peers[0].String())
	assert.Equal(t, "192.168.0.2:6881", peers[1].String())
}

func TestUnmarshalCompactPeersRejectsBadLength(t *testing.T) {
	_, err := UnmarshalCompactPeers(make([]byte, 7))
	assert.Error(t, err)
}

func TestBuildURLPercentEncodesRawBytes(t *testing.T) {
	var infoHash, peerID [20]byte
	infoHash[0] = 0xC0
	peerID[0] = 0x41 // 'A' — must still come out as %41, not literal 'A'

	u, err := buildURL("http://tracker.example/announce", infoHash, peerID, 12345)
	require.NoError(t, err)
	assert.Contains(t, u, "info_hash=%c0")
	assert.Contains(t, u, "peer_id=%41")
}

func TestBuildURLRejectsNonHTTPScheme(t *testing.T) {
	var infoHash, peerID [20]byte
	_, err := buildURL("udp://tracker.example/announce", infoHash, peerID, 1)
	assert.Error(t, err)
}
