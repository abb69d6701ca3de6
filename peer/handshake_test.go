package peer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeSerialize(t *testing.T) {
	var infoHash, peerID [20]byte
	for i := range infoHash {
		infoHash[i] = byte(i)
	}
	for i := range peerID {
		peerID[i] = byte(100 + i)
	}

	h := &Handshake{InfoHash: infoHash, PeerID: peerID, SupportsExtension: true}
	got := h.Serialize()

	want := append([]byte{0x13}, []byte("BitTorrent protocol")...)
	want = append(want, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00)
	want = append(want, infoHash[:]...)
	want = append(want, peerID[:]...)

	assert.Equal(t, want, got)
	assert.Len(t, got, 68)
}

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	infoHash[0] = 0xAB
	peerID[0] = 0xCD

	h := &Handshake{InfoHash: infoHash, PeerID: peerID, SupportsExtension: true}
	buf := bytes.NewReader(h.Serialize())

	got, err := ReadHandshake(buf)
	require.NoError(t, err)
	assert.Equal(t, infoHash, got.InfoHash)
	assert.Equal(t, peerID, got.PeerID)
	assert.True(t, got.SupportsExtension)
	assert.True(t, got.VerifyInfoHash(infoHash))
}

func TestReadHandshakeRejectsBadProtocolString(t *testing.T) {
	bad := append([]byte{0x04}, []byte("nope")...)
	bad = append(bad, make([]byte, 48)...)
	_, err := ReadHandshake(bytes.NewReader(bad))
	assert.Error(t, err)
}

func TestGeneratePeerIDIsAllDigits(t *testing.T) {
	id := GeneratePeerID()
	assert.Len(t, id, 20)
	for _, b := range id {
		assert.True(t, b >= '0' && b <= '9')
	}
}
