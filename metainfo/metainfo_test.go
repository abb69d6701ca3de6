package metainfo

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldr/torrentdl/bencode"
)

// buildFixture bencodes a minimal single-file torrent with a 3-piece
// "pieces" string.
func buildFixture(t *testing.T) ([]byte, [20]byte) {
	t.Helper()
	pieces := make([]byte, 60) // 3 fake 20-byte hashes
	for i := range pieces {
		pieces[i] = byte(i)
	}
	info := bencode.Value{Kind: bencode.KindDict, Dict: map[string]bencode.Value{
		"length":       {Kind: bencode.KindInt, Int: 92063},
		"name":         bencode.Str("sample.txt"),
		"piece length": {Kind: bencode.KindInt, Int: 32768},
		"pieces":       {Kind: bencode.KindBytes, Bytes: pieces},
	}}
	infoBytes := bencode.Encode(info)
	wantHash := sha1.Sum(infoBytes)

	top := bencode.Value{Kind: bencode.KindDict, Dict: map[string]bencode.Value{
		"announce": bencode.Str("http://tracker.example/announce"),
		"info":     info,
	}}
	return bencode.Encode(top), wantHash
}

func TestLoadInfoHashIsStableOverRawBytes(t *testing.T) {
	data, wantHash := buildFixture(t)

	tor, err := Load(data)
	require.NoError(t, err)
	assert.Equal(t, wantHash, tor.InfoHash)
	assert.Equal(t, "http://tracker.example/announce", tor.Announce)
	assert.Equal(t, "sample.txt", tor.Info.Name)
	assert.EqualValues(t, 92063, tor.Info.Length)
	assert.EqualValues(t, 32768, tor.Info.PieceLength)
	assert.Len(t, tor.Info.Pieces, 3)
}

func TestPieceCountMatchesPiecesLength(t *testing.T) {
	data, _ := buildFixture(t)
	tor, err := Load(data)
	require.NoError(t, err)

	assert.Equal(t, tor.Info.NumPieces(), len(tor.Info.Pieces))
}

func TestPieceSizeInvariants(t *testing.T) {
	data, _ := buildFixture(t)
	tor, err := Load(data)
	require.NoError(t, err)

	info := tor.Info
	n := info.NumPieces()
	var sum int64
	for i := 0; i < n; i++ {
		size := info.PieceSize(i)
		sum += size
		if i < n-1 {
			assert.Equal(t, info.PieceLength, size)
		}
	}
	assert.Equal(t, info.Length, sum)

	last := info.PieceSize(n - 1)
	assert.Equal(t, info.Length-int64(n-1)*info.PieceLength, last)
}

func TestMultiFileLengthIsSum(t *testing.T) {
	pieces := make([]byte, 20)
	info := bencode.Value{Kind: bencode.KindDict, Dict: map[string]bencode.Value{
		"name":         bencode.Str("multi"),
		"piece length": {Kind: bencode.KindInt, Int: 16384},
		"pieces":       {Kind: bencode.KindBytes, Bytes: pieces},
		"files": {Kind: bencode.KindList, List: []bencode.Value{
			{Kind: bencode.KindDict, Dict: map[string]bencode.Value{
				"length": {Kind: bencode.KindInt, Int: 100},
				"path":   {Kind: bencode.KindList, List: []bencode.Value{bencode.Str("a.txt")}},
			}},
			{Kind: bencode.KindDict, Dict: map[string]bencode.Value{
				"length": {Kind: bencode.KindInt, Int: 200},
				"path":   {Kind: bencode.KindList, List: []bencode.Value{bencode.Str("b.txt")}},
			}},
		}},
	}}
	top := bencode.Value{Kind: bencode.KindDict, Dict: map[string]bencode.Value{
		"announce": bencode.Str("http://t.example/a"),
		"info":     info,
	}}
	data := bencode.Encode(top)

	tor, err := Load(data)
	require.NoError(t, err)
	assert.EqualValues(t, 300, tor.Info.Length)
	assert.Len(t, tor.Info.Files, 2)
}

func TestLoadRejectsMissingInfo(t *testing.T) {
	top := bencode.Value{Kind: bencode.KindDict, Dict: map[string]bencode.Value{
		"announce": bencode.Str("http://t.example/a"),
	}}
	_, err := Load(bencode.Encode(top))
	assert.Error(t, err)
}
