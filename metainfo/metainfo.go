// Package metainfo models a .torrent file's info dictionary and announce
// URL: the identity (info-hash) and geometry (piece length, piece hashes,
// total length) that everything downstream depends on.
package metainfo

import (
	"crypto/sha1"
	"fmt"

	"github.com/haldr/torrentdl/bencode"
)

const hashLen = 20

// Info is a typed view over a torrent's info dictionary, covering both the
// single-file and multi-file variants. For this client's purposes a
// multi-file torrent is treated as the concatenation of Files in order.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][hashLen]byte
	Length      int64 // total length across all files
	Files       []FileEntry
}

// FileEntry is one entry of a multi-file torrent's "files" list.
type FileEntry struct {
	Length int64
	Path   []string
}

// Torrent pairs an announce URL with its Info and the raw 20-byte SHA-1
// info-hash computed from the bytes the info dictionary actually occupied
// in the source, not from re-encoding the parsed Info.
type Torrent struct {
	Announce string
	Info     Info
	InfoHash [20]byte
}

// Load parses a .torrent file's bytes into a Torrent. The info-hash is
// computed by locating the raw byte range of the top-level "info" value
// during decode and hashing those bytes directly. Re-encoding after
// decode is fragile unless dictionary keys happen to sort identically to
// the input, so this client never does that for hashing purposes.
func Load(data []byte) (*Torrent, error) {
	top, infoRange, err := decodeTopLevel(data)
	if err != nil {
		return nil, err
	}

	announceVal, ok := top.Dict["announce"]
	if !ok || announceVal.Kind != bencode.KindBytes {
		return nil, fmt.Errorf("metainfo: missing or malformed \"announce\"")
	}

	infoVal, ok := top.Dict["info"]
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, fmt.Errorf("metainfo: missing or malformed \"info\" dictionary")
	}

	info, err := infoFromValue(infoVal)
	if err != nil {
		return nil, err
	}

	infoHash := sha1.Sum(data[infoRange.start:infoRange.end])

	return &Torrent{
		Announce: string(announceVal.Bytes),
		Info:     info,
		InfoHash: infoHash,
	}, nil
}

type byteRange struct{ start, end int }

// decodeTopLevel decodes the top-level bencode dictionary and additionally
// returns the raw byte range occupied by the value under the "info" key.
func decodeTopLevel(data []byte) (bencode.Value, byteRange, error) {
	if len(data) == 0 || data[0] != 'd' {
		return bencode.Value{}, byteRange{}, fmt.Errorf("metainfo: not a bencoded dictionary")
	}

	dict := make(map[string]bencode.Value)
	var infoRange byteRange
	foundInfo := false

	i := 1
	for {
		if i >= len(data) {
			return bencode.Value{}, byteRange{}, fmt.Errorf("metainfo: unterminated dictionary")
		}
		if data[i] == 'e' {
			i++
			break
		}
		keyVal, next, err := bencode.DecodeAt(data, i)
		if err != nil {
			return bencode.Value{}, byteRange{}, err
		}
		if keyVal.Kind != bencode.KindBytes {
			return bencode.Value{}, byteRange{}, fmt.Errorf("metainfo: dictionary key must be a string")
		}
		key := string(keyVal.Bytes)
		i = next

		valStart := i
		val, next, err := bencode.DecodeAt(data, i)
		if err != nil {
			return bencode.Value{}, byteRange{}, err
		}
		if key == "info" {
			infoRange = byteRange{start: valStart, end: next}
			foundInfo = true
		}
		dict[key] = val
		i = next
	}

	if !foundInfo {
		return bencode.Value{}, byteRange{}, fmt.Errorf("metainfo: missing \"info\" dictionary")
	}

	return bencode.Value{Kind: bencode.KindDict, Dict: dict}, infoRange, nil
}

// infoFromValue builds an Info from an already-decoded info dictionary
// Value (used for the top-level .torrent path above and for magnet
// metadata assembled from peer-fetched bytes).
func infoFromValue(v bencode.Value) (Info, error) {
	var info Info

	nameVal, ok := v.Dict["name"]
	if ok && nameVal.Kind == bencode.KindBytes {
		info.Name = string(nameVal.Bytes)
	}

	plVal, ok := v.Dict["piece length"]
	if !ok || plVal.Kind != bencode.KindInt {
		return Info{}, fmt.Errorf("metainfo: missing or malformed \"piece length\"")
	}
	info.PieceLength = plVal.Int

	piecesVal, ok := v.Dict["pieces"]
	if !ok || piecesVal.Kind != bencode.KindBytes {
		return Info{}, fmt.Errorf("metainfo: missing or malformed \"pieces\"")
	}
	if len(piecesVal.Bytes)%hashLen != 0 {
		return Info{}, fmt.Errorf("metainfo: \"pieces\" length %d is not a multiple of %d", len(piecesVal.Bytes), hashLen)
	}
	numHashes := len(piecesVal.Bytes) / hashLen
	info.Pieces = make([][hashLen]byte, numHashes)
	for i := 0; i < numHashes; i++ {
		copy(info.Pieces[i][:], piecesVal.Bytes[i*hashLen:(i+1)*hashLen])
	}

	if lengthVal, ok := v.Dict["length"]; ok {
		if lengthVal.Kind != bencode.KindInt {
			return Info{}, fmt.Errorf("metainfo: malformed \"length\"")
		}
		info.Length = lengthVal.Int
		return info, nil
	}

	filesVal, ok := v.Dict["files"]
	if !ok || filesVal.Kind != bencode.KindList {
		return Info{}, fmt.Errorf("metainfo: info dictionary has neither \"length\" nor \"files\"")
	}
	var total int64
	for _, fv := range filesVal.List {
		if fv.Kind != bencode.KindDict {
			return Info{}, fmt.Errorf("metainfo: malformed entry in \"files\"")
		}
		flVal, ok := fv.Dict["length"]
		if !ok || flVal.Kind != bencode.KindInt {
			return Info{}, fmt.Errorf("metainfo: malformed \"length\" in files entry")
		}
		pathVal, ok := fv.Dict["path"]
		if !ok || pathVal.Kind != bencode.KindList {
			return Info{}, fmt.Errorf("metainfo: malformed \"path\" in files entry")
		}
		var path []string
		for _, pv := range pathVal.List {
			if pv.Kind != bencode.KindBytes {
				return Info{}, fmt.Errorf("metainfo: malformed path component")
			}
			path = append(path, string(pv.Bytes))
		}
		info.Files = append(info.Files, FileEntry{Length: flVal.Int, Path: path})
		total += flVal.Int
	}
	info.Length = total
	return info, nil
}

// InfoFromBytes decodes a standalone info dictionary — the form the
// metadata extension hands back for a magnet download — and also returns
// its SHA-1, computed over exactly the bytes given.
func InfoFromBytes(data []byte) (Info, [20]byte, error) {
	v, err := bencode.Decode(data)
	if err != nil {
		return Info{}, [20]byte{}, err
	}
	if v.Kind != bencode.KindDict {
		return Info{}, [20]byte{}, fmt.Errorf("metainfo: metadata is not a dictionary")
	}
	info, err := infoFromValue(v)
	if err != nil {
		return Info{}, [20]byte{}, err
	}
	return info, sha1.Sum(data), nil
}

// PieceSize returns the size in bytes of piece index i: PieceLength for
// every piece but the last, which may be shorter.
func (info Info) PieceSize(i int) int64 {
	begin := int64(i) * info.PieceLength
	end := begin + info.PieceLength
	if end > info.Length {
		end = info.Length
	}
	return end - begin
}

// NumPieces is the number of published piece hashes.
func (info Info) NumPieces() int {
	return len(info.Pieces)
}
