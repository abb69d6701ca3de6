package peer

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
)

const pstr = "BitTorrent protocol"

// extensionReservedByte is byte index 5 of the 8 reserved handshake bytes;
// bit 0x10 of it advertises BEP-10 extension-protocol support.
const extensionReservedByte = 5
const extensionBit = 0x10

// Handshake is the fixed 68-byte BitTorrent handshake.
type Handshake struct {
	InfoHash          [20]byte
	PeerID            [20]byte
	SupportsExtension bool
}

// Serialize encodes the fixed 49+19-byte handshake layout.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, 49+len(pstr))
	buf[0] = byte(len(pstr))
	copy(buf[1:], pstr)
	if h.SupportsExtension {
		buf[1+len(pstr)+extensionReservedByte] = extensionBit
	}
	copy(buf[1+len(pstr)+8:], h.InfoHash[:])
	copy(buf[1+len(pstr)+8+20:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and decodes a 68-byte handshake from r, failing if
// the protocol name isn't "BitTorrent protocol".
func ReadHandshake(r io.Reader) (*Handshake, error) {
	lenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	pstrlen := int(lenBuf[0])
	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	gotPstr := string(rest[0:pstrlen])
	if gotPstr != pstr {
		return nil, fmt.Errorf("handshake: unexpected protocol string %q", gotPstr)
	}

	reserved := rest[pstrlen : pstrlen+8]
	h := &Handshake{SupportsExtension: reserved[extensionReservedByte]&extensionBit != 0}
	copy(h.InfoHash[:], rest[pstrlen+8:pstrlen+28])
	copy(h.PeerID[:], rest[pstrlen+28:pstrlen+48])
	return h, nil
}

// VerifyInfoHash reports whether h's info-hash matches want. A session
// whose remote hash differs must be rejected.
func (h *Handshake) VerifyInfoHash(want [20]byte) bool {
	return bytes.Equal(h.InfoHash[:], want[:])
}

// GeneratePeerID produces a 20-byte peer-id made of 20 ASCII decimal
// digits: a plain numeric identity rather than a client-tag-prefixed one.
func GeneratePeerID() [20]byte {
	var id [20]byte
	for i := range id {
		id[i] = byte('0' + rand.Intn(10))
	}
	return id
}
