// Package message implements the BitTorrent peer wire message framing:
// length-prefixed (length:u32be | id:u8 | payload) messages exchanged after
// the handshake.
package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

type ID uint8

const (
	MsgChoke         ID = 0
	MsgUnchoke       ID = 1
	MsgInterested    ID = 2
	MsgNotInterested ID = 3
	MsgHave          ID = 4
	MsgBitField      ID = 5
	MsgRequest       ID = 6
	MsgPiece         ID = 7
	MsgCancel        ID = 8
	MsgExtension     ID = 20
)

func (id ID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not_interested"
	case MsgHave:
		return "have"
	case MsgBitField:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	case MsgExtension:
		return "extension"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a single framed peer wire message.
type Message struct {
	ID      ID
	Payload []byte
}

// Serialize encodes m as length:u32be | id:u8 | payload. A nil *Message
// serializes to a zero-length keep-alive.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buffer := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buffer[0:4], length)
	buffer[4] = byte(m.ID)
	copy(buffer[5:], m.Payload)
	return buffer
}

// Read reads one framed message from r. A length-0 keep-alive is reported
// as (nil, nil); callers should loop and read again.
func Read(r io.Reader) (*Message, error) {
	lengthBuffer := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuffer); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuffer)
	if length == 0 {
		return nil, nil
	}
	messageBuffer := make([]byte, length)
	if _, err := io.ReadFull(r, messageBuffer); err != nil {
		return nil, err
	}
	return &Message{
		ID:      ID(messageBuffer[0]),
		Payload: messageBuffer[1:],
	}, nil
}

// Request builds a REQUEST message for the given piece index, byte offset
// within the piece, and block length.
func Request(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: MsgRequest, Payload: payload}
}

// Have builds a HAVE message. This leecher-only client never sends one; it
// is kept so the wire format is covered in full.
func Have(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: MsgHave, Payload: payload}
}

// Extension builds an EXTENSION message: one byte of extension-id followed
// by an opaque payload (a bencoded dict, optionally with trailing raw
// bytes for metadata pieces).
func Extension(extensionID byte, payload []byte) *Message {
	buf := make([]byte, 1+len(payload))
	buf[0] = extensionID
	copy(buf[1:], payload)
	return &Message{ID: MsgExtension, Payload: buf}
}

// ParsePiece validates msg as a PIECE reply for the expected piece index
// and copies its block into buf at the offset the message carries.
// Returns the number of bytes copied.
func ParsePiece(index int, buf []byte, msg *Message) (int, error) {
	if msg.ID != MsgPiece {
		return 0, fmt.Errorf("expected PIECE message, got %s", msg.ID)
	}
	if len(msg.Payload) < 8 {
		return 0, fmt.Errorf("PIECE payload too short: %d bytes", len(msg.Payload))
	}
	parsedIndex := int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	if parsedIndex != index {
		return 0, fmt.Errorf("expected piece %d, got %d", index, parsedIndex)
	}
	begin := int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	if begin >= len(buf) {
		return 0, fmt.Errorf("begin offset %d exceeds buffer length %d", begin, len(buf))
	}
	data := msg.Payload[8:]
	if len(data)+begin > len(buf) {
		return 0, fmt.Errorf("block of %d bytes at offset %d overruns buffer of length %d", len(data), begin, len(buf))
	}
	copy(buf[begin:], data)
	return len(data), nil
}

// ParseHave extracts the piece index from a HAVE message.
func ParseHave(msg *Message) (int, error) {
	if msg.ID != MsgHave {
		return 0, fmt.Errorf("expected HAVE message, got %s", msg.ID)
	}
	if len(msg.Payload) != 4 {
		return 0, fmt.Errorf("expected 4-byte HAVE payload, got %d", len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// ParseExtension splits an EXTENSION message's payload into its
// extension-id byte and the remaining payload.
func ParseExtension(msg *Message) (byte, []byte, error) {
	if msg.ID != MsgExtension {
		return 0, nil, fmt.Errorf("expected EXTENSION message, got %s", msg.ID)
	}
	if len(msg.Payload) < 1 {
		return 0, nil, fmt.Errorf("EXTENSION payload empty")
	}
	return msg.Payload[0], msg.Payload[1:], nil
}
