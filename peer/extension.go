package peer

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	bencodego "github.com/jackpal/bencode-go"

	"github.com/haldr/torrentdl/message"
)

// extensionHandshakeID is always 0: BEP-10 reserves extension-id 0 for the
// extension handshake itself.
const extensionHandshakeID = 0

// ourUTMetadataID is the id we assign to ut_metadata messages addressed to
// us. Extension ids are directional: we send requests with the id the peer
// advertised in its handshake, and the peer sends replies with this one.
const ourUTMetadataID = 1

type extensionHandshakeMsg struct {
	M struct {
		UTMetadata uint8 `bencode:"ut_metadata"`
		UTPex      uint8 `bencode:"ut_pex"`
	} `bencode:"m"`
	Port         int `bencode:"p"`
	MetadataSize int `bencode:"metadata_size,omitempty"`
}

// ExtensionHandshake performs the BEP-10 extension handshake: sends our
// supported extensions and parses the peer's reply to learn the id it
// wants ut_metadata messages sent with. Fails with an error that
// IsExtensionUnsupported recognizes (the caller decides whether to treat it
// as fatal) if the peer's reply omits m.ut_metadata.
func (c *Client) ExtensionHandshake() error {
	if !c.SupportsExtension {
		return fmt.Errorf("peer: remote does not advertise extension protocol support")
	}

	var out extensionHandshakeMsg
	out.M.UTMetadata = ourUTMetadataID
	out.M.UTPex = 2
	out.Port = 6881

	var buf bytes.Buffer
	if err := bencodego.Marshal(&buf, out); err != nil {
		return fmt.Errorf("peer: encoding extension handshake: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.Conn.SetDeadline(time.Now().Add(requestTimeout))
	defer c.Conn.SetDeadline(time.Time{})

	if err := c.send(message.Extension(extensionHandshakeID, buf.Bytes())); err != nil {
		return err
	}

	reply, err := c.readExtensionReplyLocked(extensionHandshakeID)
	if err != nil {
		return err
	}

	var in extensionHandshakeMsg
	if err := bencodego.Unmarshal(bytes.NewReader(reply), &in); err != nil {
		return fmt.Errorf("peer: decoding extension handshake reply: %w", err)
	}
	if in.M.UTMetadata == 0 {
		return fmt.Errorf("peer: extension handshake reply omits m.ut_metadata: %w", errExtensionUnsupported)
	}
	c.metadataExtensionID = in.M.UTMetadata
	return nil
}

var errExtensionUnsupported = errors.New("extension unsupported")

// MetadataExtensionID returns the id the remote peer assigned to
// ut_metadata messages during the extension handshake, or 0 if the
// handshake has not completed.
func (c *Client) MetadataExtensionID() uint8 {
	return c.metadataExtensionID
}

// IsExtensionUnsupported reports whether err signals that a peer's
// extension handshake reply omitted m.ut_metadata. The magnet flow treats
// such a peer as unusable for metadata and moves on to the next one.
func IsExtensionUnsupported(err error) bool {
	return errors.Is(err, errExtensionUnsupported)
}

type metadataRequestMsg struct {
	MsgType int `bencode:"msg_type"`
	Piece   int `bencode:"piece"`
}

type metadataDataMsg struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size"`
}

const (
	metadataMsgRequest = 0
	metadataMsgData    = 1
	metadataMsgReject  = 2
)

// FetchMetadata requests the info dictionary from the peer over the
// metadata extension (assumed to fit in a single 16 KiB metadata piece)
// and verifies it hashes to wantInfoHash.
func (c *Client) FetchMetadata(wantInfoHash [20]byte) ([]byte, error) {
	if c.metadataExtensionID == 0 {
		return nil, fmt.Errorf("peer: %w", errExtensionUnsupported)
	}

	var reqBuf bytes.Buffer
	if err := bencodego.Marshal(&reqBuf, metadataRequestMsg{MsgType: metadataMsgRequest, Piece: 0}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.Conn.SetDeadline(time.Now().Add(requestTimeout))
	err := c.send(message.Extension(c.metadataExtensionID, reqBuf.Bytes()))
	var reply []byte
	if err == nil {
		// The request goes out with the peer's advertised id, but the data
		// reply comes back tagged with the id we advertised for ut_metadata
		// in our own handshake.
		reply, err = c.readExtensionReplyLocked(ourUTMetadataID)
	}
	c.Conn.SetDeadline(time.Time{})
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// The bencoded dict header is followed immediately by the raw metadata
	// bytes. bencodego.Unmarshal reads exactly one value from the stream
	// and stops, so it naturally ignores the trailing payload bytes here.
	var meta metadataDataMsg
	if err := bencodego.Unmarshal(bytes.NewReader(reply), &meta); err != nil {
		return nil, fmt.Errorf("peer: decoding metadata reply header: %w", err)
	}
	if meta.MsgType == metadataMsgReject {
		return nil, fmt.Errorf("peer: metadata request rejected")
	}
	if meta.MsgType != metadataMsgData {
		return nil, fmt.Errorf("peer: unexpected metadata msg_type %d", meta.MsgType)
	}

	if meta.TotalSize <= 0 || meta.TotalSize > len(reply) {
		return nil, fmt.Errorf("peer: metadata total_size %d inconsistent with payload of %d bytes", meta.TotalSize, len(reply))
	}
	payload := reply[len(reply)-meta.TotalSize:]

	gotHash := sha1.Sum(payload)
	if gotHash != wantInfoHash {
		return nil, fmt.Errorf("peer: metadata hash mismatch: expected %x got %x", wantInfoHash, gotHash)
	}
	return payload, nil
}

// readExtensionReplyLocked reads messages until an EXTENSION message
// carrying extensionID arrives. Callers must hold c.mu.
func (c *Client) readExtensionReplyLocked(extensionID byte) ([]byte, error) {
	for {
		msg, err := c.Read()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		if msg.ID != message.MsgExtension {
			if msg.ID == message.MsgHave {
				if idx, err := message.ParseHave(msg); err == nil {
					c.Bitfield.SetPiece(idx)
				}
			}
			continue
		}
		gotID, payload, err := message.ParseExtension(msg)
		if err != nil {
			return nil, err
		}
		if gotID != extensionID {
			continue
		}
		return payload, nil
	}
}
