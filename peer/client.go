// Package peer implements one TCP connection to one peer: the base
// handshake, the BEP-10 extension handshake used by the magnet flow,
// bitfield reception, the interested/unchoke dance, and block-level
// REQUEST/PIECE exchange.
package peer

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/haldr/torrentdl/bitfield"
	"github.com/haldr/torrentdl/message"
	"github.com/haldr/torrentdl/tracker"
)

const dialTimeout = 3 * time.Second
const handshakeTimeout = 5 * time.Second
const requestTimeout = 30 * time.Second

// Client is one peer session. The TCP connection is shared across however
// many block-fetch goroutines are working a piece on this peer, so every
// send-then-receive round trip is taken under mu: a full REQUEST/PIECE
// pair is atomic from a caller's point of view, never interleaved with
// another pair on the same wire.
type Client struct {
	Conn   net.Conn
	Addr   tracker.Addr
	PeerID [20]byte

	mu     sync.Mutex
	Choked bool

	Bitfield bitfield.Bitfield

	SupportsExtension   bool
	metadataExtensionID uint8 // peer's id for ut_metadata, 0 if unknown
}

// Dial opens a TCP connection to addr, performs the base handshake
// (optionally advertising extension-protocol support), verifies the
// remote's info-hash, and reads the BITFIELD message that must follow.
func Dial(addr tracker.Addr, selfID, infoHash [20]byte, advertiseExtension bool) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	remote, err := completeHandshake(conn, selfID, infoHash, advertiseExtension)
	if err != nil {
		conn.Close()
		return nil, err
	}

	bf, err := receiveBitfield(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Client{
		Conn:              conn,
		Addr:              addr,
		PeerID:            remote.PeerID,
		Choked:            true,
		Bitfield:          bf,
		SupportsExtension: remote.SupportsExtension,
	}, nil
}

func completeHandshake(conn net.Conn, selfID, infoHash [20]byte, advertiseExtension bool) (*Handshake, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	req := &Handshake{InfoHash: infoHash, PeerID: selfID, SupportsExtension: advertiseExtension}
	if _, err := conn.Write(req.Serialize()); err != nil {
		return nil, fmt.Errorf("peer: writing handshake: %w", err)
	}

	resp, err := ReadHandshake(conn)
	if err != nil {
		return nil, fmt.Errorf("peer: reading handshake: %w", err)
	}
	if !resp.VerifyInfoHash(infoHash) {
		return nil, fmt.Errorf("peer: info-hash mismatch: expected %x got %x", infoHash, resp.InfoHash)
	}
	return resp, nil
}

func receiveBitfield(conn net.Conn) (bitfield.Bitfield, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	msg, err := message.Read(conn)
	for err == nil && msg == nil {
		msg, err = message.Read(conn) // keep-alive
	}
	if err != nil {
		return nil, err
	}
	if msg.ID != message.MsgBitField {
		return nil, fmt.Errorf("peer: expected BITFIELD, got %s", msg.ID)
	}
	return bitfield.Bitfield(msg.Payload), nil
}

// Read reads the next framed message off the connection without taking
// the session lock; callers that need send/receive atomicity should use
// RequestBlock or take Lock/Unlock themselves.
func (c *Client) Read() (*message.Message, error) {
	return message.Read(c.Conn)
}

func (c *Client) send(msg *message.Message) error {
	_, err := c.Conn.Write(msg.Serialize())
	return err
}

// SendInterested sends INTERESTED.
func (c *Client) SendInterested() error {
	return c.send(&message.Message{ID: message.MsgInterested})
}

// SendUnchoke sends UNCHOKE. This client never chokes peers in return —
// there is no uploading path — but some peers expect the courtesy message.
func (c *Client) SendUnchoke() error {
	return c.send(&message.Message{ID: message.MsgUnchoke})
}

// AwaitUnchoke reads messages until UNCHOKE arrives, updating Choked and
// Bitfield state as HAVE/CHOKE/UNCHOKE messages are observed along the
// way. Any other message type at this stage is a protocol violation.
func (c *Client) AwaitUnchoke() error {
	c.Conn.SetDeadline(time.Now().Add(requestTimeout))
	defer c.Conn.SetDeadline(time.Time{})

	for {
		msg, err := c.Read()
		if err != nil {
			return err
		}
		if msg == nil {
			continue // keep-alive
		}
		switch msg.ID {
		case message.MsgUnchoke:
			c.Choked = false
			return nil
		case message.MsgChoke:
			c.Choked = true
		case message.MsgHave:
			index, err := message.ParseHave(msg)
			if err != nil {
				return err
			}
			c.Bitfield.SetPiece(index)
		default:
			return fmt.Errorf("peer: protocol violation: expected UNCHOKE, got %s", msg.ID)
		}
	}
}

// Lock/Unlock expose the session's send/receive exclusion to callers that
// drive their own request/response pairs outside RequestBlock while still
// ensuring no two pairs interleave on the wire.
func (c *Client) Lock()   { c.mu.Lock() }
func (c *Client) Unlock() { c.mu.Unlock() }

// RequestBlock sends a REQUEST for (index, begin, length) and blocks until
// the next PIECE message (or an error) arrives, serialized against any
// other concurrent block fetch on this same session. The PIECE is returned
// as received; its index and offset are not compared with the request here.
func (c *Client) RequestBlock(index, begin, length int) (*message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Conn.SetDeadline(time.Now().Add(requestTimeout))
	defer c.Conn.SetDeadline(time.Time{})

	if err := c.send(message.Request(index, begin, length)); err != nil {
		return nil, err
	}
	for {
		msg, err := c.Read()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		switch msg.ID {
		case message.MsgPiece:
			return msg, nil
		case message.MsgHave:
			if idx, err := message.ParseHave(msg); err == nil {
				c.Bitfield.SetPiece(idx)
			}
		case message.MsgChoke:
			c.Choked = true
			return nil, fmt.Errorf("peer: choked mid-request")
		default:
			// Ignore anything else (e.g. an EXTENSION keep-alive) and
			// keep waiting for the PIECE this call asked for.
		}
	}
}
