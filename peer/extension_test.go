package peer

import (
	"bytes"
	"crypto/sha1"
	"net"
	"testing"

	bencodego "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldr/torrentdl/message"
)

func newExtensionTestClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})
	return &Client{Conn: clientConn, SupportsExtension: true}, serverConn
}

func TestExtensionHandshakeRejectsWithoutSupport(t *testing.T) {
	c := &Client{SupportsExtension: false}
	err := c.ExtensionHandshake()
	assert.Error(t, err)
}

func TestExtensionHandshakeLearnsPeerMetadataID(t *testing.T) {
	c, serverConn := newExtensionTestClient(t)

	go func() {
		msg, err := message.Read(serverConn)
		require.NoError(t, err)
		require.Equal(t, message.MsgExtension, msg.ID)

		reply := extensionHandshakeMsg{}
		reply.M.UTMetadata = 3
		var buf bytes.Buffer
		require.NoError(t, bencodego.Marshal(&buf, reply))
		serverConn.Write(message.Extension(extensionHandshakeID, buf.Bytes()).Serialize())
	}()

	err := c.ExtensionHandshake()
	require.NoError(t, err)
	assert.EqualValues(t, 3, c.metadataExtensionID)
}

func TestExtensionHandshakeReportsUnsupportedWhenPeerOmitsUTMetadata(t *testing.T) {
	c, serverConn := newExtensionTestClient(t)

	go func() {
		msg, err := message.Read(serverConn)
		require.NoError(t, err)
		require.Equal(t, message.MsgExtension, msg.ID)

		var buf bytes.Buffer
		require.NoError(t, bencodego.Marshal(&buf, extensionHandshakeMsg{}))
		serverConn.Write(message.Extension(extensionHandshakeID, buf.Bytes()).Serialize())
	}()

	err := c.ExtensionHandshake()
	require.Error(t, err)
	assert.True(t, IsExtensionUnsupported(err))
}

func TestFetchMetadataVerifiesHashAndStripsHeader(t *testing.T) {
	c, serverConn := newExtensionTestClient(t)
	c.metadataExtensionID = 9

	infoBytes := []byte("d4:name5:filesl3:six6:sevene7:lengthi3ee")
	wantHash := sha1.Sum(infoBytes)

	go func() {
		msg, err := message.Read(serverConn)
		require.NoError(t, err)
		require.Equal(t, message.MsgExtension, msg.ID)

		var header bytes.Buffer
		require.NoError(t, bencodego.Marshal(&header, metadataDataMsg{
			MsgType:   metadataMsgData,
			Piece:     0,
			TotalSize: len(infoBytes),
		}))
		// Replies arrive tagged with the id we advertised for ut_metadata,
		// not the id the peer assigned for messages sent to it.
		reply := append(header.Bytes(), infoBytes...)
		serverConn.Write(message.Extension(ourUTMetadataID, reply).Serialize())
	}()

	got, err := c.FetchMetadata(wantHash)
	require.NoError(t, err)
	assert.Equal(t, infoBytes, got)
}

func TestFetchMetadataRejectsHashMismatch(t *testing.T) {
	c, serverConn := newExtensionTestClient(t)
	c.metadataExtensionID = 9

	infoBytes := []byte("d4:name3:fooe")
	var wrongHash [20]byte
	wrongHash[0] = 0xAA

	go func() {
		message.Read(serverConn)
		var header bytes.Buffer
		bencodego.Marshal(&header, metadataDataMsg{MsgType: metadataMsgData, TotalSize: len(infoBytes)})
		reply := append(header.Bytes(), infoBytes...)
		serverConn.Write(message.Extension(ourUTMetadataID, reply).Serialize())
	}()

	_, err := c.FetchMetadata(wrongHash)
	assert.Error(t, err)
}

func TestFetchMetadataWithoutHandshakeFails(t *testing.T) {
	c := &Client{}
	_, err := c.FetchMetadata([20]byte{})
	require.Error(t, err)
	assert.True(t, IsExtensionUnsupported(err))
}
