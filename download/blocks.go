package download

import "github.com/haldr/torrentdl/message"

// parsePieceInto validates msg as the PIECE reply for index and copies its
// block into buf.
func parsePieceInto(buf []byte, index int, msg *message.Message) (int, error) {
	return message.ParsePiece(index, buf, msg)
}
