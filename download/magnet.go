package download

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/haldr/torrentdl/metainfo"
	"github.com/haldr/torrentdl/peer"
)

// FetchMetadataInfo performs the BEP-9/BEP-10 metadata exchange against
// the first connected client that advertises extension support, assembling
// an Info the same way a .torrent file's info dictionary would decode to.
// Peers are tried in order until one hands back metadata that verifies.
func FetchMetadataInfo(clients []*peer.Client, infoHash [20]byte, log zerolog.Logger) (metainfo.Info, error) {
	var lastErr error
	for _, c := range clients {
		if !c.SupportsExtension {
			continue
		}
		if err := c.ExtensionHandshake(); err != nil {
			log.Debug().Str("peer", c.Addr.String()).Err(err).Msg("extension handshake failed")
			lastErr = err
			continue
		}
		raw, err := c.FetchMetadata(infoHash)
		if err != nil {
			log.Debug().Str("peer", c.Addr.String()).Err(err).Msg("metadata fetch failed")
			lastErr = err
			continue
		}
		info, _, err := metainfo.InfoFromBytes(raw)
		if err != nil {
			lastErr = err
			continue
		}
		return info, nil
	}
	if lastErr != nil {
		return metainfo.Info{}, fmt.Errorf("could not fetch metadata from any peer: %w", lastErr)
	}
	return metainfo.Info{}, fmt.Errorf("could not fetch metadata from any peer")
}
