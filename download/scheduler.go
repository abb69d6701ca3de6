// Package download coordinates many peer sessions to fetch pieces of a
// torrent, verify each against its SHA-1 hash, and retry on error or
// mismatch. It is also where the magnet flow's metadata bootstrap lives,
// since it needs the same peer connections the piece scheduler dials.
package download

import (
	"crypto/sha1"
	"fmt"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/haldr/torrentdl/metainfo"
	"github.com/haldr/torrentdl/peer"
	"github.com/haldr/torrentdl/tracker"
)

const (
	blockSize  = 16384
	maxBacklog = 5
)

// Swarm is a set of connected, handshaken peer sessions plus the piece
// availability map built from their bitfields.
type Swarm struct {
	Clients      []*peer.Client
	PieceToPeers map[int][]*peer.Client
	log          zerolog.Logger
}

// Dial connects to every address concurrently, performing the base
// handshake (and advertising extension support when wantExtension is set)
// plus the BITFIELD read. Peers that fail to connect or handshake are
// logged and skipped.
func Dial(addrs []tracker.Addr, selfID, infoHash [20]byte, wantExtension bool, log zerolog.Logger) []*peer.Client {
	var mu sync.Mutex
	var clients []*peer.Client

	var eg errgroup.Group
	for _, addr := range addrs {
		addr := addr
		eg.Go(func() error {
			c, err := peer.Dial(addr, selfID, infoHash, wantExtension)
			if err != nil {
				log.Debug().Str("peer", addr.String()).Err(err).Msg("could not connect to peer")
				return nil
			}
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait() // errors are per-peer and already logged; never aborts the group

	return clients
}

// BuildSwarm turns a set of connected clients plus a known piece count
// into a Swarm: a piece -> peers map built once at discovery and read-only
// thereafter, and every client put into the interested/await-unchoke state.
func BuildSwarm(clients []*peer.Client, numPieces int, log zerolog.Logger) (*Swarm, error) {
	pieceToPeers := make(map[int][]*peer.Client)
	var ready []*peer.Client

	for _, c := range clients {
		if err := c.SendInterested(); err != nil {
			log.Debug().Str("peer", c.Addr.String()).Err(err).Msg("sending interested failed")
			continue
		}
		if err := c.AwaitUnchoke(); err != nil {
			log.Debug().Str("peer", c.Addr.String()).Err(err).Msg("awaiting unchoke failed")
			continue
		}
		for _, idx := range c.Bitfield.Pieces(numPieces) {
			pieceToPeers[idx] = append(pieceToPeers[idx], c)
		}
		ready = append(ready, c)
	}

	if len(pieceToPeers) == 0 {
		return nil, fmt.Errorf("could not connect to any peers")
	}

	return &Swarm{Clients: ready, PieceToPeers: pieceToPeers, log: log}, nil
}

type pieceResult struct {
	index int
	data  []byte
}

// DownloadAll fetches every piece of info into a single contiguous buffer
// sized to the torrent's total length, verifying each against its
// published SHA-1 hash and retrying on mismatch or transient failure.
// Multi-file torrents are treated as this single concatenated byte stream
// — splitting by the "files" list is out of scope.
func (s *Swarm) DownloadAll(info metainfo.Info) ([]byte, error) {
	numPieces := info.NumPieces()
	out := make([]byte, info.Length)

	// The piece -> peers map is never updated mid-run, so a piece nobody
	// advertises can never arrive; failing up front beats spinning on it.
	for i := 0; i < numPieces; i++ {
		if len(s.PieceToPeers[i]) == 0 {
			return nil, fmt.Errorf("no connected peer advertises piece %d", i)
		}
	}

	results := make(chan pieceResult)

	spawn := func(index int) {
		go func() {
			data, err := s.fetchPiece(info, index)
			if err != nil {
				s.log.Warn().Int("piece", index).Err(err).Msg("piece fetch failed, will retry")
				data = nil
			}
			results <- pieceResult{index: index, data: data}
		}()
	}

	for i := 0; i < numPieces; i++ {
		spawn(i)
	}

	remaining := numPieces
	for remaining > 0 {
		res := <-results
		if len(res.data) == 0 {
			s.log.Warn().Int("piece", res.index).Msg("retrying piece")
			spawn(res.index)
			continue
		}
		begin := int64(res.index) * info.PieceLength
		copy(out[begin:begin+int64(len(res.data))], res.data)
		remaining--
		s.log.Info().Int("piece", res.index).Int("total", numPieces).Msg("downloaded piece")
	}

	return out, nil
}

// DownloadPiece fetches and verifies a single piece, retrying against a
// freshly, randomly re-chosen peer on failure or hash mismatch, until it
// succeeds.
func (s *Swarm) DownloadPiece(info metainfo.Info, index int) ([]byte, error) {
	if len(s.PieceToPeers[index]) == 0 {
		return nil, fmt.Errorf("no connected peer advertises piece %d", index)
	}
	for {
		data, err := s.fetchPiece(info, index)
		if err == nil && len(data) > 0 {
			return data, nil
		}
		s.log.Warn().Int("piece", index).Err(err).Msg("piece fetch failed, retrying")
	}
}

// fetchPiece picks a random candidate peer for index and attempts to
// download and verify the whole piece from it in one shot. An empty
// result signals the caller should retry with a re-randomized peer choice.
func (s *Swarm) fetchPiece(info metainfo.Info, index int) ([]byte, error) {
	candidates := s.PieceToPeers[index]
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no peer advertises piece %d", index)
	}
	c := candidates[rand.Intn(len(candidates))]

	size := info.PieceSize(index)
	data, err := fetchPieceBlocks(c, index, int(size))
	if err != nil {
		return nil, err
	}

	got := sha1.Sum(data)
	if got != info.Pieces[index] {
		return nil, fmt.Errorf("piece %d failed hash verification", index)
	}
	return data, nil
}

// fetchPieceBlocks splits a piece into 16 KiB blocks and fetches them
// concurrently over one peer session, reassembling by offset. The
// session's RequestBlock serializes each REQUEST/PIECE pair on the wire,
// so pipelining block sub-tasks here only overlaps their waiting time, not
// their bytes on the socket.
func fetchPieceBlocks(c *peer.Client, index, length int) ([]byte, error) {
	buf := make([]byte, length)

	type blockJob struct{ begin, size int }
	var jobs []blockJob
	for begin := 0; begin < length; begin += blockSize {
		size := blockSize
		if length-begin < size {
			size = length - begin
		}
		jobs = append(jobs, blockJob{begin: begin, size: size})
	}

	sem := make(chan struct{}, maxBacklog)
	errCh := make(chan error, len(jobs))
	var wg sync.WaitGroup

	for _, j := range jobs {
		j := j
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			msg, err := c.RequestBlock(index, j.begin, j.size)
			if err != nil {
				errCh <- err
				return
			}
			if _, err := parsePieceInto(buf, index, msg); err != nil {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}
