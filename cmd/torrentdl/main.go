// Command torrentdl downloads a file advertised by a .torrent metainfo
// file or a magnet: URI, verifying every piece against the SHA-1 hashes
// published in the torrent's info dictionary.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/haldr/torrentdl/bencode"
	"github.com/haldr/torrentdl/download"
	"github.com/haldr/torrentdl/magnet"
	"github.com/haldr/torrentdl/metainfo"
	"github.com/haldr/torrentdl/peer"
	"github.com/haldr/torrentdl/tracker"
)

const usage = `usage: torrentdl [-v] <command> [args]

commands:
  decode <bencode-string>
  info <path.torrent>
  peers <path.torrent>
  handshake <path.torrent> <ip:port>
  download_piece -o <out> <path.torrent> <piece-index>
  download -o <out> <path.torrent>
  magnet_parse <magnet-uri>
  magnet_handshake <magnet-uri>
  magnet_info <magnet-uri>
  magnet_download_piece -o <out> <magnet-uri> <piece-index>
  magnet_download -o <out> <magnet-uri>
`

func main() {
	verbose := flag.Bool("v", false, "log progress and peer errors to stderr")
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	log := zerolog.Nop()
	if *verbose {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "decode":
		err = cmdDecode(rest)
	case "info":
		err = cmdInfo(rest)
	case "peers":
		err = cmdPeers(rest)
	case "handshake":
		err = cmdHandshake(rest)
	case "download_piece":
		err = cmdDownloadPiece(rest, log)
	case "download":
		err = cmdDownload(rest, log)
	case "magnet_parse":
		err = cmdMagnetParse(rest)
	case "magnet_handshake":
		err = cmdMagnetHandshake(rest)
	case "magnet_info":
		err = cmdMagnetInfo(rest, log)
	case "magnet_download_piece":
		err = cmdMagnetDownloadPiece(rest, log)
	case "magnet_download":
		err = cmdMagnetDownload(rest, log)
	default:
		err = fmt.Errorf("unknown command: %s", cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func cmdDecode(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("decode: expected one bencode-string argument")
	}
	v, err := bencode.Decode([]byte(args[0]))
	if err != nil {
		return err
	}
	out, err := bencode.MarshalJSON(v)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func cmdInfo(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("info: expected one torrent-file argument")
	}
	tor, err := loadTorrent(args[0])
	if err != nil {
		return err
	}
	printInfo(tor.Announce, tor.InfoHash, tor.Info)
	return nil
}

func printInfo(announce string, infoHash [20]byte, info metainfo.Info) {
	fmt.Printf("Tracker URL: %s\n", announce)
	fmt.Printf("Length: %d\n", info.Length)
	fmt.Printf("Info Hash: %x\n", infoHash)
	fmt.Printf("Piece Length: %d\n", info.PieceLength)
	fmt.Println("Piece Hashes:")
	for _, h := range info.Pieces {
		fmt.Printf("%x\n", h)
	}
}

func cmdPeers(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("peers: expected one torrent-file argument")
	}
	tor, err := loadTorrent(args[0])
	if err != nil {
		return err
	}
	addrs, err := tracker.Announce(tor.Announce, tor.InfoHash, peer.GeneratePeerID(), tor.Info.Length)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		fmt.Println(a.String())
	}
	return nil
}

func cmdHandshake(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("handshake: expected torrent-file and ip:port arguments")
	}
	tor, err := loadTorrent(args[0])
	if err != nil {
		return err
	}
	addr, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	c, err := peer.Dial(addr, peer.GeneratePeerID(), tor.InfoHash, false)
	if err != nil {
		return err
	}
	defer c.Conn.Close()
	fmt.Printf("Peer ID: %s\n", hex.EncodeToString(c.PeerID[:]))
	return nil
}

func cmdDownloadPiece(args []string, log zerolog.Logger) error {
	out, rest, err := outputFlag("download_piece", args)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return fmt.Errorf("download_piece: expected torrent-file and piece-index arguments")
	}
	index, err := strconv.Atoi(rest[1])
	if err != nil {
		return fmt.Errorf("download_piece: bad piece index %q", rest[1])
	}

	tor, err := loadTorrent(rest[0])
	if err != nil {
		return err
	}
	swarm, err := connectSwarm(tor.Announce, tor.InfoHash, tor.Info, false, log)
	if err != nil {
		return err
	}
	defer closeClients(swarm.Clients)

	data, err := swarm.DownloadPiece(tor.Info, index)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

func cmdDownload(args []string, log zerolog.Logger) error {
	out, rest, err := outputFlag("download", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("download: expected one torrent-file argument")
	}

	tor, err := loadTorrent(rest[0])
	if err != nil {
		return err
	}
	swarm, err := connectSwarm(tor.Announce, tor.InfoHash, tor.Info, false, log)
	if err != nil {
		return err
	}
	defer closeClients(swarm.Clients)

	data, err := swarm.DownloadAll(tor.Info)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

func cmdMagnetParse(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("magnet_parse: expected one magnet-uri argument")
	}
	m, err := magnet.Parse(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Tracker URL: %s\n", m.TrackerURL)
	fmt.Printf("Info Hash: %x\n", m.InfoHash)
	return nil
}

func cmdMagnetHandshake(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("magnet_handshake: expected one magnet-uri argument")
	}
	selfID := peer.GeneratePeerID()
	m, addrs, err := magnetPeers(args[0], selfID)
	if err != nil {
		return err
	}

	var lastErr error
	for _, addr := range addrs {
		c, err := peer.Dial(addr, selfID, m.InfoHash, true)
		if err != nil {
			lastErr = err
			continue
		}
		if c.SupportsExtension {
			if err := c.ExtensionHandshake(); err != nil {
				c.Conn.Close()
				lastErr = err
				continue
			}
		}
		fmt.Printf("Peer ID: %s\n", hex.EncodeToString(c.PeerID[:]))
		if c.SupportsExtension {
			fmt.Printf("Peer Metadata Extension ID: %d\n", c.MetadataExtensionID())
		}
		c.Conn.Close()
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("could not handshake with any peer: %w", lastErr)
	}
	return fmt.Errorf("could not handshake with any peer")
}

func cmdMagnetInfo(args []string, log zerolog.Logger) error {
	if len(args) != 1 {
		return fmt.Errorf("magnet_info: expected one magnet-uri argument")
	}
	m, clients, err := magnetClients(args[0], log)
	if err != nil {
		return err
	}
	defer closeClients(clients)

	info, err := download.FetchMetadataInfo(clients, m.InfoHash, log)
	if err != nil {
		return err
	}
	printInfo(m.TrackerURL, m.InfoHash, info)
	return nil
}

func cmdMagnetDownloadPiece(args []string, log zerolog.Logger) error {
	out, rest, err := outputFlag("magnet_download_piece", args)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return fmt.Errorf("magnet_download_piece: expected magnet-uri and piece-index arguments")
	}
	index, err := strconv.Atoi(rest[1])
	if err != nil {
		return fmt.Errorf("magnet_download_piece: bad piece index %q", rest[1])
	}

	m, clients, err := magnetClients(rest[0], log)
	if err != nil {
		return err
	}
	defer closeClients(clients)

	info, err := download.FetchMetadataInfo(clients, m.InfoHash, log)
	if err != nil {
		return err
	}
	swarm, err := download.BuildSwarm(clients, info.NumPieces(), log)
	if err != nil {
		return err
	}
	data, err := swarm.DownloadPiece(info, index)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

func cmdMagnetDownload(args []string, log zerolog.Logger) error {
	out, rest, err := outputFlag("magnet_download", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("magnet_download: expected one magnet-uri argument")
	}

	m, clients, err := magnetClients(rest[0], log)
	if err != nil {
		return err
	}
	defer closeClients(clients)

	info, err := download.FetchMetadataInfo(clients, m.InfoHash, log)
	if err != nil {
		return err
	}
	swarm, err := download.BuildSwarm(clients, info.NumPieces(), log)
	if err != nil {
		return err
	}
	data, err := swarm.DownloadAll(info)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

func loadTorrent(path string) (*metainfo.Torrent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return metainfo.Load(data)
}

// connectSwarm announces, dials every returned peer, and puts the
// survivors into the interested/unchoked state ready for piece requests.
func connectSwarm(announce string, infoHash [20]byte, info metainfo.Info, wantExtension bool, log zerolog.Logger) (*download.Swarm, error) {
	selfID := peer.GeneratePeerID()
	addrs, err := tracker.Announce(announce, infoHash, selfID, info.Length)
	if err != nil {
		return nil, err
	}
	clients := download.Dial(addrs, selfID, infoHash, wantExtension, log)
	return download.BuildSwarm(clients, info.NumPieces(), log)
}

// magnetPeers parses a magnet URI and announces to its tracker. The total
// length is unknown before the metadata exchange, so "left" is reported
// as 1.
func magnetPeers(uri string, selfID [20]byte) (*magnet.Magnet, []tracker.Addr, error) {
	m, err := magnet.Parse(uri)
	if err != nil {
		return nil, nil, err
	}
	if m.TrackerURL == "" {
		return nil, nil, fmt.Errorf("magnet link carries no tracker URL")
	}
	addrs, err := tracker.Announce(m.TrackerURL, m.InfoHash, selfID, 1)
	if err != nil {
		return nil, nil, err
	}
	return m, addrs, nil
}

// magnetClients dials every peer the magnet's tracker returned,
// advertising extension-protocol support so metadata can be fetched.
func magnetClients(uri string, log zerolog.Logger) (*magnet.Magnet, []*peer.Client, error) {
	selfID := peer.GeneratePeerID()
	m, addrs, err := magnetPeers(uri, selfID)
	if err != nil {
		return nil, nil, err
	}
	clients := download.Dial(addrs, selfID, m.InfoHash, true, log)
	if len(clients) == 0 {
		return nil, nil, fmt.Errorf("could not connect to any peers")
	}
	return m, clients, nil
}

func outputFlag(name string, args []string) (out string, rest []string, err error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&out, "o", "", "output file path")
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	if out == "" {
		return "", nil, fmt.Errorf("%s: -o <out> is required", name)
	}
	return out, fs.Args(), nil
}

func parseAddr(s string) (tracker.Addr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return tracker.Addr{}, fmt.Errorf("bad peer address %q: %w", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return tracker.Addr{}, fmt.Errorf("bad peer address %q: not an IP", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return tracker.Addr{}, fmt.Errorf("bad peer address %q: %w", s, err)
	}
	return tracker.Addr{IP: ip, Port: uint16(port)}, nil
}

func closeClients(clients []*peer.Client) {
	for _, c := range clients {
		c.Conn.Close()
	}
}
