// Package tracker issues the HTTP announce request to a torrent's tracker
// and decodes the compact peer list from its bencoded response.
package tracker

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	bencodego "github.com/jackpal/bencode-go"
)

// DefaultPort is the port advertised in the announce request. The client
// never actually listens (it is a leecher only), but trackers expect a
// plausible value.
const DefaultPort = 6881

// Addr is a compact peer endpoint: an IPv4 address and port.
type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// response mirrors the bencoded tracker announce reply. interval is parsed
// but unused: the client announces once per run and never re-announces.
type response struct {
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

// Announce performs the HTTP GET against announceURL and returns the
// compact peer list from the response. Trackers whose announce URL is not
// http/https fail with an "unsupported tracker protocol" error; UDP
// trackers are not supported.
func Announce(announceURL string, infoHash, peerID [20]byte, left int64) ([]Addr, error) {
	reqURL, err := buildURL(announceURL, infoHash, peerID, left)
	if err != nil {
		return nil, err
	}

	resp, err := http.Get(reqURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: request failed: %w", err)
	}
	defer resp.Body.Close()

	var tr response
	if err := bencodego.Unmarshal(resp.Body, &tr); err != nil {
		return nil, fmt.Errorf("tracker: malformed response: %w", err)
	}

	return UnmarshalCompactPeers([]byte(tr.Peers))
}

func buildURL(announceURL string, infoHash, peerID [20]byte, left int64) (string, error) {
	base, err := url.Parse(announceURL)
	if err != nil {
		return "", fmt.Errorf("tracker: invalid announce URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return "", fmt.Errorf("unsupported tracker protocol: %q", base.Scheme)
	}

	params := url.Values{
		"port":       []string{strconv.Itoa(DefaultPort)},
		"uploaded":   []string{"0"},
		"downloaded": []string{"0"},
		"compact":    []string{"1"},
		"left":       []string{strconv.FormatInt(left, 10)},
	}
	base.RawQuery = params.Encode()
	base.RawQuery += "&info_hash=" + percentEncodeBytes(infoHash[:])
	base.RawQuery += "&peer_id=" + percentEncodeBytes(peerID[:])
	return base.String(), nil
}

// percentEncodeBytes percent-encodes every byte as %XX, unconditionally —
// the info-hash and peer-id must never pass through an encoder that leaves
// alphanumeric bytes un-escaped, since that would desync from the raw
// 20-byte identity trackers expect.
func percentEncodeBytes(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, 3*len(b))
	for _, c := range b {
		out = append(out, '%', hexDigits[c>>4], hexDigits[c&0x0f])
	}
	return string(out)
}

// UnmarshalCompactPeers decodes the tracker's compact peer string: 6 bytes
// per peer, 4 bytes big-endian IPv4 followed by 2 bytes big-endian port.
func UnmarshalCompactPeers(peersBin []byte) ([]Addr, error) {
	const peerSize = 6
	if len(peersBin)%peerSize != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d is not a multiple of %d", len(peersBin), peerSize)
	}
	numPeers := len(peersBin) / peerSize
	peers := make([]Addr, numPeers)
	for i := 0; i < numPeers; i++ {
		offset := i * peerSize
		ip := make(net.IP, 4)
		copy(ip, peersBin[offset:offset+4])
		peers[i] = Addr{
			IP:   ip,
			Port: binary.BigEndian.Uint16(peersBin[offset+4 : offset+6]),
		}
	}
	return peers, nil
}
