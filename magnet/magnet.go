// Package magnet parses magnet: URIs into the info-hash, optional display
// name, and optional tracker URL they carry. It never contacts anything —
// that's the job of tracker and peer once a Magnet has been parsed.
package magnet

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

const xtPrefix = "urn:btih:"

// Magnet is a parsed magnet: URI.
type Magnet struct {
	InfoHash    [20]byte
	DisplayName string // optional, informational only
	TrackerURL  string // optional; first "tr" param wins
}

// Parse parses a magnet: URI. It fails on the wrong scheme, a missing or
// malformed "xt" exact-topic parameter, or an info-hash that isn't exactly
// 40 hex characters.
func Parse(raw string) (*Magnet, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("magnet: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("magnet: unsupported scheme %q", u.Scheme)
	}

	q := u.Query()
	xt := q.Get("xt")
	if xt == "" {
		return nil, fmt.Errorf("magnet: missing \"xt\" parameter")
	}
	if !strings.HasPrefix(xt, xtPrefix) {
		return nil, fmt.Errorf("magnet: \"xt\" does not start with %q", xtPrefix)
	}

	hexHash := xt[len(xtPrefix):]
	if len(hexHash) != 40 {
		return nil, fmt.Errorf("magnet: info-hash must be 40 hex characters, got %d", len(hexHash))
	}
	raw20, err := hex.DecodeString(hexHash)
	if err != nil {
		return nil, fmt.Errorf("magnet: info-hash is not valid hex: %w", err)
	}

	m := &Magnet{DisplayName: q.Get("dn"), TrackerURL: q.Get("tr")}
	copy(m.InfoHash[:], raw20)
	return m, nil
}
