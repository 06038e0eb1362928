package netid

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
)

// Unknown is the fingerprint value when no trustworthy address can be derived.
const Unknown = "unknown"

// Config controls how the client address is extracted from proxy headers.
type Config struct {
	// HeaderName is the forwarding header appended by trusted infrastructure
	// (e.g. "X-Forwarded-For"). Empty means no proxy: the socket peer address
	// is used directly.
	HeaderName string
	// HopCount selects the chain entry HopCount positions from the right end.
	// Entries further left may be client-supplied and are never trusted.
	HopCount int
}

// Fingerprint is the abuse-correlation identity of a request: the resolved
// client IP and a coarse subnet bucket (IPv4 /24, IPv6 /64) so NAT'd or
// carrier-shared clients correlate without storing exact addresses elsewhere.
type Fingerprint struct {
	IPKey     string
	SubnetKey string
}

// Known reports whether the fingerprint carries a usable address.
func (f Fingerprint) Known() bool {
	return f.IPKey != Unknown
}

var warnNoHeader sync.Once

// Resolve derives the client fingerprint from the request. Resolution fails
// open: an unresolvable address yields {unknown, unknown} rather than an
// error, since refusing all traffic would be a worse outage than degraded
// abuse detection.
func Resolve(r *http.Request, cfg Config) Fingerprint {
	raw := ""
	if cfg.HeaderName != "" {
		raw = pickChainEntry(r.Header.Get(cfg.HeaderName), cfg.HopCount)
	}
	if raw == "" {
		warnNoHeader.Do(func() {
			log.Printf("WARNING: trusted proxy header missing or unset; falling back to socket peer address for network fingerprints")
		})
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		raw = host
	}
	return FromAddr(raw)
}

// FromAddr builds a fingerprint from a candidate address string.
func FromAddr(raw string) Fingerprint {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return Fingerprint{IPKey: Unknown, SubnetKey: Unknown}
	}
	addr = addr.Unmap()

	bits := 64
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return Fingerprint{IPKey: addr.String(), SubnetKey: Unknown}
	}
	return Fingerprint{IPKey: addr.String(), SubnetKey: prefix.String()}
}

// pickChainEntry returns the entry hop positions from the right of a
// comma-separated forwarding chain: hop=1 is the right-most entry. A chain
// shorter than hop is treated as fully infrastructure-appended and yields
// its left-most entry.
func pickChainEntry(chain string, hop int) string {
	chain = strings.TrimSpace(chain)
	if chain == "" {
		return ""
	}
	parts := strings.Split(chain, ",")
	if hop < 1 {
		hop = 1
	}
	idx := len(parts) - hop
	if idx < 0 {
		idx = 0
	}
	return strings.TrimSpace(parts[idx])
}

// HashKey returns the salted SHA-256 of a network key as hex. Raw addresses
// never reach storage; the salt keeps hashes correlatable across restarts
// without being reversible by rainbow table.
func HashKey(salt, key string) string {
	if key == "" || key == Unknown {
		return Unknown
	}
	sum := sha256.Sum256([]byte(salt + "|" + key))
	return hex.EncodeToString(sum[:])
}
