// Package product defines the data-product data model: the opaque
// payloads the upstream sender disseminates, their content signatures,
// and the feed-classification bitset subscribers filter on.
package product

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// SignatureSize is the width of a content signature in bytes. It
// matches crypto/md5.Size so a development store can derive one
// without pulling in a dedicated hashing library.
const SignatureSize = md5.Size

// Signature is an opaque, fixed-width content identifier.
type Signature [SignatureSize]byte

func (s Signature) String() string { return hex.EncodeToString(s[:]) }

// ParseSignature decodes the hex form produced by Signature.String, as
// used on the wire by the repair server's request_backlog payload.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	b, err := hex.DecodeString(s)
	if err != nil {
		return sig, fmt.Errorf("invalid signature %q: %w", s, err)
	}
	if len(b) != SignatureSize {
		return sig, fmt.Errorf("signature %q has wrong length %d, want %d", s, len(b), SignatureSize)
	}
	copy(sig[:], b)
	return sig, nil
}

// IsZero reports whether s is the all-zero signature, which the
// index-map file format uses to mean "no entry written here yet".
func (s Signature) IsZero() bool {
	for _, b := range s {
		if b != 0 {
			return false
		}
	}
	return true
}

// Sign derives a signature from payload bytes the way a development
// or test store does when no upstream hash is supplied.
func Sign(payload []byte) Signature {
	return Signature(md5.Sum(payload))
}

// Feed is a bitset classification of products. A subscriber receives
// the intersection of its requested feed and the policy-permitted
// feed for its host.
type Feed uint32

// Named feed classes, matching the standard feedtype vocabulary
// operators use in feed expressions.
const FeedNone Feed = 0

const (
	FeedEXP             Feed = 1 << iota // experimental / default feed
	FeedHDS                              // high-density servers
	FeedIDS                              // international data servers
	FeedDDS                              // domestic data servers
	FeedNEXRAD2                          // NEXRAD level II radar
	FeedNEXRAD3                          // NEXRAD level III radar
	FeedNGRID                            // NOAAPORT gridded products
	FeedNOTHER                           // NOAAPORT "other" channel
	FeedNPORT                            // generic NOAAPORT
	FeedNEXRAD2_NOINDEX                  // NEXRAD level II radar, unindexed stream
)

const FeedAny = FeedEXP | FeedHDS | FeedIDS | FeedDDS | FeedNEXRAD2 |
	FeedNEXRAD3 | FeedNGRID | FeedNOTHER | FeedNPORT | FeedNEXRAD2_NOINDEX

var feedNames = map[string]Feed{
	"EXP":             FeedEXP,
	"HDS":             FeedHDS,
	"IDS":             FeedIDS,
	"DDS":             FeedDDS,
	"NEXRAD2":         FeedNEXRAD2,
	"NEXRAD3":         FeedNEXRAD3,
	"NGRID":           FeedNGRID,
	"NOTHER":          FeedNOTHER,
	"NPORT":           FeedNPORT,
	"NEXRAD2_NOINDEX": FeedNEXRAD2_NOINDEX,
	"ANY":             FeedAny,
}

// ParseFeedExpr parses a "|"-separated feed expression such as
// "EXP|HDS" as accepted by the sender's -f flag. An empty string
// yields FeedEXP, the documented default.
func ParseFeedExpr(expr string) (Feed, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return FeedEXP, nil
	}
	var f Feed
	for _, part := range strings.Split(expr, "|") {
		part = strings.ToUpper(strings.TrimSpace(part))
		bit, ok := feedNames[part]
		if !ok {
			return 0, fmt.Errorf("unknown feed class %q", part)
		}
		f |= bit
	}
	return f, nil
}

func (f Feed) String() string {
	if f == 0 {
		return "NONE"
	}
	var parts []string
	for _, name := range []string{"EXP", "HDS", "IDS", "DDS", "NEXRAD2", "NEXRAD3", "NGRID", "NOTHER", "NPORT", "NEXRAD2_NOINDEX"} {
		if f&feedNames[name] != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Intersect returns the bits common to f and other.
func (f Feed) Intersect(other Feed) Feed { return f & other }

// IsSubsetOf reports whether every bit set in f is also set in other.
func (f Feed) IsSubsetOf(other Feed) bool { return f&other == f }

// Empty reports whether the feed selects nothing.
func (f Feed) Empty() bool { return f == 0 }

// Product is an opaque data-product: a signed, timestamped,
// feed-classified byte payload plus a textual identifier used for
// logging and operator tooling.
type Product struct {
	Signature  Signature
	Feed       Feed
	Timestamp  time.Time
	Identifier string
	Payload    []byte
}

func (p Product) String() string {
	return fmt.Sprintf("Product{id=%q feed=%s sig=%s bytes=%d ts=%s}",
		p.Identifier, p.Feed, p.Signature, len(p.Payload), p.Timestamp.Format(time.RFC3339))
}
