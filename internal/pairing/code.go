package pairing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const discoveryDomain = "peerchat-discovery"

// ErrInvalidInviteCode indicates a shareable code that cannot be parsed.
var ErrInvalidInviteCode = errors.New("pairing: invalid invite code")

// InviteCode is the shareable half of an invite. It tells a candidate where
// to rendezvous and carries the seed it proves knowledge of the invite with.
type InviteCode struct {
	DiscoveryKey []byte `json:"d"`
	InviteID     []byte `json:"i"`
	Seed         []byte `json:"s"`
	Expires      int64  `json:"e"`
}

// DiscoveryKey derives the rendezvous key of roomID.
func DiscoveryKey(roomID string) []byte {
	sum := sha256.Sum256([]byte(discoveryDomain + roomID))
	return sum[:]
}

// Topic is the swarm topic members of the room listen on.
func (c InviteCode) Topic() string {
	return hex.EncodeToString(c.DiscoveryKey)
}

// PublicKey is the invite verification key derived from the seed.
func (c InviteCode) PublicKey() ed25519.PublicKey {
	return ed25519.NewKeyFromSeed(c.Seed).Public().(ed25519.PublicKey)
}

// Expired reports whether the invite is past its expiry at now.
func (c InviteCode) Expired(now time.Time) bool {
	return now.UnixMilli() >= c.Expires
}

// String encodes the code as URL-safe text suitable for QR payloads.
func (c InviteCode) String() string {
	encoded, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(encoded)
}

// ParseInviteCode decodes text produced by InviteCode.String.
func ParseInviteCode(text string) (InviteCode, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return InviteCode{}, fmt.Errorf("%w: %v", ErrInvalidInviteCode, err)
	}
	var code InviteCode
	if err := json.Unmarshal(raw, &code); err != nil {
		return InviteCode{}, fmt.Errorf("%w: %v", ErrInvalidInviteCode, err)
	}
	switch {
	case len(code.DiscoveryKey) != sha256.Size:
		return InviteCode{}, fmt.Errorf("%w: discovery key", ErrInvalidInviteCode)
	case len(code.InviteID) != inviteIDSize:
		return InviteCode{}, fmt.Errorf("%w: invite id", ErrInvalidInviteCode)
	case len(code.Seed) != ed25519.SeedSize:
		return InviteCode{}, fmt.Errorf("%w: seed", ErrInvalidInviteCode)
	case code.Expires <= 0:
		return InviteCode{}, fmt.Errorf("%w: expiry", ErrInvalidInviteCode)
	}
	return code, nil
}
