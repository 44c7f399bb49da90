package pairing

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const proofIssuer = "peerchat-candidate"

var (
	errMissingCandidateKey = errors.New("pairing: candidate key required")
	errUnknownInvite       = errors.New("pairing: unknown invite")
)

// issueProof signs a candidate request with the invite seed. The token binds
// the candidate writer key to the invite id and expires with the invite.
func issueProof(code InviteCode, candidateKey []byte, now time.Time) (string, error) {
	if len(candidateKey) != ed25519.PublicKeySize {
		return "", errMissingCandidateKey
	}
	claims := jwt.RegisteredClaims{
		ID:        hex.EncodeToString(code.InviteID),
		Subject:   hex.EncodeToString(candidateKey),
		Issuer:    proofIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(time.UnixMilli(code.Expires)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(ed25519.NewKeyFromSeed(code.Seed))
}

type proofClaims struct {
	inviteID     []byte
	candidateKey []byte
}

// verifyProof validates tokenString against the public key lookup returns for
// the invite id named in the token.
func verifyProof(tokenString string, lookup func(inviteID []byte) (ed25519.PublicKey, error), clock func() time.Time) (proofClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodEdDSA.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			inviteID, err := hex.DecodeString(claims.ID)
			if err != nil || len(inviteID) == 0 {
				return nil, errUnknownInvite
			}
			return lookup(inviteID)
		},
		jwt.WithIssuer(proofIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(clock),
	)
	if err != nil {
		return proofClaims{}, err
	}
	inviteID, err := hex.DecodeString(claims.ID)
	if err != nil {
		return proofClaims{}, errUnknownInvite
	}
	candidateKey, err := hex.DecodeString(claims.Subject)
	if err != nil || len(candidateKey) != ed25519.PublicKeySize {
		return proofClaims{}, errMissingCandidateKey
	}
	return proofClaims{inviteID: inviteID, candidateKey: candidateKey}, nil
}
