package replica

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const (
	signingDomain = "peerchat-entry"
	nonceSize     = 16
)

var (
	// ErrInvalidSignature indicates an entry whose signature does not verify.
	ErrInvalidSignature = errors.New("replica: invalid entry signature")
	// ErrNotWritable indicates the local device never became a writer.
	ErrNotWritable = errors.New("replica: local device is not a writer")
	// ErrEngineClosed indicates the engine was stopped.
	ErrEngineClosed = errors.New("replica: engine closed")
)

// Signer signs entries on behalf of the local device.
type Signer interface {
	PublicKey() ed25519.PublicKey
	Sign(message []byte) []byte
}

// LogEntry is one immutable record of the room log. Seq is assigned by the
// Log collaborator; the signature covers the room, the writer, the nonce and
// the payload so an entry cannot be replayed into another room. The nonce
// keeps two appends of the same command distinct.
type LogEntry struct {
	Seq       uint64 `json:"seq"`
	Writer    []byte `json:"writer"`
	Nonce     []byte `json:"nonce"`
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
}

// Hash identifies the entry content regardless of its sequence.
func (e LogEntry) Hash() string {
	digest := sha256.New()
	digest.Write(e.Writer)
	digest.Write(e.Nonce)
	digest.Write(e.Payload)
	digest.Write(e.Signature)
	return hex.EncodeToString(digest.Sum(nil))
}

func signingBytes(roomID string, writer, nonce, payload []byte) []byte {
	var buffer bytes.Buffer
	buffer.Grow(len(signingDomain) + len(roomID) + len(writer) + len(nonce) + len(payload) + 3)
	buffer.WriteString(signingDomain)
	buffer.WriteString(roomID)
	buffer.WriteByte(0)
	buffer.Write(writer)
	buffer.WriteByte(0)
	if len(nonce) > 0 {
		// Entries written before nonces existed sign without this segment.
		buffer.Write(nonce)
		buffer.WriteByte(0)
	}
	buffer.Write(payload)
	return buffer.Bytes()
}

// SignEntry builds an unsequenced entry for payload under a fresh nonce.
func SignEntry(roomID string, signer Signer, payload []byte) LogEntry {
	writer := append([]byte(nil), signer.PublicKey()...)
	nonce := make([]byte, nonceSize)
	_, _ = rand.Read(nonce)
	return LogEntry{
		Writer:    writer,
		Nonce:     nonce,
		Payload:   append([]byte(nil), payload...),
		Signature: signer.Sign(signingBytes(roomID, writer, nonce, payload)),
	}
}

// VerifyEntry checks the entry signature against its writer key.
func VerifyEntry(roomID string, entry LogEntry) error {
	if len(entry.Writer) != ed25519.PublicKeySize || len(entry.Signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(entry.Writer, signingBytes(roomID, entry.Writer, entry.Nonce, entry.Payload), entry.Signature) {
		return ErrInvalidSignature
	}
	return nil
}
