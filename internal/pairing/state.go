package pairing

import (
	"errors"
	"sync"
)

var (
	// ErrPairingClosed indicates the rendezvous closed before the candidate
	// was confirmed, including when no member answered.
	ErrPairingClosed = errors.New("pairing: closed")
	// ErrPairingTimeout indicates no confirmation arrived in time. Mismatched
	// and expired invites end here since members drop them silently.
	ErrPairingTimeout = errors.New("pairing: timed out")
	// ErrInviteExpired indicates the invite code was already expired locally.
	ErrInviteExpired = errors.New("pairing: invite expired")
)

// State is a step of the pairing handshake.
type State int

const (
	StateIdle State = iota
	StateAwaitingCandidate
	StateKeyExchanged
	StateWritable
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCandidate:
		return "awaiting-candidate"
	case StateKeyExchanged:
		return "key-exchanged"
	case StateWritable:
		return "writable"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type stateMachine struct {
	mu       sync.Mutex
	current  State
	observer func(State)
}

func (m *stateMachine) set(next State) {
	m.mu.Lock()
	m.current = next
	observer := m.observer
	m.mu.Unlock()
	if observer != nil {
		observer(next)
	}
}

func (m *stateMachine) get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
