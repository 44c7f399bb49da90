package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/peerchat/internal/swarm"
	"go.uber.org/zap"
)

const defaultPairingTimeout = 30 * time.Second

var errMissingWriterKey = errors.New("pairing: candidate writer key is required")

// Writable is the replica a candidate opened after the key exchange.
type Writable interface {
	WaitWritable(ctx context.Context) error
}

// Grant is what a member hands a candidate it admitted.
type Grant struct {
	RoomID        string
	LogKey        string
	EncryptionKey []byte
}

// OpenFunc opens the local replica of the granted room.
type OpenFunc func(ctx context.Context, grant Grant) (Writable, error)

// CandidateConfig wires a Candidate.
type CandidateConfig struct {
	Swarm         *swarm.Swarm
	WriterKey     []byte
	Timeout       time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
	OnStateChange func(State)
}

// Candidate is a device asking to join a room.
type Candidate struct {
	swarm     *swarm.Swarm
	writerKey []byte
	timeout   time.Duration
	clock     func() time.Time
	logger    *zap.Logger
	state     stateMachine
}

// NewCandidate validates cfg.
func NewCandidate(cfg CandidateConfig) (*Candidate, error) {
	if cfg.Swarm == nil {
		return nil, errMissingSwarm
	}
	if len(cfg.WriterKey) == 0 {
		return nil, errMissingWriterKey
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPairingTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Candidate{
		swarm:     cfg.Swarm,
		writerKey: append([]byte(nil), cfg.WriterKey...),
		timeout:   timeout,
		clock:     clock,
		logger:    logger,
		state:     stateMachine{observer: cfg.OnStateChange},
	}, nil
}

// State returns the candidate side of the handshake.
func (c *Candidate) State() State {
	return c.state.get()
}

// Join pairs with a member of the room code points at, opens the granted
// room through open and waits until the local key is a writer.
func (c *Candidate) Join(ctx context.Context, code InviteCode, open OpenFunc) (Grant, error) {
	if code.Expired(c.clock()) {
		c.state.set(StateFailed)
		return Grant{}, ErrInviteExpired
	}
	proof, err := issueProof(code, c.writerKey, c.clock())
	if err != nil {
		c.state.set(StateFailed)
		return Grant{}, err
	}
	request, err := json.Marshal(pairRequest{Proof: proof})
	if err != nil {
		c.state.set(StateFailed)
		return Grant{}, err
	}

	ctx, cancel := context.WithTimeoutCause(ctx, c.timeout, ErrPairingTimeout)
	defer cancel()
	c.state.set(StateAwaitingCandidate)

	reply, err := c.swarm.Request(ctx, swarm.Subject(code.Topic(), verbPair), request)
	if err != nil {
		return Grant{}, c.fail(ctx, err)
	}
	var response pairResponse
	if err := json.Unmarshal(reply, &response); err != nil {
		return Grant{}, c.fail(ctx, fmt.Errorf("%w: malformed grant", ErrPairingClosed))
	}
	grant := Grant{RoomID: response.RoomID, LogKey: response.LogKey, EncryptionKey: response.EncryptionKey}
	c.state.set(StateKeyExchanged)
	c.logger.Info("pairing keys exchanged", zap.String("room_id", grant.RoomID))

	replica, err := open(ctx, grant)
	if err != nil {
		return Grant{}, c.fail(ctx, err)
	}
	if err := replica.WaitWritable(ctx); err != nil {
		return Grant{}, c.fail(ctx, err)
	}
	c.state.set(StateWritable)
	return grant, nil
}

func (c *Candidate) fail(ctx context.Context, err error) error {
	c.state.set(StateFailed)
	switch {
	case errors.Is(context.Cause(ctx), ErrPairingTimeout), errors.Is(context.Cause(ctx), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrPairingTimeout, err)
	case errors.Is(err, swarm.ErrNoResponders), errors.Is(err, swarm.ErrDestroyed):
		return fmt.Errorf("%w: %w", ErrPairingClosed, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", ErrPairingClosed, context.Cause(ctx))
	default:
		return err
	}
}
