// Package pairing admits new devices to a room's writer set. A member mints
// an invite and serves pairing requests on the room's rendezvous topic; a
// candidate proves it holds the invite and waits to observe its own key in
// the replicated writer set.
package pairing

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/peerchat/internal/commands"
	"github.com/MarcoPoloResearchLab/peerchat/internal/metrics"
	"github.com/MarcoPoloResearchLab/peerchat/internal/swarm"
	"github.com/MarcoPoloResearchLab/peerchat/internal/view"
	"go.uber.org/zap"
)

const (
	verbPair          = "pair"
	inviteSeedDomain  = "peerchat-invite-seed"
	inviteIDSize      = 32
	defaultInviteTTL  = 24 * time.Hour
	defaultHandleWait = 10 * time.Second
)

var (
	errMissingRoom  = errors.New("pairing: room replica is required")
	errMissingSwarm = errors.New("pairing: swarm is required")
	errMissingKey   = errors.New("pairing: room encryption key is required")
	errForeignSeed  = errors.New("pairing: active invite was not derived from the room key")
	errInviteStale  = errors.New("pairing: invite expired")
)

// Room is the slice of a replica the pairing protocol needs.
type Room interface {
	RoomID() string
	View() *view.Store
	Append(ctx context.Context, cmd commands.Command) (uint64, error)
	WaitApplied(ctx context.Context, seq uint64) error
}

type pairRequest struct {
	Proof string `json:"proof"`
}

type pairResponse struct {
	RoomID        string `json:"room_id"`
	LogKey        string `json:"log_key"`
	EncryptionKey []byte `json:"encryption_key"`
}

// MemberConfig wires a Member.
type MemberConfig struct {
	Room          Room
	Swarm         *swarm.Swarm
	LogKey        string
	EncryptionKey []byte
	InviteTTL     time.Duration
	HandleTimeout time.Duration
	Clock         func() time.Time
	Random        io.Reader
	Logger        *zap.Logger
	OnStateChange func(State)
}

// Member is an existing writer that can admit candidates.
type Member struct {
	room          Room
	swarm         *swarm.Swarm
	logKey        string
	encryptionKey []byte
	inviteTTL     time.Duration
	handleTimeout time.Duration
	clock         func() time.Time
	random        io.Reader
	logger        *zap.Logger
	state         stateMachine
}

// NewMember validates cfg.
func NewMember(cfg MemberConfig) (*Member, error) {
	if cfg.Room == nil {
		return nil, errMissingRoom
	}
	if cfg.Swarm == nil {
		return nil, errMissingSwarm
	}
	if len(cfg.EncryptionKey) == 0 {
		return nil, errMissingKey
	}
	logKey := cfg.LogKey
	if logKey == "" {
		logKey = cfg.Room.RoomID()
	}
	ttl := cfg.InviteTTL
	if ttl <= 0 {
		ttl = defaultInviteTTL
	}
	handleTimeout := cfg.HandleTimeout
	if handleTimeout <= 0 {
		handleTimeout = defaultHandleWait
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Member{
		room:          cfg.Room,
		swarm:         cfg.Swarm,
		logKey:        logKey,
		encryptionKey: append([]byte(nil), cfg.EncryptionKey...),
		inviteTTL:     ttl,
		handleTimeout: handleTimeout,
		clock:         clock,
		random:        random,
		logger:        logger.With(zap.String("room_id", cfg.Room.RoomID())),
		state:         stateMachine{observer: cfg.OnStateChange},
	}, nil
}

// State returns the member side of the handshake.
func (m *Member) State() State {
	return m.state.get()
}

// CreateInvite returns the room's active invite, minting and appending a
// new one when none exists or the stored one has expired. The log carries
// only the invite id and verification key; the seed is derived from the room
// encryption key, so any member can rebuild the shareable code.
func (m *Member) CreateInvite(ctx context.Context) (InviteCode, error) {
	now := m.clock()
	if code, ok, err := m.activeInvite(ctx, now); err != nil || ok {
		return code, err
	}

	code := InviteCode{
		DiscoveryKey: DiscoveryKey(m.room.RoomID()),
		InviteID:     make([]byte, inviteIDSize),
		Expires:      now.Add(m.inviteTTL).UnixMilli(),
	}
	if _, err := io.ReadFull(m.random, code.InviteID); err != nil {
		return InviteCode{}, err
	}
	code.Seed = m.inviteSeed(code.InviteID)

	seq, err := m.room.Append(ctx, commands.AddInvite{
		ID:        code.InviteID,
		PublicKey: code.PublicKey(),
		Expires:   code.Expires,
		IssuedAt:  now.UnixMilli(),
	})
	if err != nil {
		return InviteCode{}, fmt.Errorf("append invite: %w", err)
	}
	if err := m.room.WaitApplied(ctx, seq); err != nil {
		return InviteCode{}, err
	}

	// Another member may have raced us; the first applied invite wins.
	stored, ok, err := m.activeInvite(ctx, now)
	if err != nil {
		return InviteCode{}, err
	}
	if !ok {
		return code, nil
	}
	return stored, nil
}

func (m *Member) activeInvite(ctx context.Context, now time.Time) (InviteCode, bool, error) {
	invite, err := m.room.View().ActiveInvite(ctx, now.UnixMilli())
	if errors.Is(err, view.ErrInviteNotFound) {
		return InviteCode{}, false, nil
	}
	if err != nil {
		return InviteCode{}, false, err
	}
	code := InviteCode{
		DiscoveryKey: DiscoveryKey(m.room.RoomID()),
		InviteID:     invite.ID,
		Seed:         m.inviteSeed(invite.ID),
		Expires:      invite.Expires,
	}
	if !bytes.Equal(code.PublicKey(), invite.PublicKey) {
		return InviteCode{}, false, errForeignSeed
	}
	return code, true, nil
}

func (m *Member) inviteSeed(inviteID []byte) []byte {
	mac := hmac.New(sha256.New, m.encryptionKey)
	mac.Write([]byte(inviteSeedDomain))
	mac.Write(inviteID)
	return mac.Sum(nil)[:ed25519.SeedSize]
}

// Serve answers pairing requests until ctx ends.
func (m *Member) Serve(ctx context.Context) error {
	topic := InviteTopic(m.room.RoomID())
	if err := m.swarm.Join(ctx, topic); err != nil {
		return err
	}
	defer m.swarm.Leave(topic) //nolint:errcheck

	stop, err := m.swarm.Handle(swarm.Subject(topic, verbPair), m.handleRequest)
	if err != nil {
		return err
	}
	defer stop()

	m.state.set(StateAwaitingCandidate)
	<-ctx.Done()
	m.state.set(StateIdle)
	return nil
}

// InviteTopic is the rendezvous topic of roomID.
func InviteTopic(roomID string) string {
	return InviteCode{DiscoveryKey: DiscoveryKey(roomID)}.Topic()
}

func (m *Member) handleRequest(data []byte) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), m.handleTimeout)
	defer cancel()

	var request pairRequest
	if err := json.Unmarshal(data, &request); err != nil {
		m.reject("malformed_request", err)
		return nil, false
	}

	claims, err := verifyProof(request.Proof, func(inviteID []byte) (ed25519.PublicKey, error) {
		invite, err := m.room.View().InviteByID(ctx, inviteID)
		if err != nil {
			return nil, err
		}
		if m.clock().UnixMilli() >= invite.Expires {
			return nil, errInviteStale
		}
		return ed25519.PublicKey(invite.PublicKey), nil
	}, m.clock)
	if err != nil {
		m.reject("invalid_proof", err)
		return nil, false
	}

	seq, err := m.room.Append(ctx, commands.AddWriter{Key: claims.candidateKey})
	if err != nil {
		m.reject("append_failed", err)
		return nil, false
	}
	m.logger.Info("candidate admitted",
		zap.Uint64("seq", seq),
		zap.Binary("candidate_key", claims.candidateKey))
	metrics.IncPairing(metrics.OutcomePaired)

	response, err := json.Marshal(pairResponse{
		RoomID:        m.room.RoomID(),
		LogKey:        m.logKey,
		EncryptionKey: m.encryptionKey,
	})
	if err != nil {
		m.reject("encode_failed", err)
		return nil, false
	}
	m.state.set(StateKeyExchanged)
	m.state.set(StateAwaitingCandidate)
	return response, true
}

func (m *Member) reject(reason string, err error) {
	metrics.IncPairing(metrics.OutcomeRejected)
	m.logger.Debug("pairing request dropped", zap.String("reason", reason), zap.Error(err))
}
