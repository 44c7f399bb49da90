// Package rooms is the command surface of the replica: it keeps the
// registry of rooms this device replicates, opens their replicas and
// answers every request with exactly one terminal event.
package rooms

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/peerchat/internal/commands"
	"github.com/MarcoPoloResearchLab/peerchat/internal/events"
	"github.com/MarcoPoloResearchLab/peerchat/internal/identity"
	"github.com/MarcoPoloResearchLab/peerchat/internal/pairing"
	"github.com/MarcoPoloResearchLab/peerchat/internal/swarm"
	"github.com/MarcoPoloResearchLab/peerchat/internal/view"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	encryptionKeySize      = 32
	defaultPairingTimeout  = 30 * time.Second
	defaultDownloadTimeout = 2 * time.Minute
	defaultSettleTimeout   = 10 * time.Second
	defaultInviteTTL       = 24 * time.Hour
	defaultPageSize        = 50
	maxPageSize            = 500
	maxRoomNameLength      = 320
	openConcurrency        = 4
	messageIDSuffixSize    = 6
)

var noOpLogger = zap.NewNop()

// IDProvider issues the random part of generated message identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type randomIDProvider struct {
	random io.Reader
}

// NewRandomIDProvider constructs an IDProvider that issues hex suffixes read
// from random.
func NewRandomIDProvider(random io.Reader) IDProvider {
	return &randomIDProvider{random: random}
}

func (p *randomIDProvider) NewID() (string, error) {
	suffix := make([]byte, messageIDSuffixSize)
	if _, err := io.ReadFull(p.random, suffix); err != nil {
		return "", err
	}
	return hex.EncodeToString(suffix), nil
}

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Database        *gorm.DB
	Identity        *identity.Service
	DeviceName      string
	DataDir         string
	SwarmURL        string
	Dispatcher      *events.Dispatcher
	PairingTimeout  time.Duration
	DownloadTimeout time.Duration
	SettleTimeout   time.Duration
	InviteTTL       time.Duration
	Clock           func() time.Time
	IDProvider      IDProvider
	Random          io.Reader
	Logger          *zap.Logger
}

// Manager owns every open room of this device.
type Manager struct {
	db              *gorm.DB
	identity        *identity.Service
	deviceName      string
	dataDir         string
	swarmURL        string
	dispatcher      *events.Dispatcher
	pairingTimeout  time.Duration
	downloadTimeout time.Duration
	settleTimeout   time.Duration
	inviteTTL       time.Duration
	clock           func() time.Time
	idProvider      IDProvider
	random          io.Reader
	logger          *zap.Logger

	device *identity.Device
	swarm  *swarm.Swarm
	js     jetstream.JetStream

	startMu sync.Mutex
	mu      sync.RWMutex
	rooms   map[string]*room
	started bool
	closed  bool
}

// NewManager validates cfg. Call Start before issuing requests.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	switch {
	case cfg.Database == nil:
		return nil, newServiceError(opManagerNew, "missing_database", errMissingDatabase)
	case cfg.Identity == nil:
		return nil, newServiceError(opManagerNew, "missing_identity", errMissingIdentity)
	case strings.TrimSpace(cfg.DataDir) == "":
		return nil, newServiceError(opManagerNew, "missing_data_dir", errMissingDataDir)
	case strings.TrimSpace(cfg.SwarmURL) == "":
		return nil, newServiceError(opManagerNew, "missing_swarm_url", errMissingSwarmURL)
	case cfg.Dispatcher == nil:
		return nil, newServiceError(opManagerNew, "missing_dispatcher", errMissingDispatcher)
	}

	deviceName := cfg.DeviceName
	if deviceName == "" {
		deviceName = identity.DefaultDeviceName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewRandomIDProvider(random)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Manager{
		db:              cfg.Database,
		identity:        cfg.Identity,
		deviceName:      deviceName,
		dataDir:         cfg.DataDir,
		swarmURL:        cfg.SwarmURL,
		dispatcher:      cfg.Dispatcher,
		pairingTimeout:  durationOrDefault(cfg.PairingTimeout, defaultPairingTimeout),
		downloadTimeout: durationOrDefault(cfg.DownloadTimeout, defaultDownloadTimeout),
		settleTimeout:   durationOrDefault(cfg.SettleTimeout, defaultSettleTimeout),
		inviteTTL:       durationOrDefault(cfg.InviteTTL, defaultInviteTTL),
		clock:           clock,
		idProvider:      idProvider,
		random:          random,
		logger:          logger,
		rooms:           make(map[string]*room),
	}, nil
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// Start loads the device identity, connects to the swarm and reopens every
// registered room concurrently.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	m.mu.RLock()
	started, closed := m.started, m.closed
	m.mu.RUnlock()
	if closed {
		return newServiceError(opManagerStart, "manager_closed", ErrManagerClosed)
	}
	if started {
		return nil
	}

	device, err := m.identity.Device(ctx, m.deviceName)
	if err != nil {
		m.logError(opManagerStart, "device_failed", err)
		return newServiceError(opManagerStart, "device_failed", err)
	}
	peer, err := swarm.Dial(ctx, swarm.Config{URL: m.swarmURL, Name: "peerchat-" + m.deviceName, Logger: m.logger})
	if err != nil {
		m.logError(opManagerStart, "swarm_unavailable", err)
		return newServiceError(opManagerStart, "swarm_unavailable", err)
	}
	js, err := jetstream.New(peer.Conn())
	if err != nil {
		peer.Destroy()
		m.logError(opManagerStart, "jetstream_unavailable", err)
		return newServiceError(opManagerStart, "jetstream_unavailable", err)
	}
	m.mu.Lock()
	m.device = device
	m.swarm = peer
	m.js = js
	m.mu.Unlock()

	var records []RoomRecord
	if err := m.db.WithContext(ctx).Order("joined_at_s ASC").Find(&records).Error; err != nil {
		m.logError(opManagerStart, "registry_query_failed", err)
		return newServiceError(opManagerStart, "registry_query_failed", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(openConcurrency)
	for _, record := range records {
		group.Go(func() error {
			opened, err := m.openRoom(groupCtx, record)
			if err != nil {
				m.logError(opManagerStart, "room_open_failed", err, zap.String("room_id", record.RoomID))
				return fmt.Errorf("open room %s: %w", record.RoomID, err)
			}
			m.mu.Lock()
			m.rooms[record.RoomID] = opened
			m.mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return newServiceError(opManagerStart, "room_open_failed", err)
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	m.logger.Info("room manager started",
		zap.Int("rooms", len(records)),
		zap.Binary("device_key", device.PublicKey()))
	return nil
}

// Close shuts every room down concurrently and leaves the swarm.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := m.rooms
	m.rooms = make(map[string]*room)
	m.mu.Unlock()

	var group errgroup.Group
	for roomID, opened := range open {
		group.Go(func() error {
			opened.close(m.logger.With(zap.String("room_id", roomID)))
			return nil
		})
	}
	err := group.Wait()
	if m.swarm != nil {
		m.swarm.Destroy()
	}
	if err != nil {
		m.logError(opManagerClose, "room_close_failed", err)
		return newServiceError(opManagerClose, "room_close_failed", err)
	}
	return nil
}

// DeviceKey returns the writer key of this device once started.
func (m *Manager) DeviceKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.device == nil {
		return nil
	}
	return append([]byte(nil), m.device.PublicKey()...)
}

func (m *Manager) lookup(operation, roomID string) (*room, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, newServiceError(operation, "missing_room_id", ErrInvalidRequest)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, newServiceError(operation, "manager_closed", ErrManagerClosed)
	}
	if !m.started || m.device == nil {
		return nil, newServiceError(operation, "manager_not_started", ErrManagerClosed)
	}
	opened, ok := m.rooms[roomID]
	if !ok {
		return nil, newServiceError(operation, "room_not_found", ErrRoomNotFound)
	}
	return opened, nil
}

func (m *Manager) ready(operation string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return newServiceError(operation, "manager_closed", ErrManagerClosed)
	}
	if !m.started || m.device == nil {
		return newServiceError(operation, "manager_not_started", ErrManagerClosed)
	}
	return nil
}

// register stores record and publishes opened. It fails when the manager
// closed in between, in which case opened is closed here.
func (m *Manager) register(opened *room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		opened.close(m.logger)
		return ErrManagerClosed
	}
	m.rooms[opened.id] = opened
	return nil
}

// CreateRoom mints a room, registers it and bootstraps its log with this
// device as the first writer.
func (m *Manager) CreateRoom(ctx context.Context, name string) (RoomPage, error) {
	if err := m.ready(opCreateRoom); err != nil {
		return RoomPage{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxRoomNameLength {
		return RoomPage{}, newServiceError(opCreateRoom, "invalid_name", ErrInvalidRequest)
	}

	encryptionKey := make([]byte, encryptionKeySize)
	if _, err := io.ReadFull(m.random, encryptionKey); err != nil {
		m.logError(opCreateRoom, "key_generation_failed", err)
		return RoomPage{}, newServiceError(opCreateRoom, "key_generation_failed", err)
	}
	now := m.clock()
	roomID := uuid.NewString()
	record := RoomRecord{
		RoomID:        roomID,
		LogKey:        roomID,
		EncryptionKey: encryptionKey,
		JoinedAtSec:   now.Unix(),
	}
	if err := m.db.WithContext(ctx).Create(&record).Error; err != nil {
		m.logError(opCreateRoom, "registry_insert_failed", err, zap.String("room_id", roomID))
		return RoomPage{}, newServiceError(opCreateRoom, "registry_insert_failed", err)
	}

	opened, err := m.openRoom(ctx, record)
	if err != nil {
		m.forget(ctx, roomID)
		m.logError(opCreateRoom, "room_open_failed", err, zap.String("room_id", roomID))
		return RoomPage{}, newServiceError(opCreateRoom, "room_open_failed", err)
	}
	if err := opened.engine.Bootstrap(ctx, commands.RoomPayload{ID: roomID, Name: name, CreatedAt: now.UnixMilli()}); err != nil {
		opened.close(m.logger)
		m.forget(ctx, roomID)
		m.logError(opCreateRoom, "bootstrap_failed", err, zap.String("room_id", roomID))
		return RoomPage{}, newServiceError(opCreateRoom, "bootstrap_failed", err)
	}
	if err := m.register(opened); err != nil {
		return RoomPage{}, newServiceError(opCreateRoom, "manager_closed", err)
	}

	room, err := opened.view.Metadata(ctx)
	if err != nil {
		return RoomPage{}, newServiceError(opCreateRoom, "metadata_failed", err)
	}
	m.logger.Info("room created", zap.String("room_id", roomID), zap.String("name", name))
	return RoomPage{Room: room, Messages: []view.Message{}}, nil
}

// GetRooms lists every registered room ordered by name.
func (m *Manager) GetRooms(ctx context.Context) ([]RoomSummary, error) {
	if err := m.ready(opGetRooms); err != nil {
		return nil, err
	}
	var records []RoomRecord
	if err := m.db.WithContext(ctx).Find(&records).Error; err != nil {
		m.logError(opGetRooms, "registry_query_failed", err)
		return nil, newServiceError(opGetRooms, "registry_query_failed", err)
	}

	summaries := make([]RoomSummary, 0, len(records))
	for _, record := range records {
		summary := RoomSummary{JoinedAt: record.JoinedAtSec}
		summary.ID = record.RoomID
		m.mu.RLock()
		opened, ok := m.rooms[record.RoomID]
		m.mu.RUnlock()
		if ok {
			metadata, err := opened.view.Metadata(ctx)
			if err == nil {
				summary.Room = metadata
			} else if !errors.Is(err, view.ErrMetadataMissing) {
				m.logError(opGetRooms, "metadata_failed", err, zap.String("room_id", record.RoomID))
			}
			writers, err := opened.view.Writers(ctx)
			if err == nil {
				summary.Writers = len(writers)
			}
		}
		summaries = append(summaries, summary)
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].Name != summaries[j].Name {
			return summaries[i].Name < summaries[j].Name
		}
		return summaries[i].ID < summaries[j].ID
	})
	return summaries, nil
}

// JoinRoom opens a registered room for reading and returns its metadata
// with the newest page of messages.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) (RoomPage, error) {
	opened, err := m.lookup(opJoinRoom, roomID)
	if err != nil {
		return RoomPage{}, err
	}
	room, err := opened.view.Metadata(ctx)
	if err != nil {
		m.logError(opJoinRoom, "metadata_failed", err, zap.String("room_id", roomID))
		return RoomPage{}, newServiceError(opJoinRoom, "metadata_failed", err)
	}
	page, err := m.page(ctx, opened, nil, defaultPageSize)
	if err != nil {
		m.logError(opJoinRoom, "query_failed", err, zap.String("room_id", roomID))
		return RoomPage{}, newServiceError(opJoinRoom, "query_failed", err)
	}
	return RoomPage{Room: room, Messages: page.Messages}, nil
}

// PairRoom joins the room behind an invite code. The room is registered
// locally only once this device is observed in its writer set.
func (m *Manager) PairRoom(ctx context.Context, inviteText string) (RoomPage, error) {
	if err := m.ready(opPairRoom); err != nil {
		return RoomPage{}, err
	}
	code, err := pairing.ParseInviteCode(strings.TrimSpace(inviteText))
	if err != nil {
		return RoomPage{}, newServiceError(opPairRoom, "invalid_invite", err)
	}
	candidate, err := pairing.NewCandidate(pairing.CandidateConfig{
		Swarm:     m.swarm,
		WriterKey: m.device.PublicKey(),
		Timeout:   m.pairingTimeout,
		Clock:     m.clock,
		Logger:    m.logger,
	})
	if err != nil {
		return RoomPage{}, newServiceError(opPairRoom, "candidate_failed", err)
	}

	var opened *room
	grant, err := candidate.Join(ctx, code, func(ctx context.Context, grant pairing.Grant) (pairing.Writable, error) {
		if _, err := m.lookup(opPairRoom, grant.RoomID); err == nil {
			return nil, fmt.Errorf("%w: room %s already registered", ErrInvalidRequest, grant.RoomID)
		}
		record := RoomRecord{
			RoomID:        grant.RoomID,
			LogKey:        grant.LogKey,
			EncryptionKey: grant.EncryptionKey,
			JoinedAtSec:   m.clock().Unix(),
		}
		opened, err = m.openRoom(ctx, record)
		if err != nil {
			return nil, err
		}
		return opened.engine, nil
	})
	if err != nil {
		if opened != nil {
			opened.close(m.logger)
			m.removeRoomData(grant.RoomID, opened.dir)
		}
		reason := "pairing_failed"
		switch {
		case errors.Is(err, pairing.ErrInviteExpired):
			reason = "invite_expired"
		case errors.Is(err, pairing.ErrPairingTimeout):
			reason = "pairing_timeout"
		case errors.Is(err, pairing.ErrPairingClosed):
			reason = "pairing_closed"
		}
		m.logError(opPairRoom, reason, err)
		return RoomPage{}, newServiceError(opPairRoom, reason, err)
	}

	record := RoomRecord{
		RoomID:        grant.RoomID,
		LogKey:        grant.LogKey,
		EncryptionKey: grant.EncryptionKey,
		JoinedAtSec:   m.clock().Unix(),
	}
	if err := m.db.WithContext(ctx).Create(&record).Error; err != nil {
		opened.close(m.logger)
		m.removeRoomData(grant.RoomID, opened.dir)
		m.logError(opPairRoom, "registry_insert_failed", err, zap.String("room_id", grant.RoomID))
		return RoomPage{}, newServiceError(opPairRoom, "registry_insert_failed", err)
	}
	if err := m.register(opened); err != nil {
		return RoomPage{}, newServiceError(opPairRoom, "manager_closed", err)
	}
	m.logger.Info("room paired", zap.String("room_id", grant.RoomID))
	return m.JoinRoom(ctx, grant.RoomID)
}

// LeaveRoom closes the replica and deletes everything this device stored
// for the room.
func (m *Manager) LeaveRoom(ctx context.Context, roomID string) error {
	opened, err := m.lookup(opLeaveRoom, roomID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.rooms, roomID)
	m.mu.Unlock()

	opened.close(m.logger)
	if err := m.db.WithContext(ctx).Where("room_id = ?", roomID).Delete(&RoomRecord{}).Error; err != nil {
		m.logError(opLeaveRoom, "registry_delete_failed", err, zap.String("room_id", roomID))
		return newServiceError(opLeaveRoom, "registry_delete_failed", err)
	}
	m.removeRoomData(roomID, opened.dir)
	m.logger.Info("room left", zap.String("room_id", roomID))
	return nil
}

// GenerateInvite returns the room's shareable invite code, minting one if
// the room has none yet.
func (m *Manager) GenerateInvite(ctx context.Context, roomID string) (string, error) {
	opened, err := m.lookup(opGenerateInvite, roomID)
	if err != nil {
		return "", err
	}
	code, err := opened.member.CreateInvite(ctx)
	if err != nil {
		m.logError(opGenerateInvite, "invite_failed", err, zap.String("room_id", roomID))
		return "", newServiceError(opGenerateInvite, "invite_failed", err)
	}
	return code.String(), nil
}

func (m *Manager) forget(ctx context.Context, roomID string) {
	if err := m.db.WithContext(context.WithoutCancel(ctx)).Where("room_id = ?", roomID).Delete(&RoomRecord{}).Error; err != nil {
		m.logError(opCreateRoom, "registry_cleanup_failed", err, zap.String("room_id", roomID))
	}
	m.removeRoomData(roomID, m.roomDir(roomID))
}

func (m *Manager) removeRoomData(roomID, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("room data not removed", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("rooms service error", attrs...)
}
