package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"gorm.io/gorm"
)

// DefaultDeviceName is the profile used when callers do not pick one.
const DefaultDeviceName = "default"

var (
	// ErrInvalidDeviceName indicates an empty profile name.
	ErrInvalidDeviceName = errors.New("identity: invalid device name")
	// ErrCorruptKey indicates a stored key that cannot be decoded.
	ErrCorruptKey = errors.New("identity: corrupt device key")
)

// Device is the local signing identity.
type Device struct {
	name        string
	displayName string
	private     ed25519.PrivateKey
}

// Name returns the device profile name.
func (d *Device) Name() string {
	return d.name
}

// DisplayName returns the name shown as message sender.
func (d *Device) DisplayName() string {
	return d.displayName
}

// PublicKey returns the device writer key.
func (d *Device) PublicKey() ed25519.PublicKey {
	return d.private.Public().(ed25519.PublicKey)
}

// Sign signs message with the device key.
func (d *Device) Sign(message []byte) []byte {
	return ed25519.Sign(d.private, message)
}

// ServiceConfig describes the dependencies required for device identities.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Random   io.Reader
}

// Service loads or mints device keypairs.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	random io.Reader
	cache  sync.Map
	mu     sync.Mutex
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("identity: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		random: random,
	}, nil
}

// Device returns the identity stored under name, creating a fresh keypair
// the first time the name is seen.
func (s *Service) Device(ctx context.Context, name string) (*Device, error) {
	name = normalize(name)
	if name == "" {
		return nil, ErrInvalidDeviceName
	}
	if cached, ok := s.cache.Load(name); ok {
		if device, ok := cached.(*Device); ok {
			return device, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var record DeviceRecord
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		_, private, genErr := ed25519.GenerateKey(s.random)
		if genErr != nil {
			return nil, genErr
		}
		record = DeviceRecord{
			Name:       name,
			PublicKey:  hex.EncodeToString(private.Public().(ed25519.PublicKey)),
			Seed:       hex.EncodeToString(private.Seed()),
			LastSeenAt: s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		_ = s.db.WithContext(ctx).Model(&DeviceRecord{}).
			Where("name = ?", name).
			Update("last_seen_at", s.now()).
			Error
	}

	device, err := record.toDevice()
	if err != nil {
		return nil, err
	}
	s.cache.Store(name, device)
	return device, nil
}

// SetDisplayName updates the sender name shown for this device.
func (s *Service) SetDisplayName(ctx context.Context, name, displayName string) error {
	device, err := s.Device(ctx, name)
	if err != nil {
		return err
	}
	displayName = normalize(displayName)
	if err := s.db.WithContext(ctx).Model(&DeviceRecord{}).
		Where("name = ?", device.name).
		Update("display_name", displayName).Error; err != nil {
		return err
	}
	s.cache.Store(device.name, &Device{name: device.name, displayName: displayName, private: device.private})
	return nil
}

func (record DeviceRecord) toDevice() (*Device, error) {
	seed, err := hex.DecodeString(record.Seed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: %s", ErrCorruptKey, record.Name)
	}
	private := ed25519.NewKeyFromSeed(seed)
	if hex.EncodeToString(private.Public().(ed25519.PublicKey)) != record.PublicKey {
		return nil, fmt.Errorf("%w: %s public key mismatch", ErrCorruptKey, record.Name)
	}
	return &Device{name: record.Name, displayName: record.DisplayName, private: private}, nil
}
