package identity

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/peerchat/internal/database"
	"gorm.io/gorm"
)

func openIdentityDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "root.db"), nil, database.Schema{Models: Models()})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	testContext.Cleanup(func() { _ = database.Close(db) })
	return db
}

func TestDeviceIsStableAcrossServices(testContext *testing.T) {
	db := openIdentityDatabase(testContext)
	clock := func() time.Time { return time.Unix(1, 0) }

	first, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	device, err := first.Device(context.Background(), " laptop ")
	if err != nil {
		testContext.Fatalf("device failed: %v", err)
	}
	if device.Name() != "laptop" {
		testContext.Fatalf("expected normalized name, got %q", device.Name())
	}

	second, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		testContext.Fatalf("failed to create second service: %v", err)
	}
	reloaded, err := second.Device(context.Background(), "laptop")
	if err != nil {
		testContext.Fatalf("reload failed: %v", err)
	}
	if !bytes.Equal(device.PublicKey(), reloaded.PublicKey()) {
		testContext.Fatalf("expected the stored keypair to be reused")
	}

	signature := reloaded.Sign([]byte("payload"))
	if len(signature) == 0 {
		testContext.Fatalf("expected a signature")
	}
}

func TestDeviceRejectsEmptyName(testContext *testing.T) {
	service, err := NewService(ServiceConfig{Database: openIdentityDatabase(testContext)})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	if _, err := service.Device(context.Background(), "  "); err != ErrInvalidDeviceName {
		testContext.Fatalf("expected ErrInvalidDeviceName, got %v", err)
	}
}

func TestSetDisplayName(testContext *testing.T) {
	service, err := NewService(ServiceConfig{Database: openIdentityDatabase(testContext)})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	if err := service.SetDisplayName(context.Background(), DefaultDeviceName, " Alice "); err != nil {
		testContext.Fatalf("set display name failed: %v", err)
	}
	device, err := service.Device(context.Background(), DefaultDeviceName)
	if err != nil {
		testContext.Fatalf("device failed: %v", err)
	}
	if device.DisplayName() != "Alice" {
		testContext.Fatalf("expected display name Alice, got %q", device.DisplayName())
	}
}
