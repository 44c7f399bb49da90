package rooms

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/MarcoPoloResearchLab/peerchat/internal/abort"
	"github.com/MarcoPoloResearchLab/peerchat/internal/blobs"
	"github.com/MarcoPoloResearchLab/peerchat/internal/events"
	"github.com/MarcoPoloResearchLab/peerchat/internal/metrics"
	"github.com/MarcoPoloResearchLab/peerchat/internal/pairing"
	"github.com/MarcoPoloResearchLab/peerchat/internal/replica"
	"github.com/MarcoPoloResearchLab/peerchat/internal/replication"
	"github.com/MarcoPoloResearchLab/peerchat/internal/view"
	"go.uber.org/zap"
)

const (
	roomsDirName  = "rooms"
	logFileName   = "log.db"
	viewFileName  = "view.db"
	roomLogPrefix = "room"
)

// room is one open replica with the services attached to it.
type room struct {
	id         string
	dir        string
	engine     *replica.Engine
	logStore   *replica.LogStore
	view       *view.Store
	blobs      *blobs.Store
	transfer   *blobs.Transfer
	blobServer *blobs.Server
	member     *pairing.Member

	stopServe     context.CancelFunc
	serveDone     chan struct{}
	stopListeners []func()
	downloadsMu   sync.Mutex
	downloads     map[string]*abort.Controller
	counted       bool
	closeOnce     sync.Once
}

func (m *Manager) roomDir(roomID string) string {
	return filepath.Join(m.dataDir, roomsDirName, roomID)
}

// openRoom assembles the replica of record and starts following its log.
// Everything acquired is released again when a later step fails.
func (m *Manager) openRoom(ctx context.Context, record RoomRecord) (_ *room, err error) {
	logger := m.logger.With(zap.String("room_id", record.RoomID))
	opened := &room{
		id:        record.RoomID,
		dir:       m.roomDir(record.RoomID),
		downloads: make(map[string]*abort.Controller),
	}
	defer func() {
		if err != nil {
			opened.close(logger)
		}
	}()

	opened.logStore, err = replica.OpenLogStore(filepath.Join(opened.dir, logFileName), logger)
	if err != nil {
		return nil, err
	}
	opened.view, err = view.Open(filepath.Join(opened.dir, viewFileName), logger)
	if err != nil {
		return nil, err
	}
	log, err := replication.OpenJetStreamLog(ctx, m.js, record.RoomID, logger)
	if err != nil {
		return nil, err
	}
	opened.engine, err = replica.NewEngine(replica.EngineConfig{
		RoomID:   record.RoomID,
		Log:      log,
		LogStore: opened.logStore,
		View:     opened.view,
		Signer:   m.device,
		Logger:   logger.Named(roomLogPrefix),
	})
	if err != nil {
		return nil, err
	}
	opened.stopListeners = append(opened.stopListeners,
		opened.engine.OnNewMessage(func(message view.Message) {
			m.dispatcher.Publish(events.Event{
				Type:   events.TypeNewMessage,
				RoomID: record.RoomID,
				OK:     true,
				Data:   message,
			})
		}),
		opened.engine.OnUpdate(func(update replica.ViewUpdate) {
			m.dispatcher.Publish(events.Event{
				Type:   events.TypeRoomUpdated,
				RoomID: record.RoomID,
				OK:     true,
				Data:   update,
			})
		}),
	)
	if err = opened.engine.Start(ctx); err != nil {
		return nil, err
	}

	opened.blobs, err = blobs.OpenStore(opened.dir, record.RoomID, m.device.PublicKey())
	if err != nil {
		return nil, err
	}
	opened.transfer, err = blobs.NewTransfer(blobs.TransferConfig{
		Store:         opened.blobs,
		SwarmURL:      m.swarmURL,
		SettleTimeout: m.settleTimeout,
		Clock:         m.clock,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	opened.blobServer, err = blobs.NewServer(blobs.ServerConfig{Store: opened.blobs, Swarm: m.swarm, Logger: logger})
	if err != nil {
		return nil, err
	}
	if err = opened.blobServer.Start(ctx); err != nil {
		opened.blobServer = nil
		return nil, err
	}

	opened.member, err = pairing.NewMember(pairing.MemberConfig{
		Room:          opened.engine,
		Swarm:         m.swarm,
		LogKey:        record.LogKey,
		EncryptionKey: record.EncryptionKey,
		InviteTTL:     m.inviteTTL,
		Clock:         m.clock,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	serveCtx, stopServe := context.WithCancel(context.WithoutCancel(ctx))
	opened.stopServe = stopServe
	opened.serveDone = make(chan struct{})
	go func() {
		defer close(opened.serveDone)
		if serveErr := opened.member.Serve(serveCtx); serveErr != nil && !errors.Is(serveErr, context.Canceled) {
			logger.Warn("pairing service stopped", zap.Error(serveErr))
		}
	}()

	metrics.IncOpenRooms()
	opened.counted = true
	logger.Info("room opened")
	return opened, nil
}

// close tears the room down in reverse order. It is safe on partially
// opened rooms and on repeated calls.
func (r *room) close(logger *zap.Logger) {
	r.closeOnce.Do(func() {
		r.downloadsMu.Lock()
		for _, controller := range r.downloads {
			controller.Abort()
		}
		r.downloadsMu.Unlock()

		if r.stopServe != nil {
			r.stopServe()
			<-r.serveDone
		}
		if r.blobServer != nil {
			r.blobServer.Stop()
		}
		for _, stop := range r.stopListeners {
			stop()
		}
		if r.engine != nil {
			r.engine.Close()
		}
		if r.view != nil {
			if err := r.view.Close(); err != nil {
				logger.Warn("view store close failed", zap.Error(err))
			}
		}
		if r.logStore != nil {
			if err := r.logStore.Close(); err != nil {
				logger.Warn("log store close failed", zap.Error(err))
			}
		}
		if r.counted {
			metrics.DecOpenRooms()
		}
	})
}

func (r *room) trackDownload(attachmentID string) (*abort.Controller, func(), error) {
	r.downloadsMu.Lock()
	defer r.downloadsMu.Unlock()
	if _, ok := r.downloads[attachmentID]; ok {
		return nil, nil, ErrDownloadInProgress
	}
	controller := abort.NewController()
	r.downloads[attachmentID] = controller
	return controller, func() {
		r.downloadsMu.Lock()
		defer r.downloadsMu.Unlock()
		if r.downloads[attachmentID] == controller {
			delete(r.downloads, attachmentID)
		}
	}, nil
}

func (r *room) cancelDownload(attachmentID string) bool {
	r.downloadsMu.Lock()
	controller, ok := r.downloads[attachmentID]
	r.downloadsMu.Unlock()
	if !ok {
		return false
	}
	controller.Abort()
	return true
}
