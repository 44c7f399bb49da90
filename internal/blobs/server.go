package blobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/MarcoPoloResearchLab/peerchat/internal/metrics"
	"github.com/MarcoPoloResearchLab/peerchat/internal/swarm"
	"go.uber.org/zap"
)

const (
	verbInfo         = "info"
	verbChunk        = "chunk"
	defaultChunkSize = 128 * 1024
	maxChunkSize     = 512 * 1024
)

var errMissingStore = errors.New("blobs: store is required")

type infoRequest struct {
	BlobID string `json:"blob_id"`
}

type infoReply struct {
	Found bool  `json:"found"`
	Size  int64 `json:"size"`
}

type chunkRequest struct {
	BlobID string `json:"blob_id"`
	Offset int64  `json:"offset"`
	Length int    `json:"length"`
}

type chunkReply struct {
	Data  []byte `json:"data"`
	EOF   bool   `json:"eof"`
	Error string `json:"error,omitempty"`
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Store  *Store
	Swarm  *swarm.Swarm
	Logger *zap.Logger
}

// Server answers peers fetching blobs from the local store.
type Server struct {
	store  *Store
	swarm  *swarm.Swarm
	logger *zap.Logger

	mu    sync.Mutex
	stops []func()
}

// NewServer validates cfg.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Swarm == nil {
		return nil, errMissingSwarm
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: cfg.Store, swarm: cfg.Swarm, logger: logger}, nil
}

// Start joins the core topic and begins answering info and chunk requests.
func (s *Server) Start(ctx context.Context) error {
	coreID := s.store.CoreID()
	if err := s.swarm.Join(ctx, coreID); err != nil {
		return err
	}
	stopInfo, err := s.swarm.Handle(swarm.Subject(coreID, verbInfo), s.handleInfo)
	if err != nil {
		_ = s.swarm.Leave(coreID)
		return err
	}
	stopChunk, err := s.swarm.Handle(swarm.Subject(coreID, verbChunk), s.handleChunk)
	if err != nil {
		stopInfo()
		_ = s.swarm.Leave(coreID)
		return err
	}
	s.mu.Lock()
	s.stops = append(s.stops, stopInfo, stopChunk, func() { _ = s.swarm.Leave(coreID) })
	s.mu.Unlock()
	s.logger.Debug("blob server started", zap.String("core_id", coreID))
	return nil
}

// Stop ends serving. The swarm connection stays open.
func (s *Server) Stop() {
	s.mu.Lock()
	stops := s.stops
	s.stops = nil
	s.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

func (s *Server) handleInfo(data []byte) ([]byte, bool) {
	var request infoRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, false
	}
	size, found := s.store.Has(request.BlobID)
	reply, err := json.Marshal(infoReply{Found: found, Size: size})
	if err != nil {
		return nil, false
	}
	return reply, true
}

func (s *Server) handleChunk(data []byte) ([]byte, bool) {
	var request chunkRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, false
	}
	reply := s.readChunk(request)
	encoded, err := json.Marshal(reply)
	if err != nil {
		return nil, false
	}
	metrics.AddStreamedBytes(len(reply.Data))
	return encoded, true
}

func (s *Server) readChunk(request chunkRequest) chunkReply {
	length := request.Length
	if length <= 0 || length > maxChunkSize {
		length = defaultChunkSize
	}
	if request.Offset < 0 {
		return chunkReply{Error: "negative offset"}
	}
	file, err := s.store.Open(request.BlobID)
	if err != nil {
		return chunkReply{Error: err.Error()}
	}
	defer file.Close()

	buffer := make([]byte, length)
	read, err := file.ReadAt(buffer, request.Offset)
	if errors.Is(err, io.EOF) {
		return chunkReply{Data: buffer[:read], EOF: true}
	}
	if err != nil {
		s.logger.Warn("blob chunk read failed",
			zap.String("blob_id", request.BlobID),
			zap.Int64("offset", request.Offset),
			zap.Error(err))
		return chunkReply{Error: "read failed"}
	}
	return chunkReply{Data: buffer[:read]}
}
