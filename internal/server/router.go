package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/peerchat/internal/events"
	"github.com/MarcoPoloResearchLab/peerchat/internal/metrics"
	"github.com/MarcoPoloResearchLab/peerchat/internal/rooms"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	clientIDContextKey       = "peerchat_client_id"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingRoomService   = errors.New("room service dependency required")
	errMissingEventSource   = errors.New("event source dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// RoomService executes UI commands.
type RoomService interface {
	Dispatch(ctx context.Context, request rooms.Request) events.Event
}

// EventSource streams events to subscribers.
type EventSource interface {
	Subscribe(ctx context.Context, roomID string) (<-chan events.Event, func())
}

// TokenManager validates bearer tokens and returns their subject.
type TokenManager interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Rooms             RoomService
	Events            EventSource
	TokenManager      TokenManager
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Rooms == nil {
		return nil, errMissingRoomService
	}
	if deps.Events == nil {
		return nil, errMissingEventSource
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(metrics.HTTPMetricsMiddleware())

	handler := &httpHandler{
		rooms:     deps.Rooms,
		events:    deps.Events,
		tokens:    deps.TokenManager,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.POST("/rpc", handler.handleRPC)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	rooms     RoomService
	events    EventSource
	tokens    TokenManager
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleRPC runs one request. Failures of the operation itself are reported
// inside the event; only an unreadable body is a transport error.
func (h *httpHandler) handleRPC(c *gin.Context) {
	var request rooms.Request
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Type) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	event := h.rooms.Dispatch(c.Request.Context(), request)
	if !event.OK && !event.Cancelled {
		h.logger.Debug("request failed",
			zap.String("client_id", c.GetString(clientIDContextKey)),
			zap.String("type", request.Type),
			zap.String("code", event.Code))
	}
	c.JSON(http.StatusOK, event)
}

// handleEvents streams events as server-sent events. The optional room
// query narrows the stream to one room.
func (h *httpHandler) handleEvents(c *gin.Context) {
	roomID := strings.TrimSpace(c.Query("room"))
	stream, cleanup := h.events.Subscribe(c.Request.Context(), roomID)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	h.logger.Debug("event stream opened",
		zap.String("client_id", c.GetString(clientIDContextKey)),
		zap.String("room_id", roomID))

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(events.TypeHeartbeat, events.Event{Type: events.TypeHeartbeat, OK: true, Timestamp: tick.UTC()})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(clientIDContextKey, subject)
	c.Next()
}
