package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/peerchat/internal/events"
	"github.com/MarcoPoloResearchLab/peerchat/internal/rooms"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubTokenManager struct {
	subject     string
	validateErr error
}

func (s stubTokenManager) ValidateToken(string) (string, error) {
	if s.validateErr != nil {
		return "", s.validateErr
	}
	return s.subject, nil
}

type stubRoomService struct {
	requests []rooms.Request
	event    events.Event
}

func (s *stubRoomService) Dispatch(_ context.Context, request rooms.Request) events.Event {
	s.requests = append(s.requests, request)
	event := s.event
	event.RequestID = request.RequestID
	event.Type = request.Type
	return event
}

type stubEventSource struct {
	roomID string
	queued []events.Event
}

func (s *stubEventSource) Subscribe(_ context.Context, roomID string) (<-chan events.Event, func()) {
	s.roomID = roomID
	stream := make(chan events.Event, len(s.queued))
	for _, event := range s.queued {
		stream <- event
	}
	close(stream)
	return stream, func() {}
}

func newTestHandler(t *testing.T, service RoomService, source EventSource, tokens TokenManager) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Rooms:        service,
		Events:       source,
		TokenManager: tokens,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingRoomService) {
		t.Fatalf("expected missing room service error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Rooms: &stubRoomService{}}); !errors.Is(err, errMissingEventSource) {
		t.Fatalf("expected missing event source error, got %v", err)
	}
	_, err := NewHTTPHandler(Dependencies{Rooms: &stubRoomService{}, Events: &stubEventSource{}})
	if !errors.Is(err, errMissingTokenManager) {
		t.Fatalf("expected missing token manager error, got %v", err)
	}
}

func TestRPCRequiresBearerToken(t *testing.T) {
	service := &stubRoomService{}
	handler := newTestHandler(t, service, &stubEventSource{}, stubTokenManager{subject: "cli"})

	request := httptest.NewRequest(http.MethodPost, "/api/rpc", strings.NewReader(`{"type":"get-rooms"}`))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, recorder.Code)
	}
	if len(service.requests) != 0 {
		t.Fatalf("expected no dispatched requests, got %d", len(service.requests))
	}
}

func TestRPCDispatchesRequest(t *testing.T) {
	service := &stubRoomService{event: events.Event{Final: true, OK: true, Data: map[string]string{"invite": "abc"}}}
	handler := newTestHandler(t, service, &stubEventSource{}, stubTokenManager{subject: "cli"})

	body := `{"requestId":"req-1","type":"generate-invite","roomId":"room-1"}`
	request := httptest.NewRequest(http.MethodPost, "/api/rpc", strings.NewReader(body))
	request.Header.Set("Authorization", "Bearer token")
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, recorder.Code, recorder.Body.String())
	}
	if len(service.requests) != 1 {
		t.Fatalf("expected one dispatched request, got %d", len(service.requests))
	}
	if service.requests[0].RoomID != "room-1" || service.requests[0].Type != rooms.RequestGenerateInvite {
		t.Fatalf("unexpected dispatched request %+v", service.requests[0])
	}

	var event events.Event
	if err := json.Unmarshal(recorder.Body.Bytes(), &event); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !event.OK || !event.Final || event.RequestID != "req-1" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestRPCRejectsMissingType(t *testing.T) {
	service := &stubRoomService{}
	handler := newTestHandler(t, service, &stubEventSource{}, stubTokenManager{subject: "cli"})

	request := httptest.NewRequest(http.MethodPost, "/api/rpc", strings.NewReader(`{"roomId":"room-1"}`))
	request.Header.Set("Authorization", "Bearer token")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, recorder.Code)
	}
	if len(service.requests) != 0 {
		t.Fatalf("expected no dispatched requests")
	}
}

func TestEventsStreamsServerSentEvents(t *testing.T) {
	source := &stubEventSource{queued: []events.Event{
		{Type: events.TypeNewMessage, RoomID: "room-1", OK: true},
		{Type: events.TypeDownloadProgress, RoomID: "room-1", OK: true, Data: events.Progress{AttachmentID: "blob", Progress: 50}},
	}}
	handler := newTestHandler(t, &stubRoomService{}, source, stubTokenManager{subject: "cli"})

	request := httptest.NewRequest(http.MethodGet, "/api/events?room=room-1", http.NoBody)
	request.Header.Set("Authorization", "Bearer token")
	recorder := createTestResponseRecorder()
	handler.ServeHTTP(recorder, request)

	if source.roomID != "room-1" {
		t.Fatalf("expected subscription to room-1, got %q", source.roomID)
	}
	if contentType := recorder.Header().Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("expected event stream content type, got %q", contentType)
	}
	body := recorder.Body.String()
	if !strings.Contains(body, "event:new-message") {
		t.Fatalf("expected new-message event in stream, got %q", body)
	}
	if !strings.Contains(body, "event:download-progress") || !strings.Contains(body, `"progress":50`) {
		t.Fatalf("expected progress event in stream, got %q", body)
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	handler := newTestHandler(t, &stubRoomService{}, &stubEventSource{}, stubTokenManager{validateErr: errors.New("never called")})

	for _, path := range []string{"/healthz", "/metrics"} {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, http.NoBody))
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected %s to answer %d, got %d", path, http.StatusOK, recorder.Code)
		}
	}
}

func TestCORSMiddlewareAllowsAuthorizationHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware())
	router.OPTIONS("/api/rpc", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/api/rpc", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "authorization") {
		t.Fatalf("expected Access-Control-Allow-Headers to include Authorization, got %q", allowHeaders)
	}
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodPost, "/api/rpc", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: jwt.ErrTokenExpired},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodPost, "/api/rpc", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: errors.New("signature mismatch")},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
	if entries[0].Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

// testResponseRecorder mirrors gin's unexported test helper: a recorder that
// implements http.CloseNotifier so streaming handlers can run against it.
type testResponseRecorder struct {
	*httptest.ResponseRecorder
	closeChannel chan bool
}

func (r *testResponseRecorder) CloseNotify() <-chan bool {
	return r.closeChannel
}

func createTestResponseRecorder() *testResponseRecorder {
	return &testResponseRecorder{
		httptest.NewRecorder(),
		make(chan bool, 1),
	}
}
