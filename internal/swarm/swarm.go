// Package swarm is the rendezvous network replicas use to find each other
// and exchange requests. Topics are scoped subjects on a NATS connection.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	subjectPrefix   = "peerchat.swarm"
	verbPing        = "ping"
	defaultSettle   = 250 * time.Millisecond
	reconnectWait   = time.Second
	maxReconnects   = 10
	pingReplyPrefix = "peer:"
)

var (
	// ErrNoPeers indicates nobody answered on the topic before the deadline.
	ErrNoPeers = errors.New("swarm: no peers on topic")
	// ErrNoResponders indicates a request found no handler.
	ErrNoResponders = errors.New("swarm: no responders")
	// ErrDestroyed indicates the swarm connection was torn down.
	ErrDestroyed = errors.New("swarm: destroyed")
)

// Config describes one swarm connection.
type Config struct {
	URL    string
	Name   string
	Logger *zap.Logger
}

// Swarm is a connection to the rendezvous network.
type Swarm struct {
	conn   *nats.Conn
	peerID string
	logger *zap.Logger

	mu        sync.Mutex
	joined    map[string]*nats.Subscription
	handlers  []*nats.Subscription
	destroyed bool
}

// Dial connects to the network at cfg.URL.
func Dial(ctx context.Context, cfg Config) (*Swarm, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = "peerchat"
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to swarm: %w", err)
	}
	return &Swarm{
		conn:   conn,
		peerID: uuid.NewString(),
		logger: logger,
		joined: make(map[string]*nats.Subscription),
	}, nil
}

// Subject returns the subject used for verb on topic.
func Subject(topic, verb string) string {
	return strings.Join([]string{subjectPrefix, sanitizeToken(topic), verb}, ".")
}

func sanitizeToken(value string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, value)
}

// Conn exposes the underlying connection for JetStream use.
func (s *Swarm) Conn() *nats.Conn {
	return s.conn
}

// PeerID identifies this connection in presence replies.
func (s *Swarm) PeerID() string {
	return s.peerID
}

// Join announces presence on topic by answering its pings.
func (s *Swarm) Join(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	if _, ok := s.joined[topic]; ok {
		return nil
	}
	reply := []byte(pingReplyPrefix + s.peerID)
	subscription, err := s.conn.Subscribe(Subject(topic, verbPing), func(msg *nats.Msg) {
		if msg.Reply == "" || string(msg.Data) == s.peerID {
			return
		}
		if err := msg.Respond(reply); err != nil {
			s.logger.Debug("swarm ping reply failed", zap.String("topic", topic), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("join topic %s: %w", topic, err)
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		_ = subscription.Unsubscribe()
		return fmt.Errorf("join topic %s: %w", topic, err)
	}
	s.joined[topic] = subscription
	return nil
}

// Leave stops answering pings on topic.
func (s *Swarm) Leave(topic string) error {
	s.mu.Lock()
	subscription, ok := s.joined[topic]
	delete(s.joined, topic)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return subscription.Unsubscribe()
}

// WaitForPeers pings topic until at least one other peer answers or ctx
// ends. Each round collects answers for settle.
func (s *Swarm) WaitForPeers(ctx context.Context, topic string, settle time.Duration) (int, error) {
	if settle <= 0 {
		settle = defaultSettle
	}
	for {
		peers, err := s.pingRound(ctx, topic, settle)
		if err != nil {
			return 0, err
		}
		if peers > 0 {
			return peers, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrNoPeers, context.Cause(ctx))
		}
	}
}

func (s *Swarm) pingRound(ctx context.Context, topic string, settle time.Duration) (int, error) {
	inbox := s.conn.NewRespInbox()
	replies := make(chan *nats.Msg, 64)
	subscription, err := s.conn.ChanSubscribe(inbox, replies)
	if err != nil {
		return 0, err
	}
	defer subscription.Unsubscribe() //nolint:errcheck

	if err := s.conn.PublishRequest(Subject(topic, verbPing), inbox, []byte(s.peerID)); err != nil {
		return 0, err
	}

	seen := make(map[string]struct{})
	timer := time.NewTimer(settle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return len(seen), nil
		case <-timer.C:
			return len(seen), nil
		case msg := <-replies:
			peer := strings.TrimPrefix(string(msg.Data), pingReplyPrefix)
			if peer != s.peerID {
				seen[peer] = struct{}{}
			}
		}
	}
}

// Request sends data to subject and waits for one reply.
func (s *Swarm) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := s.conn.RequestWithContext(ctx, subject, data)
	if errors.Is(err, nats.ErrNoResponders) {
		return nil, ErrNoResponders
	}
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// HandlerFunc answers a request. Returning ok=false drops it without reply.
type HandlerFunc func(data []byte) (reply []byte, ok bool)

// Handle serves requests on subject until the returned stop is called or the
// swarm is destroyed.
func (s *Swarm) Handle(subject string, handler HandlerFunc) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, ErrDestroyed
	}
	subscription, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		reply, ok := handler(msg.Data)
		if !ok || msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			s.logger.Debug("swarm reply failed", zap.String("subject", subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("handle %s: %w", subject, err)
	}
	if err := s.conn.Flush(); err != nil {
		_ = subscription.Unsubscribe()
		return nil, fmt.Errorf("handle %s: %w", subject, err)
	}
	s.handlers = append(s.handlers, subscription)
	return func() { _ = subscription.Unsubscribe() }, nil
}

// Destroy leaves every topic and closes the connection. It is safe to call
// more than once.
func (s *Swarm) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	joined := s.joined
	handlers := s.handlers
	s.joined = make(map[string]*nats.Subscription)
	s.handlers = nil
	s.mu.Unlock()

	for _, subscription := range joined {
		_ = subscription.Unsubscribe()
	}
	for _, subscription := range handlers {
		_ = subscription.Unsubscribe()
	}
	s.conn.Close()
}
