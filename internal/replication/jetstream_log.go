// Package replication provides the networked room log. A JetStream stream
// per room supplies the single total order every replica applies.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/peerchat/internal/replica"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	streamPrefix  = "PEERCHAT_ROOM_"
	subjectPrefix = "peerchat.rooms"
)

var errMissingRoomID = errors.New("replication: room id is required")

// StreamName returns the JetStream stream holding roomID's log.
func StreamName(roomID string) string {
	return streamPrefix + sanitize(roomID)
}

// Subject returns the subject entries of roomID are published on.
func Subject(roomID string) string {
	return subjectPrefix + "." + sanitize(roomID) + ".log"
}

func sanitize(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, value)
}

type wireEntry struct {
	Writer    []byte `json:"writer"`
	Nonce     []byte `json:"nonce"`
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
}

// JetStreamLog implements replica.Log on a JetStream stream.
type JetStreamLog struct {
	js      jetstream.JetStream
	stream  jetstream.Stream
	subject string
	logger  *zap.Logger
}

// OpenJetStreamLog creates the room stream when missing and returns a log
// bound to it.
func OpenJetStreamLog(ctx context.Context, js jetstream.JetStream, roomID string, logger *zap.Logger) (*JetStreamLog, error) {
	if roomID == "" {
		return nil, errMissingRoomID
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	subject := Subject(roomID)
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName(roomID),
		Description: "peerchat room log " + roomID,
		Subjects:    []string{subject},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("create room stream: %w", err)
	}
	logger.Debug("room stream ready",
		zap.String("room_id", roomID),
		zap.String("stream", StreamName(roomID)))
	return &JetStreamLog{js: js, stream: stream, subject: subject, logger: logger}, nil
}

// Append publishes entry and returns the stream sequence it landed at.
// A retried publish of the same entry is deduplicated by its hash; separate
// appends of an identical command differ in their nonce and both land.
func (l *JetStreamLog) Append(ctx context.Context, entry replica.LogEntry) (uint64, error) {
	data, err := json.Marshal(wireEntry{
		Writer:    entry.Writer,
		Nonce:     entry.Nonce,
		Payload:   entry.Payload,
		Signature: entry.Signature,
	})
	if err != nil {
		return 0, err
	}
	ack, err := l.js.Publish(ctx, l.subject, data, jetstream.WithMsgID(entry.Hash()))
	if err != nil {
		return 0, fmt.Errorf("publish log entry: %w", err)
	}
	return ack.Sequence, nil
}

// Subscribe runs an ordered consumer starting after the given sequence.
func (l *JetStreamLog) Subscribe(ctx context.Context, after uint64, deliver func([]replica.LogEntry)) (func(), error) {
	config := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{l.subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if after > 0 {
		config.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		config.OptStartSeq = after + 1
	}
	consumer, err := l.stream.OrderedConsumer(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer: %w", err)
	}
	consumeContext, err := consumer.Consume(func(msg jetstream.Msg) {
		metadata, err := msg.Metadata()
		if err != nil {
			l.logger.Warn("log message without metadata", zap.Error(err))
			return
		}
		var wire wireEntry
		if err := json.Unmarshal(msg.Data(), &wire); err != nil {
			l.logger.Warn("skipping undecodable log message",
				zap.Uint64("seq", metadata.Sequence.Stream),
				zap.Error(err))
			return
		}
		deliver([]replica.LogEntry{{
			Seq:       metadata.Sequence.Stream,
			Writer:    wire.Writer,
			Nonce:     wire.Nonce,
			Payload:   wire.Payload,
			Signature: wire.Signature,
		}})
	})
	if err != nil {
		return nil, fmt.Errorf("consume room log: %w", err)
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			consumeContext.Stop()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return stop, nil
}
