// Package replica folds the room log into the projected view. Every replica
// applies the same entries in the same order and converges on the same view.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/peerchat/internal/commands"
	"github.com/MarcoPoloResearchLab/peerchat/internal/metrics"
	"github.com/MarcoPoloResearchLab/peerchat/internal/view"
	"go.uber.org/zap"
)

const (
	opApply      = "replica.apply"
	opIngest     = "replica.ingest"
	opRebuild    = "replica.rebuild"
	rebuildBatch = 512
)

var (
	errMissingLog      = errors.New("replica: log is required")
	errMissingLogStore = errors.New("replica: log store is required")
	errMissingView     = errors.New("replica: view store is required")
	errMissingSigner   = errors.New("replica: signer is required")
	errMissingRoomID   = errors.New("replica: room id is required")
)

// ViewUpdate describes one committed apply batch.
type ViewUpdate struct {
	RoomID  string
	Cursor  uint64
	Applied int
	Skipped int
}

// EngineConfig wires an Engine to its collaborators.
type EngineConfig struct {
	RoomID   string
	Log      Log
	LogStore *LogStore
	View     *view.Store
	Signer   Signer
	Logger   *zap.Logger
}

// Engine owns one room replica: it appends local commands to the log and
// applies every delivered entry to the view.
type Engine struct {
	roomID   string
	log      Log
	logStore *LogStore
	view     *view.Store
	signer   Signer
	logger   *zap.Logger
	router   *commands.Router[*view.Tx]

	applyMu sync.Mutex

	stateMu sync.Mutex
	applied uint64
	updated chan struct{}
	done    chan struct{}
	stop    func()
	runCtx  context.Context
	cancel  context.CancelFunc

	listenersMu      sync.RWMutex
	nextListenerID   uint64
	updateListeners  map[uint64]func(ViewUpdate)
	messageListeners map[uint64]func(view.Message)
}

// NewEngine validates cfg and returns an engine that is not yet following the log.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	switch {
	case cfg.RoomID == "":
		return nil, errMissingRoomID
	case cfg.Log == nil:
		return nil, errMissingLog
	case cfg.LogStore == nil:
		return nil, errMissingLogStore
	case cfg.View == nil:
		return nil, errMissingView
	case cfg.Signer == nil:
		return nil, errMissingSigner
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("room_id", cfg.RoomID))
	return &Engine{
		roomID:           cfg.RoomID,
		log:              cfg.Log,
		logStore:         cfg.LogStore,
		view:             cfg.View,
		signer:           cfg.Signer,
		logger:           logger,
		router:           newRouter(logger),
		updated:          make(chan struct{}),
		done:             make(chan struct{}),
		updateListeners:  make(map[uint64]func(ViewUpdate)),
		messageListeners: make(map[uint64]func(view.Message)),
	}, nil
}

// RoomID returns the room this engine replicates.
func (e *Engine) RoomID() string {
	return e.roomID
}

// View exposes the read side of the projection.
func (e *Engine) View() *view.Store {
	return e.view
}

// LocalKey returns the writer key of this device.
func (e *Engine) LocalKey() []byte {
	return append([]byte(nil), e.signer.PublicKey()...)
}

// Start folds any stored entries the view has not seen yet and then follows
// the log. It returns once the subscription is established.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.catchUp(ctx); err != nil {
		return err
	}
	after, err := e.logStore.LastSeq(ctx)
	if err != nil {
		return err
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.stop != nil {
		return nil
	}
	select {
	case <-e.done:
		return ErrEngineClosed
	default:
	}
	e.runCtx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	stop, err := e.log.Subscribe(e.runCtx, after, e.ingest)
	if err != nil {
		e.cancel()
		return fmt.Errorf("subscribe to room log: %w", err)
	}
	e.stop = stop
	return nil
}

// Close stops following the log and releases waiters.
func (e *Engine) Close() {
	e.stateMu.Lock()
	stop := e.stop
	cancel := e.cancel
	select {
	case <-e.done:
		e.stateMu.Unlock()
		return
	default:
		close(e.done)
	}
	e.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stop != nil {
		stop()
	}
}

// Append encodes cmd, signs it with the device key and hands it to the log.
// It waits until the device is in the writer set first.
func (e *Engine) Append(ctx context.Context, cmd commands.Command) (uint64, error) {
	if err := e.WaitWritable(ctx); err != nil {
		return 0, err
	}
	return e.appendEntry(ctx, cmd)
}

// Bootstrap seeds a freshly created room: the creator admits its own key and
// writes the first metadata record without waiting to be a writer.
func (e *Engine) Bootstrap(ctx context.Context, room commands.RoomPayload) error {
	if _, err := e.appendEntry(ctx, commands.AddWriter{Key: e.LocalKey()}); err != nil {
		return err
	}
	seq, err := e.appendEntry(ctx, commands.SetMetadata{Room: room})
	if err != nil {
		return err
	}
	return e.WaitApplied(ctx, seq)
}

func (e *Engine) appendEntry(ctx context.Context, cmd commands.Command) (uint64, error) {
	payload, err := commands.Encode(cmd)
	if err != nil {
		return 0, err
	}
	entry := SignEntry(e.roomID, e.signer, payload)
	return e.log.Append(ctx, entry)
}

// WaitWritable blocks until the local key is in the writer set.
func (e *Engine) WaitWritable(ctx context.Context) error {
	err := e.waitUntil(ctx, func() (bool, error) {
		return e.view.IsWriter(ctx, e.signer.PublicKey())
	})
	if err != nil && !errors.Is(err, ErrEngineClosed) && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrNotWritable, err)
	}
	return err
}

// WaitApplied blocks until the entry at seq is folded into the view and
// its listeners have run.
func (e *Engine) WaitApplied(ctx context.Context, seq uint64) error {
	return e.waitUntil(ctx, func() (bool, error) {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		return e.applied >= seq, nil
	})
}

func (e *Engine) markApplied(cursor uint64) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if cursor > e.applied {
		e.applied = cursor
	}
	close(e.updated)
	e.updated = make(chan struct{})
}

func (e *Engine) waitUntil(ctx context.Context, check func() (bool, error)) error {
	for {
		e.stateMu.Lock()
		updated := e.updated
		e.stateMu.Unlock()

		ok, err := check()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-e.done:
			return ErrEngineClosed
		case <-updated:
		}
	}
}

// OnUpdate registers fn to run after every committed apply batch.
func (e *Engine) OnUpdate(fn func(ViewUpdate)) func() {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.nextListenerID++
	id := e.nextListenerID
	e.updateListeners[id] = fn
	return func() {
		e.listenersMu.Lock()
		defer e.listenersMu.Unlock()
		delete(e.updateListeners, id)
	}
}

// OnNewMessage registers fn to run for every applied send-message entry.
func (e *Engine) OnNewMessage(fn func(view.Message)) func() {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.nextListenerID++
	id := e.nextListenerID
	e.messageListeners[id] = fn
	return func() {
		e.listenersMu.Lock()
		defer e.listenersMu.Unlock()
		delete(e.messageListeners, id)
	}
}

func (e *Engine) ingest(entries []LogEntry) {
	ctx := e.runCtx
	if _, err := e.logStore.Put(ctx, entries); err != nil {
		e.logError(opIngest, "log_store_failed", err, zap.Int("entries", len(entries)))
		return
	}
	if err := e.Apply(ctx, entries); err != nil {
		e.logError(opIngest, "apply_failed", err, zap.Int("entries", len(entries)))
	}
}

// Apply folds entries into the view in order. Entries that fail to verify,
// decode or apply are skipped and logged; only a failed commit is returned.
// Entries at or below the view cursor were already applied and are ignored.
func (e *Engine) Apply(ctx context.Context, entries []LogEntry) error {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	return e.applyLocked(ctx, entries)
}

func (e *Engine) applyLocked(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	cursor, err := e.view.Cursor(ctx)
	if err != nil {
		return err
	}

	update := ViewUpdate{RoomID: e.roomID, Cursor: cursor}
	var newMessages []view.Message
	err = e.view.Update(ctx, func(tx *view.Tx) error {
		for _, entry := range entries {
			if entry.Seq <= update.Cursor {
				continue
			}
			update.Cursor = entry.Seq
			if message, ok := e.applyEntry(ctx, tx, entry); ok {
				update.Applied++
				if message != nil {
					newMessages = append(newMessages, *message)
				}
			} else {
				update.Skipped++
			}
		}
		return tx.SetCursor(update.Cursor)
	})
	if err != nil {
		e.logError(opApply, "commit_failed", err, zap.Int("entries", len(entries)))
		return err
	}

	metrics.IncLogEntries(metrics.OutcomeApplied, update.Applied)
	metrics.IncLogEntries(metrics.OutcomeSkipped, update.Skipped)

	e.notify(update, newMessages)
	e.markApplied(update.Cursor)
	return nil
}

// applyEntry applies one entry under its own savepoint. The returned message
// is set for send-message entries.
func (e *Engine) applyEntry(ctx context.Context, tx *view.Tx, entry LogEntry) (*view.Message, bool) {
	if err := VerifyEntry(e.roomID, entry); err != nil {
		e.logError(opApply, "invalid_signature", err, zap.Uint64("seq", entry.Seq))
		return nil, false
	}
	tx.SetSeq(entry.Seq)

	var applied commands.Command
	err := tx.Nested(func(inner *view.Tx) error {
		cmd, dispatchErr := e.router.Dispatch(ctx, entry.Payload, inner)
		applied = cmd
		return dispatchErr
	})
	if err != nil {
		reason := "apply_failed"
		switch {
		case errors.Is(err, commands.ErrUnknownCommand):
			reason = "unknown_command"
		case errors.Is(err, commands.ErrCorruptPayload):
			reason = "corrupt_payload"
		}
		e.logError(opApply, reason, err, zap.Uint64("seq", entry.Seq))
		return nil, false
	}
	if _, ok := applied.(commands.SendMessage); !ok {
		return nil, true
	}

	payload, _, err := commands.DecodeMessage(entry.Payload)
	if err != nil {
		e.logError(opApply, "new_message_decode_failed", err, zap.Uint64("seq", entry.Seq))
		return nil, true
	}
	return &view.Message{
		ID:             payload.ID,
		Content:        payload.Content,
		Sender:         payload.Sender,
		Timestamp:      payload.Timestamp,
		System:         payload.System,
		HasAttachments: payload.HasAttachments,
		Attachments:    payload.Attachments,
	}, true
}

func (e *Engine) notify(update ViewUpdate, messages []view.Message) {
	e.listenersMu.RLock()
	updateListeners := make([]func(ViewUpdate), 0, len(e.updateListeners))
	for _, listener := range e.updateListeners {
		updateListeners = append(updateListeners, listener)
	}
	messageListeners := make([]func(view.Message), 0, len(e.messageListeners))
	for _, listener := range e.messageListeners {
		messageListeners = append(messageListeners, listener)
	}
	e.listenersMu.RUnlock()

	for _, message := range messages {
		for _, listener := range messageListeners {
			e.safeCall(func() { listener(message) })
		}
	}
	for _, listener := range updateListeners {
		e.safeCall(func() { listener(update) })
	}
}

func (e *Engine) safeCall(fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			e.logError(opApply, "listener_panicked", fmt.Errorf("%v", recovered))
		}
	}()
	fn()
}

func (e *Engine) catchUp(ctx context.Context) error {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	cursor, err := e.view.Cursor(ctx)
	if err != nil {
		return err
	}
	e.markApplied(cursor)
	return e.replayLocked(ctx, cursor)
}

// Rebuild drops the view and replays the whole stored log into it.
func (e *Engine) Rebuild(ctx context.Context) error {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	if err := e.view.Reset(ctx); err != nil {
		e.logError(opRebuild, "reset_failed", err)
		return err
	}
	return e.replayLocked(ctx, 0)
}

func (e *Engine) replayLocked(ctx context.Context, after uint64) error {
	for {
		entries, err := e.logStore.Range(ctx, after, rebuildBatch)
		if err != nil {
			e.logError(opRebuild, "range_failed", err, zap.Uint64("after", after))
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		if err := e.applyLocked(ctx, entries); err != nil {
			return err
		}
		after = entries[len(entries)-1].Seq
	}
}

// Snapshot returns the canonical JSON dump of the view.
func (e *Engine) Snapshot(ctx context.Context) ([]byte, error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	return e.view.SnapshotJSON(ctx)
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("replica error", attrs...)
}
