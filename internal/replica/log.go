package replica

import (
	"context"
	"errors"
	"sync"
)

// ErrLogClosed indicates the log no longer accepts appends.
var ErrLogClosed = errors.New("replica: log closed")

// Log is the replicated-log collaborator. It assigns sequence numbers and
// delivers every entry to every subscriber in the same total order.
type Log interface {
	// Append adds entry to the log and returns the sequence it was given.
	Append(ctx context.Context, entry LogEntry) (uint64, error)
	// Subscribe delivers entries with a sequence above after, in order, from
	// a single goroutine until ctx ends or stop is called. deliver must not
	// call stop.
	Subscribe(ctx context.Context, after uint64, deliver func([]LogEntry)) (stop func(), err error)
}

// MemoryLog is a single-process Log. Engines sharing one MemoryLog behave
// like replicas of the same room.
type MemoryLog struct {
	mu      sync.Mutex
	entries []LogEntry
	changed chan struct{}
	closed  bool
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{changed: make(chan struct{})}
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, entry LogEntry) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrLogClosed
	}
	entry.Seq = uint64(len(l.entries)) + 1
	l.entries = append(l.entries, entry)
	close(l.changed)
	l.changed = make(chan struct{})
	return entry.Seq, nil
}

// Subscribe implements Log.
func (l *MemoryLog) Subscribe(ctx context.Context, after uint64, deliver func([]LogEntry)) (func(), error) {
	subscriptionCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		cursor := after
		for {
			l.mu.Lock()
			var batch []LogEntry
			if cursor < uint64(len(l.entries)) {
				batch = append([]LogEntry(nil), l.entries[cursor:]...)
			}
			changed := l.changed
			closed := l.closed
			l.mu.Unlock()

			if len(batch) > 0 {
				deliver(batch)
				cursor += uint64(len(batch))
				continue
			}
			if closed {
				return
			}
			select {
			case <-subscriptionCtx.Done():
				return
			case <-changed:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

// Entries returns a copy of every appended entry.
func (l *MemoryLog) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.entries...)
}

// Close rejects further appends and ends subscriptions once they drain.
func (l *MemoryLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.changed)
	l.changed = make(chan struct{})
}
