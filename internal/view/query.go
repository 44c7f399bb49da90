package view

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/MarcoPoloResearchLab/peerchat/internal/commands"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultLimit is one page of fifty plus an overflow sentinel.
	DefaultLimit   = 51
	queryBatchSize = 64
)

// Query selects a window of messages. The timestamp bounds are combined into
// a single range predicate. Limit zero means no cap.
type Query struct {
	Limit   int
	Reverse bool
	Lt      *int64
	Lte     *int64
	Gt      *int64
	Gte     *int64
}

// NewQuery returns the default chat history query: newest first, one page.
func NewQuery() Query {
	return Query{Limit: DefaultLimit, Reverse: true}
}

// Before returns a copy of q bounded to messages strictly older than timestamp.
func (q Query) Before(timestamp int64) Query {
	q.Lt = &timestamp
	return q
}

// After returns a copy of q bounded to messages strictly newer than timestamp.
func (q Query) After(timestamp int64) Query {
	q.Gt = &timestamp
	return q
}

func (q Query) validate() error {
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrInvalidQuery, q.Limit)
	}
	return nil
}

func (q Query) scope(db *gorm.DB) *gorm.DB {
	if q.Lt != nil {
		db = db.Where("timestamp < ?", *q.Lt)
	}
	if q.Lte != nil {
		db = db.Where("timestamp <= ?", *q.Lte)
	}
	if q.Gt != nil {
		db = db.Where("timestamp > ?", *q.Gt)
	}
	if q.Gte != nil {
		db = db.Where("timestamp >= ?", *q.Gte)
	}
	if q.Reverse {
		return db.Order("timestamp DESC").Order("message_id DESC")
	}
	return db.Order("timestamp ASC").Order("message_id ASC")
}

// Messages lazily yields the messages matching q. Rows are read in batches
// keyed on the last (timestamp, id) seen, so the sequence can be stopped at
// any point and rows appended while iterating never shift a page.
func (s *Store) Messages(ctx context.Context, q Query) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		if err := q.validate(); err != nil {
			yield(Message{}, err)
			return
		}
		remaining := q.Limit
		var last *MessageRecord
		for {
			batch := queryBatchSize
			if q.Limit > 0 && remaining < batch {
				batch = remaining
			}
			if batch == 0 {
				return
			}

			statement := q.scope(s.db.WithContext(ctx).Model(&MessageRecord{}))
			if last != nil {
				if q.Reverse {
					statement = statement.Where("((timestamp < ?) OR (timestamp = ? AND message_id < ?))", last.Timestamp, last.Timestamp, last.MessageID)
				} else {
					statement = statement.Where("((timestamp > ?) OR (timestamp = ? AND message_id > ?))", last.Timestamp, last.Timestamp, last.MessageID)
				}
			}

			var records []MessageRecord
			if err := statement.Limit(batch).Find(&records).Error; err != nil {
				yield(Message{}, err)
				return
			}
			for index := range records {
				if !yield(s.toMessage(records[index]), nil) {
					return
				}
			}
			if len(records) < batch {
				return
			}
			last = &records[len(records)-1]
			if q.Limit > 0 {
				remaining -= len(records)
			}
		}
	}
}

// GetMessages collects Messages into a slice.
func (s *Store) GetMessages(ctx context.Context, q Query) ([]Message, error) {
	messages := []Message{}
	for message, err := range s.Messages(ctx, q) {
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (s *Store) toMessage(record MessageRecord) Message {
	return Message{
		ID:             record.MessageID,
		Content:        record.Content,
		Sender:         record.Sender,
		Timestamp:      record.Timestamp,
		System:         record.System,
		HasAttachments: record.HasAttachments,
		Attachments:    s.decodeAttachments(record),
	}
}

// decodeAttachments drops whatever cannot be parsed instead of failing the
// page: a corrupt list yields no attachments, a corrupt element is skipped.
func (s *Store) decodeAttachments(record MessageRecord) []commands.Attachment {
	attachments := []commands.Attachment{}
	if record.AttachmentsJSON == "" {
		return attachments
	}
	var elements []json.RawMessage
	if err := json.Unmarshal([]byte(record.AttachmentsJSON), &elements); err != nil {
		s.logger.Warn("skipping corrupt attachment list",
			zap.String("message_id", record.MessageID),
			zap.Error(err),
		)
		return attachments
	}
	for index, element := range elements {
		var attachment commands.Attachment
		if err := json.Unmarshal(element, &attachment); err != nil {
			s.logger.Warn("skipping corrupt attachment",
				zap.String("message_id", record.MessageID),
				zap.Int("index", index),
				zap.Error(err),
			)
			continue
		}
		attachments = append(attachments, attachment)
	}
	return attachments
}
