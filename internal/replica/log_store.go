package replica

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/MarcoPoloResearchLab/peerchat/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LogRecord persists one observed log entry.
type LogRecord struct {
	Seq               uint64 `gorm:"column:seq;primaryKey;autoIncrement:false"`
	Writer            string `gorm:"column:writer;size:128;not null;index"`
	Nonce             []byte `gorm:"column:nonce"`
	Payload           []byte `gorm:"column:payload;not null"`
	Signature         []byte `gorm:"column:signature;not null"`
	EntryHash         string `gorm:"column:entry_hash;size:64;not null"`
	ReceivedAtSeconds int64  `gorm:"column:received_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LogRecord) TableName() string {
	return "room_log_entries"
}

func (record LogRecord) toEntry() (LogEntry, error) {
	writer, err := hex.DecodeString(record.Writer)
	if err != nil {
		return LogEntry{}, err
	}
	return LogEntry{
		Seq:       record.Seq,
		Writer:    writer,
		Nonce:     record.Nonce,
		Payload:   record.Payload,
		Signature: record.Signature,
	}, nil
}

// LogStore keeps every entry this replica has observed, keyed by sequence.
// It is the source the view is rebuilt from.
type LogStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// OpenLogStore opens (or creates) the log database at path.
func OpenLogStore(path string, logger *zap.Logger) (*LogStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := database.OpenSQLite(path, logger, database.Schema{Models: []any{&LogRecord{}}})
	if err != nil {
		return nil, err
	}
	return &LogStore{db: db, clock: time.Now, logger: logger}, nil
}

// Close releases the database handle.
func (s *LogStore) Close() error {
	return database.Close(s.db)
}

// Put stores entries, ignoring sequences already present. It returns the
// number of new rows.
func (s *LogStore) Put(ctx context.Context, entries []LogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	stored := 0
	receivedAt := s.clock().UTC().Unix()
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, entry := range entries {
			record := LogRecord{
				Seq:               entry.Seq,
				Writer:            hex.EncodeToString(entry.Writer),
				Nonce:             entry.Nonce,
				Payload:           entry.Payload,
				Signature:         entry.Signature,
				EntryHash:         entry.Hash(),
				ReceivedAtSeconds: receivedAt,
			}
			result := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
			if result.Error != nil {
				return result.Error
			}
			stored += int(result.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// Range returns up to limit entries with a sequence above after, in order.
func (s *LogStore) Range(ctx context.Context, after uint64, limit int) ([]LogEntry, error) {
	var records []LogRecord
	if err := s.db.WithContext(ctx).
		Where("seq > ?", after).
		Order("seq ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, err
	}
	entries := make([]LogEntry, 0, len(records))
	for _, record := range records {
		entry, err := record.toEntry()
		if err != nil {
			s.logger.Warn("skipping malformed log record", zap.Uint64("seq", record.Seq), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// LastSeq returns the highest stored sequence, zero when empty.
func (s *LogStore) LastSeq(ctx context.Context) (uint64, error) {
	var last uint64
	err := s.db.WithContext(ctx).Model(&LogRecord{}).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&last).Error
	return last, err
}
