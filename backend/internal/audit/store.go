// Package audit keeps a durable log of every model call, keyed by the analysis it served.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"trace-landscape/backend/internal/adapter"
	apperrors "trace-landscape/backend/pkg/errors"
	"trace-landscape/backend/pkg/logger"
)

const keyPrefix = "audit/"

// unscoped groups calls made outside a pipeline run
const unscoped = "_"

// Store persists call records in badger. It implements adapter.Recorder.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens the audit log at path; an empty path keeps it in memory
func Open(path string) (*Store, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0750); err != nil {
			return nil, apperrors.NewStorageFailed("create audit directory", err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}

	log := logger.Named("audit")
	opts = opts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: log.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, apperrors.NewStorageFailed("open audit log", err)
	}
	return &Store{db: db, logger: log}, nil
}

// Close releases the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordCall appends one record under its scope
func (s *Store) RecordCall(_ context.Context, rec adapter.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperrors.NewStorageFailed("encode audit record", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec), data)
	})
	if err != nil {
		return apperrors.NewStorageFailed("write audit record", err)
	}

	s.logger.Debug("Model call recorded",
		zap.String("analysis_id", rec.Scope),
		zap.String("prompt", rec.Prompt),
		zap.Int("total_tokens", rec.TotalTokens),
	)
	return nil
}

// List returns the records of one scope in chronological order. limit <= 0 returns all.
func (s *Store) List(_ context.Context, scope string, limit int) ([]adapter.CallRecord, error) {
	prefix := scopePrefix(scope)

	var records []adapter.CallRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec adapter.CallRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
			if limit > 0 && len(records) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.NewStorageFailed("list audit records", err)
	}
	return records, nil
}

// Summary aggregates token usage and cost of one scope
type Summary struct {
	Calls       int     `json:"calls"`
	Failures    int     `json:"failures"`
	TotalTokens int     `json:"total_tokens"`
	Cost        float64 `json:"cost"`
}

// Summarize totals the records of one scope
func (s *Store) Summarize(ctx context.Context, scope string) (Summary, error) {
	records, err := s.List(ctx, scope, 0)
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	for _, r := range records {
		sum.Calls++
		if r.Error != "" {
			sum.Failures++
		}
		sum.TotalTokens += r.TotalTokens
		sum.Cost += r.Cost
	}
	return sum, nil
}

func scopePrefix(scope string) []byte {
	if scope == "" {
		scope = unscoped
	}
	return []byte(keyPrefix + scope + "/")
}

// Zero-padded nanoseconds keep lexical and chronological order aligned
func recordKey(rec adapter.CallRecord) []byte {
	return append(scopePrefix(rec.Scope), fmt.Sprintf("%020d-%s", rec.Timestamp.UnixNano(), rec.ID)...)
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}
