package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"fsmhub/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
)

// Store persists executed transition records. The in-memory ledger in the
// history manager stays authoritative; this is an export for external
// inspection, so appends are best-effort from the caller's point of view.
type Store interface {
	AppendRecord(ctx context.Context, rec models.TransitionRecord) error
	Records(ctx context.Context, limit int) ([]models.TransitionRecord, error)
	Close() error
}

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (Store, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil                         // disable badger logs for test clarity
	opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for local dev
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// recordKey orders records by timestamp; the uuid suffix keeps keys for
// same-nanosecond records distinct.
func recordKey(rec models.TransitionRecord) []byte {
	return []byte(fmt.Sprintf("record:%020d:%s", rec.Timestamp.UnixNano(), uuid.NewString()))
}

func (s *BadgerStore) AppendRecord(ctx context.Context, rec models.TransitionRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(recordKey(rec), data)
	})
}

func (s *BadgerStore) Records(ctx context.Context, limit int) ([]models.TransitionRecord, error) {
	var out []models.TransitionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("record:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec models.TransitionRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
