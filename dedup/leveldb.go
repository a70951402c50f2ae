package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	paymentKeyPrefix = "payment:"
	seenKeyPrefix    = "seen:"
)

// LevelDBStore persists dedup entries across restarts of a single node. Keys
// are written twice: once by payment id for lookups and once by observation
// time for range sweeps.
type LevelDBStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// OpenLevelDBStore opens (or creates) the database at path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb dedup path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb dedup path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb dedup store: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Get(ctx context.Context, paymentID string) (*Entry, error) {
	raw, err := s.db.Get([]byte(paymentKeyPrefix+paymentID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load dedup entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode dedup entry: %w", err)
	}
	return &entry, nil
}

func (s *LevelDBStore) Put(ctx context.Context, entry Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := []byte(paymentKeyPrefix + entry.PaymentID)
	_, err := s.db.Get(key, nil)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, leveldb.ErrNotFound):
		return false, fmt.Errorf("check dedup entry: %w", err)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode dedup entry: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(key, raw)
	batch.Put([]byte(seenKey(entry.FirstSeen, entry.PaymentID)), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record dedup entry: %w", err)
	}
	return true, nil
}

func (s *LevelDBStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoffKey := []byte(seenKey(cutoff, ""))
	iter := s.db.NewIterator(util.BytesPrefix([]byte(seenKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	evicted := 0
	for iter.Next() {
		select {
		case <-ctx.Done():
			return evicted, ctx.Err()
		default:
		}
		if string(iter.Key()) >= string(cutoffKey) {
			break
		}
		paymentID, ok := parseSeenKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(paymentKeyPrefix + paymentID))
		evicted++
	}
	if err := iter.Error(); err != nil {
		return evicted, fmt.Errorf("iterate dedup entries: %w", err)
	}
	if evicted > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return 0, fmt.Errorf("evict dedup entries: %w", err)
		}
	}
	return evicted, nil
}

func (s *LevelDBStore) Len(ctx context.Context) (int, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(paymentKeyPrefix)), nil)
	defer iter.Release()
	count := 0
	for iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("count dedup entries: %w", err)
	}
	return count, nil
}

func (s *LevelDBStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// seenKey orders entries by observation time; fixed-width nanos keep the
// lexicographic order equal to the chronological order.
func seenKey(at time.Time, paymentID string) string {
	return fmt.Sprintf("%s%020d|%s", seenKeyPrefix, at.UTC().UnixNano(), paymentID)
}

func parseSeenKey(key []byte) (string, bool) {
	rest := strings.TrimPrefix(string(key), seenKeyPrefix)
	idx := strings.IndexByte(rest, '|')
	if idx < 0 {
		return "", false
	}
	if _, err := strconv.ParseInt(rest[:idx], 10, 64); err != nil {
		return "", false
	}
	id := rest[idx+1:]
	if id == "" {
		return "", false
	}
	return id, true
}
