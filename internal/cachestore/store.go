// Package cachestore keeps named generations of cached HTTP responses in a
// badger database.
package cachestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when no response is cached under a key.
var ErrNotFound = errors.New("not cached")

const (
	entryPrefix = "c\x00"
	namePrefix  = "n\x00"
)

// Response is one cached HTTP response.
type Response struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// Store wraps the badger database. Each named cache owns a key prefix, so a
// whole generation is dropped in one call.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

// Open opens (or creates) the cache database in dir. An empty dir opens an
// in-memory database (used by tests).
func Open(dir string, logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.WithLogger(badgerLogger{logger: logger.With("component", "cachestore")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func entryKey(cache, key string) []byte {
	return []byte(entryPrefix + cache + "\x00" + key)
}

func cachePrefix(cache string) []byte {
	return []byte(entryPrefix + cache + "\x00")
}

func nameKey(cache string) []byte {
	return []byte(namePrefix + cache)
}

func (s *Store) encode(r Response) ([]byte, error) {
	if r.StoredAt.IsZero() {
		r.StoredAt = s.now().UTC()
	}
	return json.Marshal(r)
}

// Put stores r under key in cache.
func (s *Store) Put(cache, key string, r Response) error {
	b, err := s.encode(r)
	if err != nil {
		return fmt.Errorf("encoding cached response: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(nameKey(cache), nil); err != nil {
			return err
		}
		return txn.Set(entryKey(cache, key), b)
	})
}

// PutAll stores every response in one transaction; either all of them are
// written or none is.
func (s *Store) PutAll(cache string, items map[string]Response) error {
	encoded := make(map[string][]byte, len(items))
	for k, r := range items {
		b, err := s.encode(r)
		if err != nil {
			return fmt.Errorf("encoding cached response %q: %w", k, err)
		}
		encoded[k] = b
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(nameKey(cache), nil); err != nil {
			return err
		}
		for k, b := range encoded {
			if err := txn.Set(entryKey(cache, k), b); err != nil {
				return fmt.Errorf("caching %q: %w", k, err)
			}
		}
		return nil
	})
}

// Get returns the response cached under key in cache.
func (s *Store) Get(cache, key string) (Response, error) {
	var r Response
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(cache, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	return r, err
}

// Keys returns the cached keys of cache in order.
func (s *Store) Keys(cache string) ([]string, error) {
	prefix := cachePrefix(cache)
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return keys, err
}

// Names returns every cache generation that has been written.
func (s *Store) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(namePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), namePrefix))
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

// Delete drops a whole cache generation.
func (s *Store) Delete(cache string) error {
	if err := s.db.DropPrefix(cachePrefix(cache)); err != nil {
		return fmt.Errorf("dropping cache %q: %w", cache, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(nameKey(cache))
	})
}

// badgerLogger routes badger's logging through slog. Info and debug output
// is demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(f, v...)))
}
