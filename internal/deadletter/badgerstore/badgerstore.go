// Package badgerstore provides a BadgerDB implementation of deadletter.Store.
// Entries are keyed dl/<finding_id>/<entry_id>; entry ids are ULIDs, so a
// prefix scan returns a finding's entries in capture order.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/deadletter"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/deadletter/badgerstore")

const keyPrefix = "dl/"

// noFinding stands in for entries that carry only a run id.
const noFinding = "_"

// Config selects where the database lives.
type Config struct {
	// Dir is the database directory. Ignored when InMemory is true.
	Dir      string
	InMemory bool
	Logger   log.Logger
}

// Store persists dead-letter entries in BadgerDB.
type Store struct {
	db *badger.DB
}

type badgerLogger struct {
	ctx    context.Context
	logger log.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(l.ctx, fmt.Errorf(format, args...), "badger")
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(l.ctx, fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(string, ...interface{})  {}
func (l *badgerLogger) Debugf(string, ...interface{}) {}

// Open opens or creates the database.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("badgerstore: dir is required for a persistent database")
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir).WithSyncWrites(true)
	}

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{ctx: context.Background(), logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes the entry. An existing key is never overwritten.
func (s *Store) Append(ctx context.Context, e deadletter.Entry) error {
	_, span := tracer.Start(ctx, "badgerstore.Append", trace.WithAttributes(
		attribute.String("deadletter.kind", string(e.Kind)),
		attribute.String("finding_id", e.FindingID),
	))
	defer span.End()

	if e.ID == "" {
		return errors.New("badgerstore: entry id is required")
	}
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	key := entryKey(e)
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, val)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// List prefix-scans a finding's entries, or every entry when findingID is empty.
func (s *Store) List(ctx context.Context, findingID string) ([]deadletter.Entry, error) {
	_, span := tracer.Start(ctx, "badgerstore.List", trace.WithAttributes(
		attribute.String("finding_id", findingID),
	))
	defer span.End()

	prefix := []byte(keyPrefix)
	if findingID != "" {
		prefix = []byte(keyPrefix + findingID + "/")
	}

	out := make([]deadletter.Entry, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var e deadletter.Entry
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list entries: %w", err)
	}

	if findingID == "" {
		sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	return out, nil
}

func entryKey(e deadletter.Entry) []byte {
	fid := e.FindingID
	if fid == "" {
		fid = noFinding
	}
	return []byte(keyPrefix + fid + "/" + e.ID)
}
