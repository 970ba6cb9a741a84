package brain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	brain/<id>             JSON-encoded Record
//	owner/<type>/<owner>   brain id
//	platform               brain id
const (
	badgerBrainPrefix = "brain/"
	badgerOwnerPrefix = "owner/"
	badgerPlatformKey = "platform"
)

// BadgerStore keeps brain records in an embedded BadgerDB. Uniqueness rules
// are enforced inside a single read-write transaction; a concurrent writer
// touching the same keys makes the commit fail with badger.ErrConflict, which
// is reported as ErrDuplicate.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens a persistent store in dir, or an in-memory one when dir is
// empty.
func OpenBadger(dir string) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create badger dir %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(&badgerLogger{logger: slog.Default().With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	slog.Info("brain store opened", "driver", "badger", "path", dir)
	return &BadgerStore{db: db}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Create(ctx context.Context, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, fmt.Errorf("invalid brain record: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encode brain %s: %w", rec.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if exists(txn, badgerBrainPrefix+rec.ID) {
			return ErrDuplicate
		}
		if rec.Type == TypePlatform && exists(txn, badgerPlatformKey) {
			return ErrDuplicate
		}
		ownerKey := ownerIndexKey(rec.OwnerID, rec.Type)
		if rec.OwnerID != "" && exists(txn, ownerKey) {
			return ErrDuplicate
		}
		if rec.ParentID != "" && !exists(txn, badgerBrainPrefix+rec.ParentID) {
			return fmt.Errorf("parent %s does not exist", rec.ParentID)
		}

		if err := txn.Set([]byte(badgerBrainPrefix+rec.ID), data); err != nil {
			return err
		}
		if rec.Type == TypePlatform {
			if err := txn.Set([]byte(badgerPlatformKey), []byte(rec.ID)); err != nil {
				return err
			}
		}
		if rec.OwnerID != "" {
			if err := txn.Set([]byte(ownerKey), []byte(rec.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		err = ErrDuplicate
	}
	if err != nil {
		return Record{}, fmt.Errorf("create brain %s: %w", rec.ID, err)
	}
	return rec.Clone(), nil
}

func (s *BadgerStore) GetByID(ctx context.Context, id string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	var rec Record
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, found, err = getRecord(txn, id)
		return err
	})
	return rec, found, err
}

func (s *BadgerStore) GetByOwner(ctx context.Context, ownerID string, typ Type) (Record, bool, error) {
	return s.getIndexed(ctx, ownerIndexKey(ownerID, typ))
}

func (s *BadgerStore) GetPlatform(ctx context.Context) (Record, bool, error) {
	return s.getIndexed(ctx, badgerPlatformKey)
}

func (s *BadgerStore) getIndexed(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	var rec Record
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, found, err = getRecord(txn, string(id))
		return err
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	return rec, found, nil
}

func (s *BadgerStore) Update(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid brain record: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		existing, ok, err := getRecord(txn, rec.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoRecord
		}
		updated := rec.Clone()
		updated.Type = existing.Type
		updated.OwnerID = existing.OwnerID
		updated.ParentID = existing.ParentID
		updated.CreatedAt = existing.CreatedAt

		data, err := json.Marshal(updated)
		if err != nil {
			return err
		}
		return txn.Set([]byte(badgerBrainPrefix+rec.ID), data)
	})
	if err != nil {
		return fmt.Errorf("update brain %s: %w", rec.ID, err)
	}
	return nil
}

func getRecord(txn *badger.Txn, id string) (Record, bool, error) {
	item, err := txn.Get([]byte(badgerBrainPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("decode brain %s: %w", id, err)
	}
	return rec, true, nil
}

func exists(txn *badger.Txn, key string) bool {
	_, err := txn.Get([]byte(key))
	return err == nil
}

func ownerIndexKey(ownerID string, typ Type) string {
	return badgerOwnerPrefix + string(typ) + "/" + ownerID
}

// badgerLogger adapts slog to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
