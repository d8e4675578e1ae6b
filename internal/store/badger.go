package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ashureev/assessment-agent/internal/domain"
)

const sessionKeyPrefix = "session/"

// BadgerConfig configures the Badger backend.
type BadgerConfig struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir      string
	InMemory bool
}

// BadgerStore implements Repository on an embedded Badger key-value store.
// Badger's serializable transactions provide the compare-and-swap.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// NewBadger opens a Badger-backed repository.
func NewBadger(cfg BadgerConfig, opts ...Option) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("badger directory is required for persistent store")
	}

	var bopts badger.Options
	if cfg.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Dir, err)
		}
		bopts = badger.DefaultOptions(cfg.Dir)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	o := buildOptions(opts)
	return &BadgerStore{db: db, now: o.now}, nil
}

// Setup is a no-op: Badger has no schema.
func (s *BadgerStore) Setup(context.Context) error {
	return nil
}

// Ping reports whether the database is open.
func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger database: %w", err)
	}
	return nil
}

func sessionKey(id string) []byte {
	return []byte(sessionKeyPrefix + id)
}

// Load retrieves a session by id.
func (s *BadgerStore) Load(_ context.Context, sessionID string) (*domain.AssessmentSession, error) {
	var sess *domain.AssessmentSession
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		sess, err = readSession(txn, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Create inserts a fresh session.
func (s *BadgerStore) Create(_ context.Context, sessionID, frameworkID string) (*domain.AssessmentSession, error) {
	sess := domain.NewSession(sessionID, frameworkID, s.now())
	sess.Version = 1

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(sessionKey(sessionID))
		if err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, sessionID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("check existing session: %w", err)
		}
		return writeSession(txn, sess)
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent Create for the same id committed first.
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Save performs the compare-and-swap write inside a serializable transaction.
func (s *BadgerStore) Save(_ context.Context, sess *domain.AssessmentSession) error {
	now := s.now()
	next := sess.Clone()
	next.Version = sess.Version + 1
	next.LastUpdatedAt = now

	err := s.db.Update(func(txn *badger.Txn) error {
		stored, err := readSession(txn, sess.SessionID)
		if err != nil {
			return err
		}
		if stored.Version != sess.Version {
			return fmt.Errorf("%w: expected version %d, stored %d", ErrVersionConflict, sess.Version, stored.Version)
		}
		return writeSession(txn, next)
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: concurrent transaction committed first", ErrVersionConflict)
	}
	if err != nil {
		return err
	}

	sess.Version = next.Version
	sess.LastUpdatedAt = now
	return nil
}

// ListIdle returns non-closed sessions updated before the cutoff, oldest first.
func (s *BadgerStore) ListIdle(_ context.Context, before time.Time, limit int) ([]*domain.AssessmentSession, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.AssessmentSession
	err := s.scan(func(sess *domain.AssessmentSession) error {
		if !sess.Phase.IsClosed() && sess.LastUpdatedAt.Before(before) {
			out = append(out, sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdatedAt.Before(out[j].LastUpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteClosedBefore removes completed and abandoned sessions older than the cutoff.
func (s *BadgerStore) DeleteClosedBefore(_ context.Context, before time.Time) (int64, error) {
	var ids []string
	err := s.scan(func(sess *domain.AssessmentSession) error {
		if sess.Phase.IsClosed() && sess.LastUpdatedAt.Before(before) {
			ids = append(ids, sess.SessionID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range ids {
		if err := wb.Delete(sessionKey(id)); err != nil {
			return 0, fmt.Errorf("delete session %s: %w", id, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush session deletes: %w", err)
	}
	return int64(len(ids)), nil
}

func (s *BadgerStore) scan(fn func(*domain.AssessmentSession) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(sessionKeyPrefix), PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var sess domain.AssessmentSession
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			}); err != nil {
				return fmt.Errorf("decode session %s: %w", it.Item().Key(), err)
			}
			if err := fn(&sess); err != nil {
				return err
			}
		}
		return nil
	})
}

func readSession(txn *badger.Txn, id string) (*domain.AssessmentSession, error) {
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess domain.AssessmentSession
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sess)
	}); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.QuestionsAsked == nil {
		sess.QuestionsAsked = []domain.QuestionRecord{}
	}
	return &sess, nil
}

func writeSession(txn *badger.Txn, sess *domain.AssessmentSession) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := txn.Set(sessionKey(sess.SessionID), doc); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}
