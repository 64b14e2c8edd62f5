package badger

import (
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/dittocache/pkg/cache"
)

// PutSession writes a session, overwriting any previous state.
func (s *MetaStore) PutSession(ctx context.Context, sess *cache.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sess.ID == "" {
		return &cache.StoreError{Code: cache.ErrInvalidArgument, Message: "session ID is empty"}
	}

	data, err := encodeSession(sess)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keySession(sess.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given ID, or ErrNotFound.
func (s *MetaStore) GetSession(ctx context.Context, id string) (*cache.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sess *cache.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keySession(id))
		if err == badger.ErrKeyNotFound {
			return &cache.StoreError{
				Code:    cache.ErrNotFound,
				Message: "session not found: " + id,
			}
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			sess, err = decodeSession(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	return sess, nil
}

// DeleteSession removes a session. Deleting a missing session is not an
// error.
func (s *MetaStore) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keySession(id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ListSessions returns all persisted sessions.
func (s *MetaStore) ListSessions(ctx context.Context) ([]*cache.Session, error) {
	var sessions []*cache.Session

	err := s.listPrefix(ctx, prefixSession, func(val []byte) error {
		sess, err := decodeSession(val)
		if err != nil {
			return err
		}
		sessions = append(sessions, sess)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return sessions, nil
}
