// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/grokysis/services/grokysis/session"
)

// DefaultThingPrefix namespaces session things in the database.
const DefaultThingPrefix = "grokysis/thing/"

// ThingStore stores session things as JSON values keyed by prefix + id.
//
// Thread Safety:
//
//	Safe for concurrent use.
type ThingStore struct {
	db     *DB
	prefix []byte
}

var _ session.Store = (*ThingStore)(nil)

// NewThingStore returns a store over db. An empty prefix uses
// DefaultThingPrefix.
func NewThingStore(db *DB, prefix string) *ThingStore {
	if prefix == "" {
		prefix = DefaultThingPrefix
	}
	return &ThingStore{db: db, prefix: []byte(prefix)}
}

func (s *ThingStore) key(id string) []byte {
	k := make([]byte, 0, len(s.prefix)+len(id))
	k = append(k, s.prefix...)
	return append(k, id...)
}

// Put writes thing, replacing any previous value for its id.
func (s *ThingStore) Put(ctx context.Context, thing *session.SessionThing) error {
	if thing == nil || thing.ID == "" {
		return session.ErrInvalidThing
	}
	data, err := json.Marshal(thing)
	if err != nil {
		return fmt.Errorf("marshal thing %s: %w", thing.ID, err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(s.key(thing.ID), data)
	})
}

// Get reads one thing.
//
// Outputs:
//
//	*session.SessionThing - The stored thing.
//	error - session.ErrThingNotFound if absent.
func (s *ThingStore) Get(ctx context.Context, id string) (*session.SessionThing, error) {
	var thing session.SessionThing
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return session.ErrThingNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &thing)
		})
	})
	if err != nil {
		return nil, err
	}
	return &thing, nil
}

// Delete removes a thing. Deleting a missing id is not an error.
func (s *ThingStore) Delete(ctx context.Context, id string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(s.key(id))
	})
}

// List returns every stored thing in key order. Values that fail to
// decode are skipped.
func (s *ThingStore) List(ctx context.Context) ([]*session.SessionThing, error) {
	var out []*session.SessionThing
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var thing session.SessionThing
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &thing)
			})
			if err != nil {
				continue
			}
			out = append(out, &thing)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
