/*
 * Copyright 2023 Hewlett Packard Enterprise Development LP
 * Other additional copyright holders may be indicated within.
 *
 * The entirety of this work is licensed under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 *
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package kvstore provides a persistent append-only ledger per key,
// backed by badger. Clients register a Registry per key prefix; on
// Replay every ledger is walked back through the owning registry's
// handler in the order its entries were logged.
package kvstore

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v3"
)

// Registry claims a key prefix and provides replay handlers for the
// keys below it.
type Registry interface {
	Prefix() string
	NewReplay(id string) ReplayHandler
}

// ReplayHandler receives one ledger's contents during Replay.
type ReplayHandler interface {
	Metadata(data []byte) error
	Entry(t uint32, data []byte) error
	Done() error
}

// Store is one opened database.
type Store struct {
	db         *badger.DB
	registries []Registry
}

// Ledger is an open handle to one key's entry log.
type Ledger struct {
	store *Store
	key   []byte
}

// Open opens or creates the database at path. With inMemory set no
// files are created and the contents vanish on Close.
func Open(path string, inMemory bool) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore open %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Register adds registries used to route keys during Replay.
func (s *Store) Register(registries []Registry) {
	s.registries = append(s.registries, registries...)
}

// MakeKey forms the database key for an id owned by a registry.
func (s *Store) MakeKey(r Registry, id string) string {
	return r.Prefix() + id
}

// NewKey creates the ledger for a key, recording its metadata. The key
// must not already exist.
func (s *Store) NewKey(key string, metadata []byte) (*Ledger, error) {
	value := make([]byte, 4+len(metadata))
	binary.LittleEndian.PutUint32(value, uint32(len(metadata)))
	copy(value[4:], metadata)

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err == nil {
			return fmt.Errorf("key %s already exists", key)
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return nil, err
	}

	return &Ledger{store: s, key: []byte(key)}, nil
}

// OpenKey opens an existing ledger. With create set, a missing key is
// created with empty metadata instead of failing.
func (s *Store) OpenKey(key string, create bool) (*Ledger, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})

	if err == badger.ErrKeyNotFound && create {
		return s.NewKey(key, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore open key %s: %w", key, err)
	}

	return &Ledger{store: s, key: []byte(key)}, nil
}

// DeleteKey removes a ledger outright.
func (s *Store) DeleteKey(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Log appends one typed entry to the ledger.
func (l *Ledger) Log(t uint32, data []byte) error {
	entry := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint32(entry, t)
	binary.LittleEndian.PutUint32(entry[4:], uint32(len(data)))
	copy(entry[8:], data)

	return l.store.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(l.key)
		if err != nil {
			return err
		}

		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		return txn.Set(l.key, append(value, entry...))
	})
}

func (l *Ledger) Close() {
	// Ledgers hold no resources beyond the store itself.
}

// Replay walks every ledger whose key matches a registered prefix,
// delivering metadata and entries in logged order.
func (s *Store) Replay() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())

			registry := s.findRegistry(key)
			if registry == nil {
				continue
			}

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			if err := s.replayLedger(registry, key, value); err != nil {
				return fmt.Errorf("replay %s: %w", key, err)
			}
		}

		return nil
	})
}

func (s *Store) findRegistry(key string) Registry {
	for _, r := range s.registries {
		if strings.HasPrefix(key, r.Prefix()) {
			return r
		}
	}

	return nil
}

func (s *Store) replayLedger(r Registry, key string, value []byte) error {
	handler := r.NewReplay(strings.TrimPrefix(key, r.Prefix()))

	if len(value) < 4 {
		return fmt.Errorf("truncated ledger")
	}

	metadataLen := int(binary.LittleEndian.Uint32(value))
	value = value[4:]
	if len(value) < metadataLen {
		return fmt.Errorf("truncated metadata")
	}

	if err := handler.Metadata(value[:metadataLen]); err != nil {
		return err
	}
	value = value[metadataLen:]

	for len(value) > 0 {
		if len(value) < 8 {
			return fmt.Errorf("truncated entry header")
		}

		t := binary.LittleEndian.Uint32(value)
		length := int(binary.LittleEndian.Uint32(value[4:]))
		value = value[8:]

		if len(value) < length {
			return fmt.Errorf("truncated entry")
		}

		if err := handler.Entry(t, value[:length]); err != nil {
			return err
		}
		value = value[length:]
	}

	return handler.Done()
}
