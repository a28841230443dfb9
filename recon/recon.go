// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package recon maintains a per-owner in-memory projection of records and
// running plaintext totals. It is fed from two directions: optimistic
// updates applied when a submission completes, and ledger creation events
// delivered through the event bus. Records are deduplicated by id, so the
// two feeds can overlap freely.
package recon

import (
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/water4699/power-key-vault/event"
	"github.com/water4699/power-key-vault/fhe"
	"github.com/water4699/power-key-vault/vault"
)

// Value is the tagged value of a projected record: either still sealed
// (only a ciphertext handle, possibly unknown) or revealed to a plaintext.
// The zero Value is sealed with no handle.
type Value struct {
	handle    fhe.Handle
	plaintext float64
	revealed  bool
}

// Sealed returns a Value holding only a ciphertext handle.
func Sealed(handle fhe.Handle) Value {
	return Value{handle: handle}
}

// Revealed returns a Value holding a decrypted plaintext.
func Revealed(plaintext float64) Value {
	return Value{plaintext: plaintext, revealed: true}
}

// Plaintext returns the revealed value, if any.
func (v Value) Plaintext() (float64, bool) {
	return v.plaintext, v.revealed
}

// Handle returns the ciphertext handle for a sealed value, if known.
func (v Value) Handle() (fhe.Handle, bool) {
	if v.revealed || v.handle == "" {
		return "", false
	}
	return v.handle, true
}

// Record is one projected record.
type Record struct {
	ID        uint64
	Kind      vault.RecordKind
	Source    string
	CreatedAt time.Time
	Value     Value
}

// StoreConfig holds configuration for the reconciliation Store.
type StoreConfig struct {
	Logger   *slog.Logger
	EventBus *event.EventBus
	// Owner scopes the projection. Events for other owners are ignored.
	Owner fhe.Address
}

// Store is the per-owner projection. All mutation paths serialize on a
// single lock, which keeps the dedupe-by-id invariant intact regardless of
// how pipeline callbacks and event delivery interleave.
type Store struct {
	config StoreConfig
	logger *slog.Logger
	owner  fhe.Address

	mutex    sync.RWMutex
	records  map[uint64]*Record
	order    []uint64
	totals   map[vault.RecordKind]float64
	attached bool
	subId    event.EventSubscriberId
}

// NewStore creates a reconciliation Store for the given owner.
func NewStore(config StoreConfig) *Store {
	s := &Store{
		config:  config,
		owner:   fhe.NormalizeAddress(string(config.Owner)),
		records: make(map[uint64]*Record),
		totals: map[vault.RecordKind]float64{
			vault.KindGeneration:  0,
			vault.KindConsumption: 0,
		},
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		s.logger = config.Logger
	}
	return s
}

// Owner returns the owner this projection is scoped to.
func (s *Store) Owner() fhe.Address {
	return s.owner
}

// Attach subscribes the store to RecordCreated events. Attaching while
// already attached is a no-op.
func (s *Store) Attach() {
	if s.config.EventBus == nil {
		return
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.attached {
		return
	}
	s.subId = s.config.EventBus.SubscribeFunc(
		vault.RecordCreatedEventType,
		s.handleEvent,
	)
	s.attached = true
}

// Detach releases the event subscription. Detaching while not attached is a
// no-op.
func (s *Store) Detach() {
	if s.config.EventBus == nil {
		return
	}
	s.mutex.Lock()
	if !s.attached {
		s.mutex.Unlock()
		return
	}
	subId := s.subId
	s.attached = false
	s.mutex.Unlock()
	// Unsubscribe outside the lock: it waits for in-flight deliveries, and
	// the delivery handler takes the same lock
	s.config.EventBus.Unsubscribe(vault.RecordCreatedEventType, subId)
}

func (s *Store) handleEvent(evt event.Event) {
	payload, ok := evt.Data.(vault.RecordCreatedEvent)
	if !ok {
		return
	}
	// Visibility is per-owner; other owners' events are ignored here
	if fhe.NormalizeAddress(string(payload.Owner)) != s.owner {
		return
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, exists := s.records[payload.ID]; exists {
		// Already known (typically from an optimistic insert)
		return
	}
	s.insert(&Record{
		ID:        payload.ID,
		Kind:      payload.Kind,
		Source:    payload.Source,
		CreatedAt: payload.Timestamp,
		Value:     Sealed(""),
	})
	s.logger.Debug(
		"applied ledger event",
		"component", "recon",
		"record_id", payload.ID,
	)
}

// insert adds a record to the projection. Caller must hold the lock and
// have checked for an existing id.
func (s *Store) insert(rec *Record) {
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	slices.Sort(s.order)
}

// ApplyOptimistic records a completed submission: the owner's running total
// for the kind is incremented by the plaintext value that was actually
// submitted, and, when the record id is known, the record itself is
// inserted as revealed. Ids already present are never re-inserted.
func (s *Store) ApplyOptimistic(
	id uint64,
	idKnown bool,
	kind vault.RecordKind,
	source string,
	value float64,
) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.totals[kind] += value
	if !idKnown {
		return
	}
	if existing, ok := s.records[id]; ok {
		// Event delivery beat the optimistic path; upgrade to revealed
		existing.Value = Revealed(value)
		return
	}
	s.insert(&Record{
		ID:        id,
		Kind:      kind,
		Source:    source,
		CreatedAt: time.Now(),
		Value:     Revealed(value),
	})
}

// MarkRevealed stores a decrypted plaintext for a record. Unknown ids are
// ignored.
func (s *Store) MarkRevealed(id uint64, value float64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.Value = Revealed(value)
}

// Records returns the projected records in id order.
func (s *Store) Records() []Record {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ret := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		ret = append(ret, *s.records[id])
	}
	return ret
}

// Record returns a single projected record by id.
func (s *Store) Record(id uint64) (Record, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Total returns the optimistic running total for a kind.
func (s *Store) Total(kind vault.RecordKind) float64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.totals[kind]
}
