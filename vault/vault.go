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

// Package vault implements the ledger contract model: ciphertext-only
// storage of confidential energy records, ownership tracking, and per-owner
// homomorphic running totals. The vault never sees plaintext values; it
// validates input proofs, stores handles, and combines them through the
// co-processor's homomorphic addition.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/water4699/power-key-vault/database"
	"github.com/water4699/power-key-vault/event"
	"github.com/water4699/power-key-vault/fhe"
)

// RecordKind is the kind of energy event a record describes.
type RecordKind uint8

const (
	KindGeneration  RecordKind = 0
	KindConsumption RecordKind = 1
)

func (k RecordKind) String() string {
	switch k {
	case KindGeneration:
		return "generation"
	case KindConsumption:
		return "consumption"
	default:
		return fmt.Sprintf("unknown (%d)", uint8(k))
	}
}

// RecordMetadata is the publicly readable part of a record. The encrypted
// value is excluded; it is only available to the owner via
// RecordEncryptedValue.
type RecordMetadata struct {
	ID        uint64
	Kind      RecordKind
	Source    string
	Owner     fhe.Address
	CreatedAt time.Time
}

type record struct {
	owner     fhe.Address
	kind      RecordKind
	source    string
	handle    fhe.Handle
	createdAt time.Time
}

// LedgerConfig holds configuration for the Ledger.
type LedgerConfig struct {
	Logger       *slog.Logger
	EventBus     *event.EventBus
	PromRegistry prometheus.Registerer
	Codec        fhe.Coprocessor
	Database     *database.Database
	// ContractAddress identifies this ledger instance. Input proofs must be
	// bound to this address to be accepted.
	ContractAddress fhe.Address
}

// Ledger is the authoritative record store. All mutations happen under a
// single lock; record creation is atomic across the record itself, the
// owner's id list, the owner's running total, and the creation event.
type Ledger struct {
	config  LedgerConfig
	metrics struct {
		recordsTotal   prometheus.Gauge
		recordsCreated *prometheus.CounterVec
	}
	logger   *slog.Logger
	eventBus *event.EventBus
	codec    fhe.Coprocessor
	db       *database.Database

	mutex    sync.RWMutex
	records  map[uint64]*record
	ownerIds map[fhe.Address][]uint64
	totals   map[RecordKind]map[fhe.Address]fhe.Handle
	nextId   uint64
}

// NewLedger creates a Ledger and restores any previously persisted records.
func NewLedger(config LedgerConfig) (*Ledger, error) {
	if config.Codec == nil {
		return nil, errors.New("no codec provided")
	}
	if config.Database == nil {
		return nil, errors.New("no database provided")
	}
	l := &Ledger{
		config:   config,
		eventBus: config.EventBus,
		codec:    config.Codec,
		db:       config.Database,
		records:  make(map[uint64]*record),
		ownerIds: make(map[fhe.Address][]uint64),
		totals: map[RecordKind]map[fhe.Address]fhe.Handle{
			KindGeneration:  {},
			KindConsumption: {},
		},
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		l.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		l.logger = config.Logger
	}
	// Init metrics
	promautoFactory := promauto.With(config.PromRegistry)
	l.metrics.recordsTotal = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "powervault_ledger_records",
		Help: "total records stored in the ledger",
	})
	l.metrics.recordsCreated = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powervault_ledger_records_created_total",
			Help: "records created by kind",
		},
		[]string{"kind"},
	)
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	return l, nil
}

// load restores records and running totals from the database.
func (l *Ledger) load() error {
	rows, err := l.db.Records()
	if err != nil {
		return err
	}
	for _, row := range rows {
		handle, err := l.db.RecordHandle(row.ID)
		if err != nil {
			return fmt.Errorf("missing handle for record %d: %w", row.ID, err)
		}
		owner := fhe.Address(row.Owner)
		l.records[row.ID] = &record{
			owner:     owner,
			kind:      RecordKind(row.Kind),
			source:    row.Source,
			handle:    fhe.Handle(handle),
			createdAt: row.CreatedAt,
		}
		l.ownerIds[owner] = append(l.ownerIds[owner], row.ID)
		if row.ID >= l.nextId {
			l.nextId = row.ID + 1
		}
	}
	// Restore running total handles for each owner seen above
	for kind := range l.totals {
		for owner := range l.ownerIds {
			total, err := l.db.TotalHandle(uint8(kind), string(owner))
			if err != nil {
				if errors.Is(err, database.ErrNotFound) {
					continue
				}
				return err
			}
			l.totals[kind][owner] = fhe.Handle(total)
		}
	}
	l.metrics.recordsTotal.Set(float64(len(l.records)))
	return nil
}

// CreateGenerationRecord validates the encrypted input's proof against the
// caller, stores a new generation record, and folds the ciphertext into the
// caller's generation total. Returns the assigned record id.
func (l *Ledger) CreateGenerationRecord(
	ctx context.Context,
	caller fhe.Address,
	source string,
	in fhe.EncryptedInput,
) (uint64, error) {
	return l.createRecord(ctx, caller, KindGeneration, source, in)
}

// CreateConsumptionRecord is the consumption-kind counterpart of
// CreateGenerationRecord.
func (l *Ledger) CreateConsumptionRecord(
	ctx context.Context,
	caller fhe.Address,
	source string,
	in fhe.EncryptedInput,
) (uint64, error) {
	return l.createRecord(ctx, caller, KindConsumption, source, in)
}

func (l *Ledger) createRecord(
	_ context.Context,
	caller fhe.Address,
	kind RecordKind,
	source string,
	in fhe.EncryptedInput,
) (uint64, error) {
	// Proof validation binds the ciphertext to this ledger instance and the
	// calling identity
	if err := l.codec.VerifyProof(l.config.ContractAddress, caller, in); err != nil {
		return 0, &InvalidProofError{Err: err}
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	// Fold the new ciphertext into the caller's running total
	prevTotal, err := l.currentTotal(kind, caller)
	if err != nil {
		return 0, err
	}
	newTotal, err := l.codec.Add(prevTotal, in.Handle)
	if err != nil {
		return 0, fmt.Errorf("failed to update total: %w", err)
	}
	recordId := l.nextId
	createdAt := time.Now()
	// Persist before mutating in-memory state so a storage failure leaves
	// the ledger unchanged
	row := database.RecordRow{
		ID:        recordId,
		Owner:     string(caller),
		Kind:      uint8(kind),
		Source:    source,
		CreatedAt: createdAt,
	}
	if err := l.db.AddRecord(row, []byte(in.Handle), []byte(newTotal)); err != nil {
		return 0, fmt.Errorf("failed to store record: %w", err)
	}
	l.records[recordId] = &record{
		owner:     caller,
		kind:      kind,
		source:    source,
		handle:    in.Handle,
		createdAt: createdAt,
	}
	l.ownerIds[caller] = append(l.ownerIds[caller], recordId)
	l.totals[kind][caller] = newTotal
	l.nextId++
	l.metrics.recordsTotal.Inc()
	l.metrics.recordsCreated.WithLabelValues(kind.String()).Inc()
	l.logger.Debug(
		"created record",
		"component", "vault",
		"record_id", recordId,
		"kind", kind.String(),
		"owner", string(caller),
	)
	// Generate event while still holding the lock so event order matches
	// id assignment order
	if l.eventBus != nil {
		l.eventBus.Publish(
			RecordCreatedEventType,
			event.NewEvent(
				RecordCreatedEventType,
				RecordCreatedEvent{
					ID:        recordId,
					Owner:     caller,
					Kind:      kind,
					Source:    source,
					Timestamp: createdAt,
				},
			),
		)
	}
	return recordId, nil
}

// currentTotal returns the owner's running total handle, seeding a zero
// ciphertext for the first record. Caller must hold the lock.
func (l *Ledger) currentTotal(
	kind RecordKind,
	owner fhe.Address,
) (fhe.Handle, error) {
	if total, ok := l.totals[kind][owner]; ok {
		return total, nil
	}
	total, err := l.db.TotalHandle(uint8(kind), string(owner))
	if err == nil {
		l.totals[kind][owner] = fhe.Handle(total)
		return fhe.Handle(total), nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return "", err
	}
	zero, err := l.codec.Zero()
	if err != nil {
		return "", fmt.Errorf("failed to seed total: %w", err)
	}
	return zero, nil
}

// ContractAddress returns the address this ledger instance is bound to.
func (l *Ledger) ContractAddress() fhe.Address {
	return l.config.ContractAddress
}

// RecordEncryptedValue returns the ciphertext handle for a record. Only the
// record's owner may retrieve the handle, even though it is ciphertext.
func (l *Ledger) RecordEncryptedValue(
	id uint64,
	caller fhe.Address,
) (fhe.Handle, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	rec, ok := l.records[id]
	if !ok {
		return "", ErrNotFound
	}
	if rec.owner != caller {
		return "", ErrNotOwner
	}
	return rec.handle, nil
}

// RecordMetadata returns a record's public metadata. Readable by anyone.
func (l *Ledger) RecordMetadata(id uint64) (RecordMetadata, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	rec, ok := l.records[id]
	if !ok {
		return RecordMetadata{}, ErrNotFound
	}
	return RecordMetadata{
		ID:        id,
		Kind:      rec.kind,
		Source:    rec.source,
		Owner:     rec.owner,
		CreatedAt: rec.createdAt,
	}, nil
}

// UserRecordIds returns the ids of all records owned by owner, in creation
// order.
func (l *Ledger) UserRecordIds(owner fhe.Address) []uint64 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return slices.Clone(l.ownerIds[owner])
}

// UserRecordCount returns the number of records owned by owner.
func (l *Ledger) UserRecordCount(owner fhe.Address) int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.ownerIds[owner])
}

// TotalGeneration returns the handle for the owner's homomorphic generation
// total. Owners with no generation records get a zero ciphertext.
func (l *Ledger) TotalGeneration(owner fhe.Address) (fhe.Handle, error) {
	return l.total(KindGeneration, owner)
}

// TotalConsumption returns the handle for the owner's homomorphic
// consumption total.
func (l *Ledger) TotalConsumption(owner fhe.Address) (fhe.Handle, error) {
	return l.total(KindConsumption, owner)
}

func (l *Ledger) total(
	kind RecordKind,
	owner fhe.Address,
) (fhe.Handle, error) {
	l.mutex.RLock()
	total, ok := l.totals[kind][owner]
	l.mutex.RUnlock()
	if ok {
		return total, nil
	}
	return l.codec.Zero()
}

// IsRecordOwner reports whether candidate owns the given record.
func (l *Ledger) IsRecordOwner(
	id uint64,
	candidate fhe.Address,
) (bool, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	rec, ok := l.records[id]
	if !ok {
		return false, ErrNotFound
	}
	return rec.owner == candidate, nil
}

// TotalRecords returns the global record count across all owners.
func (l *Ledger) TotalRecords() uint64 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.nextId
}
