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

package database

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"gorm.io/gorm"
)

// RecordRow is a record's metadata as stored in the metadata store. The
// ciphertext handle itself lives in the blob store, keyed by record id.
type RecordRow struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement:false"`
	Owner     string `gorm:"index;not null"`
	Kind      uint8  `gorm:"not null"`
	Source    string `gorm:"not null"`
	CreatedAt time.Time
}

func (RecordRow) TableName() string {
	return "records"
}

func recordHandleKey(id uint64) []byte {
	return fmt.Appendf(nil, "record/%d", id)
}

func totalHandleKey(kind uint8, owner string) []byte {
	return fmt.Appendf(nil, "total/%d/%s", kind, owner)
}

// AddRecord stores a record's metadata row, its ciphertext handle, and the
// owner's updated running total handle. The writes are applied together:
// the metadata row is only committed if the blob writes succeed.
func (d *Database) AddRecord(
	row RecordRow,
	handle []byte,
	totalHandle []byte,
) error {
	return d.meta.Transaction(func(tx *gorm.DB) error {
		if result := tx.Create(&row); result.Error != nil {
			return fmt.Errorf("failed to store record metadata: %w", result.Error)
		}
		// Blob writes happen last inside the metadata transaction so a blob
		// failure rolls the metadata row back
		err := d.blob.Update(func(txn *badger.Txn) error {
			if err := txn.Set(recordHandleKey(row.ID), handle); err != nil {
				return err
			}
			return txn.Set(totalHandleKey(row.Kind, row.Owner), totalHandle)
		})
		if err != nil {
			return fmt.Errorf("failed to store record handle: %w", err)
		}
		return nil
	})
}

// Records returns all record metadata rows in id order.
func (d *Database) Records() ([]RecordRow, error) {
	var rows []RecordRow
	if result := d.meta.Order("id").Find(&rows); result.Error != nil {
		return nil, result.Error
	}
	return rows, nil
}

// Record returns a single record metadata row. Returns ErrNotFound for an
// unknown id.
func (d *Database) Record(id uint64) (RecordRow, error) {
	var row RecordRow
	result := d.meta.First(&row, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return row, ErrNotFound
		}
		return row, result.Error
	}
	return row, nil
}

// RecordHandle returns the stored ciphertext handle for a record id.
func (d *Database) RecordHandle(id uint64) ([]byte, error) {
	return d.blobGet(recordHandleKey(id))
}

// TotalHandle returns the stored running total handle for an owner and
// record kind. Returns ErrNotFound when no total has been stored yet.
func (d *Database) TotalHandle(kind uint8, owner string) ([]byte, error) {
	return d.blobGet(totalHandleKey(kind, owner))
}
