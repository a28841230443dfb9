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

// Package database provides local persistence for the vault: record
// metadata in a SQLite database and opaque blobs (ciphertext handles,
// cached decryption grants) in a badger key/value store. Both stores run
// in memory when no data directory is configured, which is useful for
// testing and development.
package database

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// ErrNotFound is returned when a requested key or record row does not exist.
var ErrNotFound = errors.New("not found")

// Config holds configuration for the database.
type Config struct {
	// DataDir is the persistent data directory. Empty means in-memory.
	DataDir string
	// Logger for database events.
	Logger *slog.Logger
	// PromRegistry is an optional prometheus registry for metrics.
	PromRegistry prometheus.Registerer
}

// Database bundles the blob store and the metadata store.
type Database struct {
	blob   *badger.DB
	meta   *gorm.DB
	logger *slog.Logger
}

// New opens (or creates) the database described by cfg.
func New(cfg *Config) (*Database, error) {
	logger := cfg.Logger
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	d := &Database{
		logger: logger,
	}
	if cfg.DataDir != "" {
		// Make sure that we can read data dir, and create if it doesn't exist
		if _, err := os.Stat(cfg.DataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
	}
	if err := d.openBlob(cfg.DataDir); err != nil {
		return nil, err
	}
	if err := d.openMetadata(cfg.DataDir); err != nil {
		// Don't leak the blob store handle
		_ = d.blob.Close()
		return nil, err
	}
	return d, nil
}

func (d *Database) openBlob(dataDir string) error {
	var opts badger.Options
	if dataDir == "" {
		opts = badger.DefaultOptions("").
			WithLogger(newBadgerLogger(d.logger)).
			// The default INFO logging is a bit verbose
			WithLoggingLevel(badger.WARNING).
			WithInMemory(true)
	} else {
		blobDir := filepath.Join(dataDir, "blob")
		opts = badger.DefaultOptions(blobDir).
			WithLogger(newBadgerLogger(d.logger)).
			WithLoggingLevel(badger.WARNING)
	}
	blobDb, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}
	d.blob = blobDb
	return nil
}

func (d *Database) openMetadata(dataDir string) error {
	var metadataDb *gorm.DB
	var err error
	if dataDir == "" {
		// Use in-memory database when no data directory is specified.
		// cache=shared allows multiple connections to share the same
		// in-memory database
		metadataDb, err = gorm.Open(
			sqlite.Open("file::memory:?cache=shared"),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
			},
		)
	} else {
		metadataDbPath := filepath.Join(dataDir, "metadata.sqlite")
		metadataDb, err = gorm.Open(
			sqlite.Open(metadataDbPath),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
			},
		)
	}
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	if err := metadataDb.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return fmt.Errorf("failed to configure metadata store tracing: %w", err)
	}
	if err := metadataDb.AutoMigrate(&RecordRow{}); err != nil {
		return fmt.Errorf("failed to migrate metadata store: %w", err)
	}
	d.meta = metadataDb
	return nil
}

// Close closes both underlying stores.
func (d *Database) Close() error {
	var err error
	if d.blob != nil {
		err = errors.Join(err, d.blob.Close())
	}
	if d.meta != nil {
		if sqlDb, dbErr := d.meta.DB(); dbErr == nil {
			err = errors.Join(err, sqlDb.Close())
		}
	}
	return err
}

// blobGet retrieves a value from the blob store. Returns ErrNotFound when
// the key does not exist.
func (d *Database) blobGet(key []byte) ([]byte, error) {
	var ret []byte
	err := d.blob.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		ret, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ret, nil
}

// badgerLogger adapts our slog logger to the badger logging interface
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) *badgerLogger {
	return &badgerLogger{
		logger: logger.With("component", "database"),
	}
}

func (b *badgerLogger) Errorf(format string, args ...any) {
	b.logger.Error(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Warningf(format string, args ...any) {
	b.logger.Warn(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Infof(format string, args ...any) {
	b.logger.Info(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Debugf(format string, args ...any) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}
