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

// Package powervault wires the confidential energy record node: ciphertext
// codec, event bus, storage, ledger, grant manager, submission/decryption
// pipelines, and the per-owner reconciliation store.
package powervault

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/water4699/power-key-vault/auth"
	"github.com/water4699/power-key-vault/database"
	"github.com/water4699/power-key-vault/event"
	"github.com/water4699/power-key-vault/fhe"
	"github.com/water4699/power-key-vault/fhe/fhemock"
	"github.com/water4699/power-key-vault/pipeline"
	"github.com/water4699/power-key-vault/recon"
	"github.com/water4699/power-key-vault/vault"
)

type Node struct {
	config        Config
	eventBus      *event.EventBus
	db            *database.Database
	ledger        *vault.Ledger
	codec         fhe.Coprocessor
	grants        *auth.Manager
	reconStore    *recon.Store
	submitPipe    *pipeline.SubmitPipeline
	decryptPipe   *pipeline.DecryptPipeline
	shutdownFuncs []func(context.Context) error
	done          chan struct{}
	shutdownOnce  sync.Once

	sessionMutex sync.RWMutex
	session      pipeline.SessionContext
}

// New creates a Node and wires all components. The node is fully usable
// once New returns; Run only blocks until Stop.
func New(cfg Config) (*Node, error) {
	n := &Node{
		config:  cfg,
		session: cfg.sessionContext(),
		done:    make(chan struct{}),
	}
	if err := n.configPopulateDevDefaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := n.configValidate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := n.setup(); err != nil {
		n.teardownPartial()
		return nil, err
	}
	return n, nil
}

// configPopulateDevDefaults fills in the co-processor and signer in dev
// mode so a dev node runs without external collaborators.
func (n *Node) configPopulateDevDefaults() error {
	if n.config.codec == nil && n.config.isDevMode() {
		n.config.codec = fhemock.New()
	}
	if n.config.signer == nil && n.config.isDevMode() {
		n.config.signer = autoSigner{}
	}
	if n.config.isDevMode() {
		if _, ok := n.config.deployments[n.config.network]; !ok {
			n.config.deployments[n.config.network] = fhe.Address(
				"0x" + n.config.network + "-vault",
			)
		}
	}
	return nil
}

func (n *Node) configValidate() error {
	if n.config.codec == nil {
		return errors.New("no codec provided")
	}
	if n.config.signer == nil {
		return errors.New("no signer provided")
	}
	if n.config.network == "" {
		return errors.New("no network specified")
	}
	if n.config.owner == "" {
		return errors.New("no owner address specified")
	}
	if _, ok := n.config.deployments[n.config.network]; !ok {
		return fmt.Errorf(
			"no deployment configured for network: %s",
			n.config.network,
		)
	}
	return nil
}

func (n *Node) setup() error {
	// Configure tracing
	if n.config.tracing {
		if err := n.setupTracing(); err != nil {
			return err
		}
	}
	n.codec = n.config.codec
	n.eventBus = event.NewEventBus(n.config.promRegistry, n.config.logger)
	// Load database
	db, err := database.New(&database.Config{
		DataDir:      n.config.dataDir,
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	n.db = db
	// Load ledger
	contract := n.config.deployments[n.config.network]
	n.ledger, err = vault.NewLedger(vault.LedgerConfig{
		Logger:          n.config.logger,
		EventBus:        n.eventBus,
		PromRegistry:    n.config.promRegistry,
		Codec:           n.codec,
		Database:        n.db,
		ContractAddress: contract,
	})
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	// Grant manager backed by the database grant cache
	n.grants, err = auth.NewManager(auth.ManagerConfig{
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
		Signer:       n.config.signer,
		Store:        n.db,
		DurationDays: n.config.grantDays,
	})
	if err != nil {
		return fmt.Errorf("failed to load grant manager: %w", err)
	}
	// Reconciliation store, subscribed to ledger events
	n.reconStore = recon.NewStore(recon.StoreConfig{
		Logger:   n.config.logger,
		EventBus: n.eventBus,
		Owner:    n.config.owner,
	})
	n.reconStore.Attach()
	// Pipelines over the in-process ledger adapter
	adapter := pipeline.NewLedgerAdapter(n.ledger)
	provider := pipeline.ContextFunc(n.Session)
	n.submitPipe, err = pipeline.NewSubmitPipeline(pipeline.SubmitConfig{
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
		Context:      provider,
		Codec:        n.codec,
		Submitter:    adapter,
		Recon:        n.reconStore,
		Deployments:  n.config.deployments,
		ValueCap:     n.config.valueCap,
		ValueScale:   n.config.valueScale,
	})
	if err != nil {
		return fmt.Errorf("failed to load submission pipeline: %w", err)
	}
	n.decryptPipe, err = pipeline.NewDecryptPipeline(pipeline.DecryptConfig{
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
		Context:      provider,
		Codec:        n.codec,
		Reader:       adapter,
		Grants:       n.grants,
		Recon:        n.reconStore,
		Deployments:  n.config.deployments,
		ValueScale:   n.config.valueScale,
	})
	if err != nil {
		return fmt.Errorf("failed to load decryption pipeline: %w", err)
	}
	return nil
}

// teardownPartial releases whatever setup managed to build before failing.
func (n *Node) teardownPartial() {
	if n.reconStore != nil {
		n.reconStore.Detach()
	}
	if n.eventBus != nil {
		n.eventBus.Stop()
	}
	if n.db != nil {
		n.db.Close() //nolint:errcheck
	}
}

// Session returns the node's current session context.
func (n *Node) Session() pipeline.SessionContext {
	n.sessionMutex.RLock()
	defer n.sessionMutex.RUnlock()
	return n.session
}

// SetSigner switches the session's signer identity. In-flight pipeline
// operations observe the change at their next staleness checkpoint.
func (n *Node) SetSigner(signer fhe.Address) {
	n.sessionMutex.Lock()
	n.session.Signer = fhe.NormalizeAddress(string(signer))
	n.sessionMutex.Unlock()
}

// SetNetwork switches the session's network id.
func (n *Node) SetNetwork(networkId string) {
	n.sessionMutex.Lock()
	n.session.NetworkID = networkId
	n.sessionMutex.Unlock()
}

// Ledger returns the node's ledger.
func (n *Node) Ledger() *vault.Ledger {
	return n.ledger
}

// Recon returns the node's reconciliation store.
func (n *Node) Recon() *recon.Store {
	return n.reconStore
}

// SubmitRecord drives the submission pipeline for one record creation.
func (n *Node) SubmitRecord(
	ctx context.Context,
	kind vault.RecordKind,
	source string,
	value float64,
) (pipeline.SubmitResult, error) {
	return n.submitPipe.Submit(ctx, kind, source, value)
}

// DecryptRecord drives the decryption pipeline for one record.
func (n *Node) DecryptRecord(ctx context.Context, id uint64) (float64, error) {
	return n.decryptPipe.Decrypt(ctx, id)
}

// DecryptingID returns the record id currently being decrypted, if any.
func (n *Node) DecryptingID() (uint64, bool) {
	return n.decryptPipe.DecryptingID()
}

// Run blocks until the node is stopped.
func (n *Node) Run() error {
	n.config.logger.Info(
		"node running",
		"component", "node",
		"network", n.config.network,
		"owner", string(n.config.owner),
	)
	<-n.done
	return nil
}

func (n *Node) Stop() error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.shutdown()
	})
	return err
}

func (n *Node) shutdown() error {
	// Create shutdown context with timeout (default 30s if not configured)
	shutdownTimeout := 30 * time.Second
	if n.config.shutdownTimeout > 0 {
		shutdownTimeout = n.config.shutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error

	n.config.logger.Debug("starting graceful shutdown")

	// Phase 1: Stop accepting new work
	n.config.logger.Debug("shutdown phase 1: stopping new work")

	if n.reconStore != nil {
		n.reconStore.Detach()
	}

	// Phase 2: Release event subscribers
	n.config.logger.Debug("shutdown phase 2: releasing subscribers")

	if n.eventBus != nil {
		n.eventBus.Stop()
	}

	// Phase 3: Flush state and close database
	n.config.logger.Debug("shutdown phase 3: flushing state")

	if n.db != nil {
		if closeErr := n.db.Close(); closeErr != nil {
			err = errors.Join(
				err,
				fmt.Errorf("database close: %w", closeErr),
			)
		}
	}

	// Phase 4: Cleanup resources
	n.config.logger.Debug("shutdown phase 4: cleanup resources")

	// Call registered shutdown functions
	for _, fn := range n.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	n.shutdownFuncs = nil

	n.config.logger.Debug("graceful shutdown complete")
	close(n.done)
	return err
}

// autoSigner approves every grant request. Dev mode only.
type autoSigner struct{}

func (autoSigner) Sign(_ context.Context, payload []byte) ([]byte, error) {
	sum := sha256.Sum256(payload)
	return sum[:], nil
}
