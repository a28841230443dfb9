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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/water4699/power-key-vault/auth"
	"github.com/water4699/power-key-vault/fhe"
	"github.com/water4699/power-key-vault/recon"
)

// LedgerReader fetches a record's ciphertext handle on behalf of a caller.
// The ledger enforces ownership, so the caller identity must be the record
// owner.
type LedgerReader interface {
	RecordEncryptedValue(
		ctx context.Context,
		id uint64,
		caller fhe.Address,
	) (fhe.Handle, error)
}

// GrantSource supplies decryption grants. *auth.Manager satisfies this.
type GrantSource interface {
	ObtainGrant(
		ctx context.Context,
		user fhe.Address,
		contracts []fhe.Address,
	) (*fhe.DecryptionGrant, error)
}

// DecryptConfig holds configuration for the decryption pipeline.
type DecryptConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	Context      ContextProvider
	Codec        fhe.Coprocessor
	Reader       LedgerReader
	Grants       GrantSource
	// Recon, when set, receives the revealed plaintext on completion.
	Recon *recon.Store
	// Deployments maps network ids to contract addresses.
	Deployments map[string]fhe.Address
	// ValueScale defaults to DefaultValueScale.
	ValueScale uint32
}

// DecryptPipeline drives fetch-ciphertext, authorize, request-plaintext,
// and validate for a single record. Decryptions are serialized through a
// single in-flight slot; a request for any id while one is running is
// rejected with ErrBusy.
type DecryptPipeline struct {
	config  DecryptConfig
	logger  *slog.Logger
	metrics struct {
		outcomes *prometheus.CounterVec
	}

	mutex   sync.Mutex
	current *uint64
}

// NewDecryptPipeline creates a decryption pipeline.
func NewDecryptPipeline(config DecryptConfig) (*DecryptPipeline, error) {
	if config.Context == nil {
		return nil, errors.New("no context provider")
	}
	if config.Codec == nil {
		return nil, errors.New("no codec provided")
	}
	if config.Reader == nil {
		return nil, errors.New("no ledger reader provided")
	}
	if config.Grants == nil {
		return nil, errors.New("no grant source provided")
	}
	if config.ValueScale == 0 {
		config.ValueScale = DefaultValueScale
	}
	p := &DecryptPipeline{
		config: config,
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		p.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		p.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	p.metrics.outcomes = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powervault_decryptions_total",
			Help: "decryption pipeline outcomes",
		},
		[]string{"outcome"},
	)
	return p, nil
}

// DecryptingID returns the record id currently being decrypted, if any.
func (p *DecryptPipeline) DecryptingID() (uint64, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.current == nil {
		return 0, false
	}
	return *p.current, true
}

func (p *DecryptPipeline) acquire(id uint64) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.current != nil {
		return ErrBusy
	}
	p.current = &id
	return nil
}

func (p *DecryptPipeline) release() {
	p.mutex.Lock()
	p.current = nil
	p.mutex.Unlock()
}

func (p *DecryptPipeline) checkStale(
	captured SessionContext,
	contract fhe.Address,
) error {
	live := p.config.Context.Current()
	if !live.Equal(captured) {
		return ErrStale
	}
	if p.config.Deployments[live.NetworkID] != contract {
		return ErrStale
	}
	return nil
}

// Decrypt reveals the plaintext value of a record owned by the session's
// signer. The returned value is unscaled back to the domain (one decimal
// digit). A context change detected after any external call abandons the
// operation with ErrStale.
func (p *DecryptPipeline) Decrypt(
	ctx context.Context,
	id uint64,
) (float64, error) {
	if err := p.acquire(id); err != nil {
		return 0, err
	}
	defer p.release()

	captured := p.config.Context.Current()
	contract, ok := p.config.Deployments[captured.NetworkID]
	if !ok {
		return 0, fmt.Errorf(
			"%w: %s",
			ErrNoDeployment,
			captured.NetworkID,
		)
	}

	// FetchingCiphertext: must be fetched as the owner, the ledger rejects
	// anyone else
	handle, err := p.config.Reader.RecordEncryptedValue(
		ctx,
		id,
		captured.Signer,
	)
	if err != nil {
		p.metrics.outcomes.WithLabelValues("failed").Inc()
		return 0, classifyLedgerError(err)
	}
	if err := p.checkStale(captured, contract); err != nil {
		p.metrics.outcomes.WithLabelValues("aborted").Inc()
		return 0, err
	}

	// Authorizing
	grant, err := p.config.Grants.ObtainGrant(
		ctx,
		captured.Signer,
		[]fhe.Address{contract},
	)
	if err != nil {
		p.metrics.outcomes.WithLabelValues("failed").Inc()
		if errors.Is(err, auth.ErrGrantDenied) {
			return 0, &DecryptionError{Err: err}
		}
		return 0, &TransportError{Err: err}
	}
	if err := p.checkStale(captured, contract); err != nil {
		p.metrics.outcomes.WithLabelValues("aborted").Inc()
		return 0, err
	}

	// RequestingPlaintext
	results, err := p.config.Codec.UserDecrypt(
		ctx,
		[]fhe.DecryptRequest{
			{Handle: handle, ContractAddress: contract},
		},
		grant,
	)
	if err != nil {
		p.metrics.outcomes.WithLabelValues("failed").Inc()
		if errors.Is(err, fhe.ErrGrantInvalid) {
			return 0, &DecryptionError{Err: err}
		}
		return 0, &TransportError{Err: err}
	}
	if err := p.checkStale(captured, contract); err != nil {
		p.metrics.outcomes.WithLabelValues("aborted").Inc()
		return 0, err
	}

	// Validating
	raw, ok := results[handle]
	if !ok {
		p.metrics.outcomes.WithLabelValues("failed").Inc()
		return 0, &DecryptionError{Err: ErrInvalidResult}
	}
	value := float64(raw) / float64(p.config.ValueScale)
	if value < 0 {
		p.metrics.outcomes.WithLabelValues("failed").Inc()
		return 0, &DecryptionError{Err: ErrInvalidResult}
	}
	p.logger.Info(
		"record decrypted",
		"component", "pipeline",
		"record_id", id,
	)
	p.metrics.outcomes.WithLabelValues("done").Inc()

	if p.config.Recon != nil {
		p.config.Recon.MarkRevealed(id, value)
	}
	return value, nil
}
