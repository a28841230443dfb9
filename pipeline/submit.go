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
	"math"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/water4699/power-key-vault/event"
	"github.com/water4699/power-key-vault/fhe"
	"github.com/water4699/power-key-vault/recon"
	"github.com/water4699/power-key-vault/vault"
)

const (
	// DefaultValueCap bounds the unscaled domain value.
	DefaultValueCap float64 = 10000
	// DefaultValueScale gives one decimal digit of precision in the
	// ciphertext domain.
	DefaultValueScale uint32 = 10

	// minSourceLen is the minimum length of a record source label.
	minSourceLen = 2
)

// TxRef identifies an in-flight creation transaction with its Submitter.
type TxRef string

// ReceiptLog is one event attached to a confirmed transaction. Receipts may
// carry logs from other contracts; the pipeline skips anything that is not
// a record creation.
type ReceiptLog struct {
	Type event.EventType
	Data any
}

// Receipt is the ledger's confirmation of a creation transaction.
type Receipt struct {
	Logs []ReceiptLog
}

// Submitter sends creation calls to the ledger and waits for confirmation.
// Implementations wrap ErrSignerRejected when the user refuses to sign.
type Submitter interface {
	SubmitRecord(
		ctx context.Context,
		contract fhe.Address,
		caller fhe.Address,
		kind vault.RecordKind,
		source string,
		in fhe.EncryptedInput,
	) (TxRef, error)
	AwaitReceipt(ctx context.Context, ref TxRef) (*Receipt, error)
}

// SubmitConfig holds configuration for the submission pipeline.
type SubmitConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	Context      ContextProvider
	Codec        fhe.Coprocessor
	Submitter    Submitter
	// Recon, when set, receives the optimistic update on completion.
	Recon *recon.Store
	// Deployments maps network ids to contract addresses.
	Deployments map[string]fhe.Address
	// ValueCap and ValueScale default to DefaultValueCap/DefaultValueScale.
	ValueCap   float64
	ValueScale uint32
}

// SubmitResult reports a completed creation. IDKnown is false when the
// transaction confirmed but no creation event could be found in the
// receipt; the record exists on the ledger, only its id is unknown locally.
type SubmitResult struct {
	RecordID uint64
	IDKnown  bool
}

// SubmitPipeline drives encrypt, stale-check, submit, confirm, and
// id-extraction for record creation. One creation may be in flight at a
// time; concurrent calls are rejected with ErrBusy.
type SubmitPipeline struct {
	config  SubmitConfig
	logger  *slog.Logger
	metrics struct {
		outcomes *prometheus.CounterVec
	}
	inFlight atomic.Bool
}

// NewSubmitPipeline creates a submission pipeline.
func NewSubmitPipeline(config SubmitConfig) (*SubmitPipeline, error) {
	if config.Context == nil {
		return nil, errors.New("no context provider")
	}
	if config.Codec == nil {
		return nil, errors.New("no codec provided")
	}
	if config.Submitter == nil {
		return nil, errors.New("no submitter provided")
	}
	if config.ValueCap == 0 {
		config.ValueCap = DefaultValueCap
	}
	if config.ValueScale == 0 {
		config.ValueScale = DefaultValueScale
	}
	p := &SubmitPipeline{
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
			Name: "powervault_submissions_total",
			Help: "submission pipeline outcomes",
		},
		[]string{"outcome"},
	)
	return p, nil
}

// validate rejects out-of-domain input before the pipeline starts.
func (p *SubmitPipeline) validate(source string, value float64) error {
	if len(source) < minSourceLen {
		return &ValidationError{Reason: "source label too short"}
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return &ValidationError{Reason: "value is not finite"}
	}
	if value < 0 {
		return &ValidationError{Reason: "value is negative"}
	}
	if value > p.config.ValueCap {
		return &ValidationError{
			Reason: fmt.Sprintf(
				"value exceeds cap of %g",
				p.config.ValueCap,
			),
		}
	}
	// The cap is configurable, so it alone does not guarantee the scaled
	// value fits the ciphertext width
	if math.Round(value*float64(p.config.ValueScale)) > math.MaxUint32 {
		return &ValidationError{
			Reason: "scaled value exceeds ciphertext width",
		}
	}
	return nil
}

// checkStale compares the captured context and contract binding against the
// live values.
func (p *SubmitPipeline) checkStale(
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

// Submit creates a confidential record for the given value. The value is
// scaled for ciphertext storage, encrypted and proved by the codec, and
// submitted under the session's signer identity. A context change detected
// after any external call abandons the local result with ErrStale; a
// transaction the ledger already accepted is not rolled back.
func (p *SubmitPipeline) Submit(
	ctx context.Context,
	kind vault.RecordKind,
	source string,
	value float64,
) (SubmitResult, error) {
	if err := p.validate(source, value); err != nil {
		return SubmitResult{}, err
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		return SubmitResult{}, ErrBusy
	}
	defer p.inFlight.Store(false)

	captured := p.config.Context.Current()
	contract, ok := p.config.Deployments[captured.NetworkID]
	if !ok {
		return SubmitResult{}, fmt.Errorf(
			"%w: %s",
			ErrNoDeployment,
			captured.NetworkID,
		)
	}
	scaled := uint32(math.Round(value * float64(p.config.ValueScale)))

	// Encrypting
	in, err := p.config.Codec.Encrypt(ctx, contract, captured.Signer, scaled)
	if err != nil {
		p.metrics.outcomes.WithLabelValues("failed").Inc()
		return SubmitResult{}, &TransportError{
			Err: fmt.Errorf("encrypt failed: %w", err),
		}
	}
	if err := p.checkStale(captured, contract); err != nil {
		p.metrics.outcomes.WithLabelValues("aborted").Inc()
		return SubmitResult{}, err
	}

	// Submitting
	ref, err := p.config.Submitter.SubmitRecord(
		ctx,
		contract,
		captured.Signer,
		kind,
		source,
		in,
	)
	if err != nil {
		p.metrics.outcomes.WithLabelValues("failed").Inc()
		return SubmitResult{}, classifyLedgerError(err)
	}

	// AwaitingReceipt
	receipt, err := p.config.Submitter.AwaitReceipt(ctx, ref)
	if err != nil {
		p.metrics.outcomes.WithLabelValues("failed").Inc()
		return SubmitResult{}, classifyLedgerError(err)
	}
	if err := p.checkStale(captured, contract); err != nil {
		// The transaction is already committed; only the local outcome is
		// discarded
		p.metrics.outcomes.WithLabelValues("aborted").Inc()
		return SubmitResult{}, err
	}

	// ExtractingId
	result := extractRecordId(receipt)
	p.logger.Info(
		"record submitted",
		"component", "pipeline",
		"kind", kind.String(),
		"record_id", result.RecordID,
		"id_known", result.IDKnown,
	)
	p.metrics.outcomes.WithLabelValues("done").Inc()

	if p.config.Recon != nil {
		// Apply the quantized value the ledger actually stored, not the
		// caller's raw input
		p.config.Recon.ApplyOptimistic(
			result.RecordID,
			result.IDKnown,
			kind,
			source,
			float64(scaled)/float64(p.config.ValueScale),
		)
	}
	return result, nil
}

// extractRecordId scans receipt logs for the record creation event. Logs
// from other sources are skipped; a receipt without the event still counts
// as success, just with an unknown id.
func extractRecordId(receipt *Receipt) SubmitResult {
	if receipt == nil {
		return SubmitResult{}
	}
	for _, log := range receipt.Logs {
		if log.Type != vault.RecordCreatedEventType {
			continue
		}
		payload, ok := log.Data.(vault.RecordCreatedEvent)
		if !ok {
			continue
		}
		return SubmitResult{RecordID: payload.ID, IDKnown: true}
	}
	return SubmitResult{}
}
