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

package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/water4699/power-key-vault/auth"
	"github.com/water4699/power-key-vault/database"
	"github.com/water4699/power-key-vault/event"
	"github.com/water4699/power-key-vault/fhe"
	"github.com/water4699/power-key-vault/fhe/fhemock"
	"github.com/water4699/power-key-vault/pipeline"
	"github.com/water4699/power-key-vault/recon"
	"github.com/water4699/power-key-vault/vault"
)

const (
	testNetwork  = "localnet"
	testContract = fhe.Address("0xvault")
)

var (
	alice = fhe.Address("0xalice")
	bob   = fhe.Address("0xbob")
)

type mockSigner struct {
	mu        sync.Mutex
	signCount int
	err       error
}

func (s *mockSigner) Sign(_ context.Context, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.signCount++
	return append([]byte("signed:"), payload...), nil
}

func (s *mockSigner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signCount
}

// testHarness wires a full in-process stack: mock coprocessor, in-memory
// database, ledger, adapter, auth manager, reconciliation store, and both
// pipelines under a swappable session context.
type testHarness struct {
	codec   *fhemock.Coprocessor
	ledger  *vault.Ledger
	adapter *pipeline.LedgerAdapter
	signer  *mockSigner
	store   *recon.Store

	mu      sync.Mutex
	session pipeline.SessionContext

	submit  *pipeline.SubmitPipeline
	decrypt *pipeline.DecryptPipeline
}

func (h *testHarness) current() pipeline.SessionContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

func (h *testHarness) setSession(sctx pipeline.SessionContext) {
	h.mu.Lock()
	h.session = sctx
	h.mu.Unlock()
}

func newTestHarness(t *testing.T, owner fhe.Address) *testHarness {
	t.Helper()
	codec := fhemock.New()
	db, err := database.New(&database.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	bus := event.NewEventBus(nil, nil)
	t.Cleanup(bus.Stop)
	ledger, err := vault.NewLedger(vault.LedgerConfig{
		Codec:           codec,
		Database:        db,
		EventBus:        bus,
		ContractAddress: testContract,
	})
	require.NoError(t, err)

	h := &testHarness{
		codec:   codec,
		ledger:  ledger,
		adapter: pipeline.NewLedgerAdapter(ledger),
		signer:  &mockSigner{},
		session: pipeline.SessionContext{
			NetworkID: testNetwork,
			Signer:    owner,
		},
	}
	h.store = recon.NewStore(recon.StoreConfig{
		EventBus: bus,
		Owner:    owner,
	})
	deployments := map[string]fhe.Address{testNetwork: testContract}
	provider := pipeline.ContextFunc(h.current)

	h.submit, err = pipeline.NewSubmitPipeline(pipeline.SubmitConfig{
		Context:     provider,
		Codec:       codec,
		Submitter:   h.adapter,
		Recon:       h.store,
		Deployments: deployments,
	})
	require.NoError(t, err)

	grants, err := auth.NewManager(auth.ManagerConfig{
		Signer: h.signer,
		Store:  db,
	})
	require.NoError(t, err)
	h.decrypt, err = pipeline.NewDecryptPipeline(pipeline.DecryptConfig{
		Context:     provider,
		Codec:       codec,
		Reader:      h.adapter,
		Grants:      grants,
		Recon:       h.store,
		Deployments: deployments,
	})
	require.NoError(t, err)
	return h
}

func TestSubmitValidation(t *testing.T) {
	h := newTestHarness(t, alice)
	cases := []struct {
		name   string
		source string
		value  float64
	}{
		{"short source", "x", 100},
		{"nan", "Solar", math.NaN()},
		{"positive inf", "Solar", math.Inf(1)},
		{"negative", "Solar", -1},
		{"over cap", "Solar", 10000.1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.submit.Submit(
				context.Background(),
				vault.KindGeneration,
				tc.source,
				tc.value,
			)
			var valErr *pipeline.ValidationError
			require.ErrorAs(t, err, &valErr)
		})
	}
	// Nothing reached the ledger
	require.Equal(t, uint64(0), h.ledger.TotalRecords())
}

func TestSubmitDecryptRoundTrip(t *testing.T) {
	h := newTestHarness(t, alice)
	// One-decimal values must survive the scale-by-10 round trip exactly
	for _, value := range []float64{0.1, 100.0, 9999.9, 42.5} {
		t.Run(fmt.Sprintf("%v", value), func(t *testing.T) {
			result, err := h.submit.Submit(
				context.Background(),
				vault.KindGeneration,
				"Solar Panel",
				value,
			)
			require.NoError(t, err)
			require.True(t, result.IDKnown)

			got, err := h.decrypt.Decrypt(
				context.Background(),
				result.RecordID,
			)
			require.NoError(t, err)
			require.InDelta(t, value, got, 1e-9)
		})
	}
}

func TestSubmitUpdatesRecon(t *testing.T) {
	h := newTestHarness(t, alice)
	result, err := h.submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Solar",
		100.5,
	)
	require.NoError(t, err)
	require.InDelta(t, 100.5, h.store.Total(vault.KindGeneration), 1e-9)
	rec, ok := h.store.Record(result.RecordID)
	require.True(t, ok)
	val, revealed := rec.Value.Plaintext()
	require.True(t, revealed)
	require.InDelta(t, 100.5, val, 1e-9)
}

func TestSubmitScaledValueBound(t *testing.T) {
	h := newTestHarness(t, alice)
	// A cap raised past the ciphertext width must not let the scaled value
	// wrap; the width check has to hold independently of the cap
	submit, err := pipeline.NewSubmitPipeline(pipeline.SubmitConfig{
		Context: pipeline.StaticContext{
			NetworkID: testNetwork,
			Signer:    alice,
		},
		Codec:       h.codec,
		Submitter:   h.adapter,
		Deployments: map[string]fhe.Address{testNetwork: testContract},
		ValueCap:    1e9,
		ValueScale:  10,
	})
	require.NoError(t, err)

	_, err = submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Solar",
		500_000_000,
	)
	var valErr *pipeline.ValidationError
	require.ErrorAs(t, err, &valErr)
	require.Equal(t, uint64(0), h.ledger.TotalRecords())

	// A value whose scaled form still fits is accepted
	result, err := submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Solar",
		400_000_000,
	)
	require.NoError(t, err)
	require.True(t, result.IDKnown)
}

func TestSubmitReconQuantized(t *testing.T) {
	h := newTestHarness(t, alice)
	// Inputs beyond the scale's precision are rounded on submission; the
	// optimistic total must track the stored value, not the raw input
	result, err := h.submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Solar",
		42.123,
	)
	require.NoError(t, err)
	require.InDelta(t, 42.1, h.store.Total(vault.KindGeneration), 1e-9)

	got, err := h.decrypt.Decrypt(context.Background(), result.RecordID)
	require.NoError(t, err)
	require.InDelta(t, 42.1, got, 1e-9)
	require.InDelta(t, got, h.store.Total(vault.KindGeneration), 1e-9)
}

func TestSubmitStaleSigner(t *testing.T) {
	h := newTestHarness(t, alice)
	// The provider returns Alice at capture and Bob at every later
	// observation, modeling an account switch during the first suspension;
	// the first staleness checkpoint must abort with no reconciliation
	// mutation
	flipped := false
	provider := pipeline.ContextFunc(func() pipeline.SessionContext {
		if flipped {
			return pipeline.SessionContext{
				NetworkID: testNetwork,
				Signer:    bob,
			}
		}
		flipped = true
		return pipeline.SessionContext{
			NetworkID: testNetwork,
			Signer:    alice,
		}
	})
	submit, err := pipeline.NewSubmitPipeline(pipeline.SubmitConfig{
		Context:     provider,
		Codec:       h.codec,
		Submitter:   h.adapter,
		Recon:       h.store,
		Deployments: map[string]fhe.Address{testNetwork: testContract},
	})
	require.NoError(t, err)

	_, err = submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Solar",
		100,
	)
	require.ErrorIs(t, err, pipeline.ErrStale)
	require.InDelta(t, 0, h.store.Total(vault.KindGeneration), 1e-9)
	require.Equal(t, uint64(0), h.ledger.TotalRecords())
}

func TestSubmitStaleNetwork(t *testing.T) {
	h := newTestHarness(t, alice)
	flipped := false
	provider := pipeline.ContextFunc(func() pipeline.SessionContext {
		if flipped {
			return pipeline.SessionContext{
				NetworkID: "othernet",
				Signer:    alice,
			}
		}
		flipped = true
		return pipeline.SessionContext{
			NetworkID: testNetwork,
			Signer:    alice,
		}
	})
	submit, err := pipeline.NewSubmitPipeline(pipeline.SubmitConfig{
		Context:     provider,
		Codec:       h.codec,
		Submitter:   h.adapter,
		Deployments: map[string]fhe.Address{testNetwork: testContract},
	})
	require.NoError(t, err)

	_, err = submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Solar",
		100,
	)
	require.ErrorIs(t, err, pipeline.ErrStale)
}

func TestSubmitNoDeployment(t *testing.T) {
	h := newTestHarness(t, alice)
	h.setSession(pipeline.SessionContext{
		NetworkID: "unknownnet",
		Signer:    alice,
	})
	_, err := h.submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Solar",
		100,
	)
	require.ErrorIs(t, err, pipeline.ErrNoDeployment)
}

type blockingSubmitter struct {
	release chan struct{}
	entered chan struct{}
	// enterOnce guards the entered channel so the submitter can be called
	// again after release without closing it twice
	enterOnce sync.Once
}

func (s *blockingSubmitter) SubmitRecord(
	_ context.Context,
	_ fhe.Address,
	_ fhe.Address,
	_ vault.RecordKind,
	_ string,
	_ fhe.EncryptedInput,
) (pipeline.TxRef, error) {
	s.enterOnce.Do(func() {
		close(s.entered)
	})
	<-s.release
	return "", errors.New("released")
}

func (s *blockingSubmitter) AwaitReceipt(
	_ context.Context,
	_ pipeline.TxRef,
) (*pipeline.Receipt, error) {
	return nil, errors.New("unused")
}

func TestSubmitSingleInFlight(t *testing.T) {
	h := newTestHarness(t, alice)
	blocker := &blockingSubmitter{
		release: make(chan struct{}),
		entered: make(chan struct{}),
	}
	submit, err := pipeline.NewSubmitPipeline(pipeline.SubmitConfig{
		Context: pipeline.StaticContext{
			NetworkID: testNetwork,
			Signer:    alice,
		},
		Codec:       h.codec,
		Submitter:   blocker,
		Deployments: map[string]fhe.Address{testNetwork: testContract},
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := submit.Submit(
			context.Background(),
			vault.KindGeneration,
			"Solar",
			100,
		)
		errCh <- err
	}()
	<-blocker.entered

	// Second call while the first is blocked must be rejected immediately
	_, err = submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Wind",
		50,
	)
	require.ErrorIs(t, err, pipeline.ErrBusy)

	close(blocker.release)
	var transportErr *pipeline.TransportError
	require.ErrorAs(t, <-errCh, &transportErr)

	// Pipeline is reusable once idle again
	_, err = submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Solar",
		100,
	)
	var transportErr2 *pipeline.TransportError
	require.ErrorAs(t, err, &transportErr2)
}

type failingSubmitter struct {
	err error
}

func (s *failingSubmitter) SubmitRecord(
	_ context.Context,
	_ fhe.Address,
	_ fhe.Address,
	_ vault.RecordKind,
	_ string,
	_ fhe.EncryptedInput,
) (pipeline.TxRef, error) {
	return "", s.err
}

func (s *failingSubmitter) AwaitReceipt(
	_ context.Context,
	_ pipeline.TxRef,
) (*pipeline.Receipt, error) {
	return nil, errors.New("unused")
}

func newFailingSubmitPipeline(
	t *testing.T,
	h *testHarness,
	submitErr error,
) *pipeline.SubmitPipeline {
	t.Helper()
	submit, err := pipeline.NewSubmitPipeline(pipeline.SubmitConfig{
		Context: pipeline.StaticContext{
			NetworkID: testNetwork,
			Signer:    alice,
		},
		Codec:       h.codec,
		Submitter:   &failingSubmitter{err: submitErr},
		Deployments: map[string]fhe.Address{testNetwork: testContract},
	})
	require.NoError(t, err)
	return submit
}

func TestSubmitErrorClassification(t *testing.T) {
	h := newTestHarness(t, alice)

	t.Run("signer rejection", func(t *testing.T) {
		submit := newFailingSubmitPipeline(
			t,
			h,
			fmt.Errorf("%w: user denied", pipeline.ErrSignerRejected),
		)
		_, err := submit.Submit(
			context.Background(),
			vault.KindGeneration,
			"Solar",
			100,
		)
		var signerErr *pipeline.SignerError
		require.ErrorAs(t, err, &signerErr)
	})

	t.Run("transport failure", func(t *testing.T) {
		submit := newFailingSubmitPipeline(
			t,
			h,
			errors.New("connection refused"),
		)
		_, err := submit.Submit(
			context.Background(),
			vault.KindGeneration,
			"Solar",
			100,
		)
		var transportErr *pipeline.TransportError
		require.ErrorAs(t, err, &transportErr)
	})

	t.Run("ledger rejection", func(t *testing.T) {
		// Encrypt as Bob, submit as Alice: the adapter forwards the proof
		// failure from the ledger
		in, err := h.codec.Encrypt(
			context.Background(),
			testContract,
			bob,
			100,
		)
		require.NoError(t, err)
		_, err = h.adapter.SubmitRecord(
			context.Background(),
			testContract,
			alice,
			vault.KindGeneration,
			"Solar",
			in,
		)
		var proofErr *vault.InvalidProofError
		require.ErrorAs(t, err, &proofErr)
	})
}

type eventlessSubmitter struct {
	inner pipeline.Submitter
}

func (s *eventlessSubmitter) SubmitRecord(
	ctx context.Context,
	contract fhe.Address,
	caller fhe.Address,
	kind vault.RecordKind,
	source string,
	in fhe.EncryptedInput,
) (pipeline.TxRef, error) {
	return s.inner.SubmitRecord(ctx, contract, caller, kind, source, in)
}

func (s *eventlessSubmitter) AwaitReceipt(
	ctx context.Context,
	ref pipeline.TxRef,
) (*pipeline.Receipt, error) {
	_, err := s.inner.AwaitReceipt(ctx, ref)
	if err != nil {
		return nil, err
	}
	// Strip the creation event to model a receipt the pipeline cannot
	// extract an id from
	return &pipeline.Receipt{
		Logs: []pipeline.ReceiptLog{
			{Type: "other.event", Data: "noise"},
		},
	}, nil
}

func TestSubmitIdUnknown(t *testing.T) {
	h := newTestHarness(t, alice)
	submit, err := pipeline.NewSubmitPipeline(pipeline.SubmitConfig{
		Context: pipeline.StaticContext{
			NetworkID: testNetwork,
			Signer:    alice,
		},
		Codec:       h.codec,
		Submitter:   &eventlessSubmitter{inner: h.adapter},
		Recon:       h.store,
		Deployments: map[string]fhe.Address{testNetwork: testContract},
	})
	require.NoError(t, err)

	// Created but identifier unknown is still success
	result, err := submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Solar",
		100,
	)
	require.NoError(t, err)
	require.False(t, result.IDKnown)
	require.Equal(t, uint64(1), h.ledger.TotalRecords())
	// The optimistic total still moves; no record row is inserted locally
	require.InDelta(t, 100, h.store.Total(vault.KindGeneration), 1e-9)
}

func TestDecryptNotOwner(t *testing.T) {
	h := newTestHarness(t, alice)
	result, err := h.submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Solar",
		100,
	)
	require.NoError(t, err)

	h.setSession(pipeline.SessionContext{
		NetworkID: testNetwork,
		Signer:    bob,
	})
	_, err = h.decrypt.Decrypt(context.Background(), result.RecordID)
	var rejection *pipeline.LedgerRejectionError
	require.ErrorAs(t, err, &rejection)
	require.ErrorIs(t, err, vault.ErrNotOwner)
}

func TestDecryptGrantDenied(t *testing.T) {
	h := newTestHarness(t, alice)
	result, err := h.submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Solar",
		100,
	)
	require.NoError(t, err)

	h.signer.mu.Lock()
	h.signer.err = errors.New("user rejected request")
	h.signer.mu.Unlock()

	_, err = h.decrypt.Decrypt(context.Background(), result.RecordID)
	var decErr *pipeline.DecryptionError
	require.ErrorAs(t, err, &decErr)
	require.ErrorIs(t, err, auth.ErrGrantDenied)
}

func TestDecryptGrantReuse(t *testing.T) {
	h := newTestHarness(t, alice)
	var ids []uint64
	for _, value := range []float64{100, 200} {
		result, err := h.submit.Submit(
			context.Background(),
			vault.KindGeneration,
			"Solar",
			value,
		)
		require.NoError(t, err)
		ids = append(ids, result.RecordID)
	}
	for _, id := range ids {
		_, err := h.decrypt.Decrypt(context.Background(), id)
		require.NoError(t, err)
	}
	// One signature covers both decrypts within the validity window
	require.Equal(t, 1, h.signer.count())
}

func TestDecryptStale(t *testing.T) {
	h := newTestHarness(t, alice)
	result, err := h.submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Solar",
		100,
	)
	require.NoError(t, err)

	flipped := false
	provider := pipeline.ContextFunc(func() pipeline.SessionContext {
		if flipped {
			return pipeline.SessionContext{
				NetworkID: testNetwork,
				Signer:    bob,
			}
		}
		flipped = true
		return pipeline.SessionContext{
			NetworkID: testNetwork,
			Signer:    alice,
		}
	})
	grants, err := auth.NewManager(auth.ManagerConfig{
		Signer: h.signer,
		Store:  newTestGrantStore(),
	})
	require.NoError(t, err)
	decrypt, err := pipeline.NewDecryptPipeline(pipeline.DecryptConfig{
		Context:     provider,
		Codec:       h.codec,
		Reader:      h.adapter,
		Grants:      grants,
		Deployments: map[string]fhe.Address{testNetwork: testContract},
	})
	require.NoError(t, err)

	_, err = decrypt.Decrypt(context.Background(), result.RecordID)
	require.ErrorIs(t, err, pipeline.ErrStale)
}

type testGrantStore struct {
	mu     sync.Mutex
	grants map[string][]byte
}

func newTestGrantStore() *testGrantStore {
	return &testGrantStore{grants: make(map[string][]byte)}
}

func (s *testGrantStore) GetGrant(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.grants[key]
	return val, ok, nil
}

func (s *testGrantStore) PutGrant(key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[key] = val
	return nil
}

type missingResultCodec struct {
	*fhemock.Coprocessor
}

func (c *missingResultCodec) UserDecrypt(
	_ context.Context,
	_ []fhe.DecryptRequest,
	_ *fhe.DecryptionGrant,
) (map[fhe.Handle]uint64, error) {
	// A response without the requested handle
	return map[fhe.Handle]uint64{}, nil
}

func TestDecryptInvalidResult(t *testing.T) {
	h := newTestHarness(t, alice)
	result, err := h.submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Solar",
		100,
	)
	require.NoError(t, err)

	grants, err := auth.NewManager(auth.ManagerConfig{
		Signer: h.signer,
		Store:  newTestGrantStore(),
	})
	require.NoError(t, err)
	decrypt, err := pipeline.NewDecryptPipeline(pipeline.DecryptConfig{
		Context: pipeline.StaticContext{
			NetworkID: testNetwork,
			Signer:    alice,
		},
		Codec:       &missingResultCodec{Coprocessor: h.codec},
		Reader:      h.adapter,
		Grants:      grants,
		Deployments: map[string]fhe.Address{testNetwork: testContract},
	})
	require.NoError(t, err)

	_, err = decrypt.Decrypt(context.Background(), result.RecordID)
	var decErr *pipeline.DecryptionError
	require.ErrorAs(t, err, &decErr)
	require.ErrorIs(t, err, pipeline.ErrInvalidResult)
}

func TestDecryptSingleSlot(t *testing.T) {
	h := newTestHarness(t, alice)
	result, err := h.submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Solar",
		100,
	)
	require.NoError(t, err)

	_, busy := h.decrypt.DecryptingID()
	require.False(t, busy)

	// Block the decrypt in the grant signer to observe the busy slot
	blocked := make(chan struct{})
	release := make(chan struct{})
	grants, err := auth.NewManager(auth.ManagerConfig{
		Signer: signerFunc(func(_ context.Context, _ []byte) ([]byte, error) {
			close(blocked)
			<-release
			return []byte("sig"), nil
		}),
		Store: newTestGrantStore(),
	})
	require.NoError(t, err)
	decrypt, err := pipeline.NewDecryptPipeline(pipeline.DecryptConfig{
		Context: pipeline.StaticContext{
			NetworkID: testNetwork,
			Signer:    alice,
		},
		Codec:       h.codec,
		Reader:      h.adapter,
		Grants:      grants,
		Deployments: map[string]fhe.Address{testNetwork: testContract},
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := decrypt.Decrypt(context.Background(), result.RecordID)
		errCh <- err
	}()
	<-blocked

	id, busy := decrypt.DecryptingID()
	require.True(t, busy)
	require.Equal(t, result.RecordID, id)

	// A request for any id while one is in flight is rejected immediately
	_, err = decrypt.Decrypt(context.Background(), 99)
	require.ErrorIs(t, err, pipeline.ErrBusy)

	close(release)
	require.NoError(t, <-errCh)
	_, busy = decrypt.DecryptingID()
	require.False(t, busy)
}

type signerFunc func(ctx context.Context, payload []byte) ([]byte, error)

func (f signerFunc) Sign(
	ctx context.Context,
	payload []byte,
) ([]byte, error) {
	return f(ctx, payload)
}

func TestSubmitPipelinesIndependent(t *testing.T) {
	// A decryption in flight must not block a submission
	h := newTestHarness(t, alice)
	result, err := h.submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Solar",
		100,
	)
	require.NoError(t, err)

	blocked := make(chan struct{})
	release := make(chan struct{})
	grants, err := auth.NewManager(auth.ManagerConfig{
		Signer: signerFunc(func(_ context.Context, _ []byte) ([]byte, error) {
			close(blocked)
			<-release
			return []byte("sig"), nil
		}),
		Store: newTestGrantStore(),
	})
	require.NoError(t, err)
	decrypt, err := pipeline.NewDecryptPipeline(pipeline.DecryptConfig{
		Context: pipeline.StaticContext{
			NetworkID: testNetwork,
			Signer:    alice,
		},
		Codec:       h.codec,
		Reader:      h.adapter,
		Grants:      grants,
		Deployments: map[string]fhe.Address{testNetwork: testContract},
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := decrypt.Decrypt(context.Background(), result.RecordID)
		errCh <- err
	}()
	<-blocked

	_, err = h.submit.Submit(
		context.Background(),
		vault.KindConsumption,
		"Home",
		25,
	)
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-errCh)
}

func TestDecryptUpdatesRecon(t *testing.T) {
	h := newTestHarness(t, alice)
	result, err := h.submit.Submit(
		context.Background(),
		vault.KindGeneration,
		"Solar",
		123.4,
	)
	require.NoError(t, err)

	value, err := h.decrypt.Decrypt(context.Background(), result.RecordID)
	require.NoError(t, err)
	require.InDelta(t, 123.4, value, 1e-9)

	rec, ok := h.store.Record(result.RecordID)
	require.True(t, ok)
	got, revealed := rec.Value.Plaintext()
	require.True(t, revealed)
	require.InDelta(t, 123.4, got, 1e-9)
}
