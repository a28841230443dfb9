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

// Package auth manages time-bounded decryption grants. A grant authorizes a
// specific user to decrypt ciphertexts bound to a specific set of contract
// addresses. Grants are cached in a caller-supplied store and reused until
// they expire; expiry is always evaluated at use time.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/water4699/power-key-vault/fhe"
)

// ErrGrantDenied is returned when the signer refuses to sign a new grant.
var ErrGrantDenied = errors.New("decryption grant denied")

// DefaultDurationDays is the grant validity window used when none is
// configured.
const DefaultDurationDays uint32 = 7

// Signer produces a signature over a grant payload on behalf of the user.
// Implementations typically prompt a wallet; a refusal is reported as an
// error.
type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

// Store is the persistent grant cache. Get returns ok=false when the key is
// absent. Implementations must write values atomically.
type Store interface {
	GetGrant(key string) ([]byte, bool, error)
	PutGrant(key string, val []byte) error
}

// ManagerConfig holds configuration for the grant Manager.
type ManagerConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	Signer       Signer
	Store        Store
	// DurationDays is the validity window for newly issued grants. Zero
	// selects DefaultDurationDays.
	DurationDays uint32
}

// Manager builds, caches, and validates decryption grants.
type Manager struct {
	config  ManagerConfig
	logger  *slog.Logger
	metrics struct {
		grantsIssued prometheus.Counter
		cacheHits    prometheus.Counter
	}
	// Now is used for expiry evaluation and can be overridden in tests.
	Now func() time.Time

	// Serializes read-then-write on the grant cache
	mutex sync.Mutex
}

// NewManager creates a grant Manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Signer == nil {
		return nil, errors.New("no signer provided")
	}
	if config.Store == nil {
		return nil, errors.New("no grant store provided")
	}
	if config.DurationDays == 0 {
		config.DurationDays = DefaultDurationDays
	}
	m := &Manager{
		config: config,
		Now:    time.Now,
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		m.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		m.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	m.metrics.grantsIssued = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "powervault_auth_grants_issued_total",
			Help: "freshly signed decryption grants",
		},
	)
	m.metrics.cacheHits = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "powervault_auth_grant_cache_hits_total",
			Help: "decryption grants served from the cache",
		},
	)
	return m, nil
}

// grantPayload is the structure the user signs. Contract addresses are
// sorted so the payload is deterministic for a given scope.
type grantPayload struct {
	ContractAddresses []fhe.Address `json:"contractAddresses"`
	UserAddress       fhe.Address   `json:"userAddress"`
	StartTimestamp    int64         `json:"startTimestamp"`
	DurationDays      uint32        `json:"durationDays"`
}

// cacheKey derives the store key for a (user, contract set) scope. The
// contract set is sorted first so scope equality ignores ordering.
func cacheKey(user fhe.Address, contracts []fhe.Address) string {
	sorted := slices.Clone(contracts)
	slices.Sort(sorted)
	h := sha256.New()
	h.Write([]byte(user))
	for _, contract := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(contract))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ObtainGrant returns a grant authorizing user to decrypt ciphertexts bound
// to the given contract addresses. A cached, unexpired grant for exactly
// this scope is returned without any signer interaction; otherwise a fresh
// grant is signed, cached, and returned. Returns ErrGrantDenied if the
// signer refuses.
func (m *Manager) ObtainGrant(
	ctx context.Context,
	user fhe.Address,
	contracts []fhe.Address,
) (*fhe.DecryptionGrant, error) {
	if user == "" {
		return nil, errors.New("no user address provided")
	}
	if len(contracts) == 0 {
		return nil, errors.New("no contract addresses provided")
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	key := cacheKey(user, contracts)
	if cached, err := m.lookupCached(key, user, contracts); err != nil {
		return nil, err
	} else if cached != nil {
		m.metrics.cacheHits.Inc()
		m.logger.Debug(
			"reusing cached grant",
			"component", "auth",
			"user", string(user),
		)
		return cached, nil
	}
	grant, err := m.issueGrant(ctx, user, contracts)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(grant)
	if err != nil {
		return nil, fmt.Errorf("failed to encode grant: %w", err)
	}
	if err := m.config.Store.PutGrant(key, encoded); err != nil {
		return nil, fmt.Errorf("failed to cache grant: %w", err)
	}
	m.metrics.grantsIssued.Inc()
	m.logger.Debug(
		"issued grant",
		"component", "auth",
		"user", string(user),
		"duration_days", grant.DurationDays,
	)
	return grant, nil
}

// lookupCached returns a cached grant if one exists for the key and is still
// valid for this scope at the current time. A stale or mismatched entry is
// ignored, not an error.
func (m *Manager) lookupCached(
	key string,
	user fhe.Address,
	contracts []fhe.Address,
) (*fhe.DecryptionGrant, error) {
	encoded, ok, err := m.config.Store.GetGrant(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read grant cache: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var grant fhe.DecryptionGrant
	if err := json.Unmarshal(encoded, &grant); err != nil {
		// Treat an undecodable cache entry as a miss
		m.logger.Warn(
			"discarding corrupt grant cache entry",
			"component", "auth",
			"error", err,
		)
		return nil, nil
	}
	if !grant.MatchesScope(user, contracts) {
		return nil, nil
	}
	if !grant.ValidAt(m.Now()) {
		return nil, nil
	}
	return &grant, nil
}

func (m *Manager) issueGrant(
	ctx context.Context,
	user fhe.Address,
	contracts []fhe.Address,
) (*fhe.DecryptionGrant, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate grant key pair: %w", err)
	}
	sortedContracts := slices.Clone(contracts)
	slices.Sort(sortedContracts)
	start := m.Now().Unix()
	payload, err := json.Marshal(grantPayload{
		ContractAddresses: sortedContracts,
		UserAddress:       user,
		StartTimestamp:    start,
		DurationDays:      m.config.DurationDays,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode grant payload: %w", err)
	}
	signature, err := m.config.Signer.Sign(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGrantDenied, err)
	}
	return &fhe.DecryptionGrant{
		UserAddress:       user,
		ContractAddresses: sortedContracts,
		StartTimestamp:    start,
		DurationDays:      m.config.DurationDays,
		PublicKey:         pubKey,
		PrivateKey:        privKey,
		Signature:         signature,
	}, nil
}
