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

package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/water4699/power-key-vault/auth"
	"github.com/water4699/power-key-vault/fhe"
)

var (
	testUser     = fhe.Address("0xalice")
	testContract = fhe.Address("0xvault")
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

type mapStore struct {
	mu     sync.Mutex
	grants map[string][]byte
}

func newMapStore() *mapStore {
	return &mapStore{grants: make(map[string][]byte)}
}

func (s *mapStore) GetGrant(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.grants[key]
	return val, ok, nil
}

func (s *mapStore) PutGrant(key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[key] = val
	return nil
}

func newTestManager(
	t *testing.T,
	signer auth.Signer,
	store auth.Store,
) *auth.Manager {
	t.Helper()
	m, err := auth.NewManager(auth.ManagerConfig{
		Signer: signer,
		Store:  store,
	})
	require.NoError(t, err)
	return m
}

func TestObtainGrantFresh(t *testing.T) {
	signer := &mockSigner{}
	m := newTestManager(t, signer, newMapStore())

	grant, err := m.ObtainGrant(
		context.Background(),
		testUser,
		[]fhe.Address{testContract},
	)
	require.NoError(t, err)
	require.Equal(t, testUser, grant.UserAddress)
	require.Equal(t, []fhe.Address{testContract}, grant.ContractAddresses)
	require.Equal(t, auth.DefaultDurationDays, grant.DurationDays)
	require.NotEmpty(t, grant.PublicKey)
	require.NotEmpty(t, grant.PrivateKey)
	require.NotEmpty(t, grant.Signature)
	require.Equal(t, 1, signer.count())
}

func TestObtainGrantCacheReuse(t *testing.T) {
	signer := &mockSigner{}
	m := newTestManager(t, signer, newMapStore())
	contracts := []fhe.Address{testContract}

	first, err := m.ObtainGrant(context.Background(), testUser, contracts)
	require.NoError(t, err)
	// Second call within the validity window must not touch the signer
	second, err := m.ObtainGrant(context.Background(), testUser, contracts)
	require.NoError(t, err)
	require.Equal(t, 1, signer.count())
	require.Equal(t, first.Signature, second.Signature)
	require.Equal(t, first.StartTimestamp, second.StartTimestamp)
}

func TestObtainGrantExpiryRefresh(t *testing.T) {
	signer := &mockSigner{}
	m := newTestManager(t, signer, newMapStore())
	contracts := []fhe.Address{testContract}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }

	first, err := m.ObtainGrant(context.Background(), testUser, contracts)
	require.NoError(t, err)
	require.Equal(t, 1, signer.count())

	// Advance past the validity window; the cached grant must be discarded
	// and a fresh signature requested
	now = now.Add(
		time.Duration(first.DurationDays)*24*time.Hour + time.Minute,
	)
	second, err := m.ObtainGrant(context.Background(), testUser, contracts)
	require.NoError(t, err)
	require.Equal(t, 2, signer.count())
	require.NotEqual(t, first.StartTimestamp, second.StartTimestamp)
}

func TestObtainGrantScopeIsolation(t *testing.T) {
	signer := &mockSigner{}
	m := newTestManager(t, signer, newMapStore())

	_, err := m.ObtainGrant(
		context.Background(),
		testUser,
		[]fhe.Address{testContract},
	)
	require.NoError(t, err)

	// Different contract set needs its own grant
	_, err = m.ObtainGrant(
		context.Background(),
		testUser,
		[]fhe.Address{testContract, "0xother"},
	)
	require.NoError(t, err)
	require.Equal(t, 2, signer.count())

	// Different user needs its own grant
	_, err = m.ObtainGrant(
		context.Background(),
		"0xbob",
		[]fhe.Address{testContract},
	)
	require.NoError(t, err)
	require.Equal(t, 3, signer.count())
}

func TestObtainGrantContractOrderIgnored(t *testing.T) {
	signer := &mockSigner{}
	m := newTestManager(t, signer, newMapStore())

	_, err := m.ObtainGrant(
		context.Background(),
		testUser,
		[]fhe.Address{"0xaaa", "0xbbb"},
	)
	require.NoError(t, err)
	_, err = m.ObtainGrant(
		context.Background(),
		testUser,
		[]fhe.Address{"0xbbb", "0xaaa"},
	)
	require.NoError(t, err)
	require.Equal(t, 1, signer.count())
}

func TestObtainGrantDenied(t *testing.T) {
	signer := &mockSigner{err: errors.New("user rejected request")}
	m := newTestManager(t, signer, newMapStore())

	_, err := m.ObtainGrant(
		context.Background(),
		testUser,
		[]fhe.Address{testContract},
	)
	require.ErrorIs(t, err, auth.ErrGrantDenied)
}

func TestObtainGrantSharedStore(t *testing.T) {
	// A second manager over the same store reuses the first manager's grant
	signer := &mockSigner{}
	store := newMapStore()
	m1 := newTestManager(t, signer, store)
	m2 := newTestManager(t, signer, store)
	contracts := []fhe.Address{testContract}

	_, err := m1.ObtainGrant(context.Background(), testUser, contracts)
	require.NoError(t, err)
	_, err = m2.ObtainGrant(context.Background(), testUser, contracts)
	require.NoError(t, err)
	require.Equal(t, 1, signer.count())
}

func TestObtainGrantCorruptCacheEntry(t *testing.T) {
	signer := &mockSigner{}
	store := newMapStore()
	m := newTestManager(t, signer, store)
	contracts := []fhe.Address{testContract}

	_, err := m.ObtainGrant(context.Background(), testUser, contracts)
	require.NoError(t, err)

	// Corrupt every cached entry; the manager must fall back to issuing a
	// fresh grant instead of failing
	store.mu.Lock()
	for key := range store.grants {
		store.grants[key] = []byte("not json")
	}
	store.mu.Unlock()

	_, err = m.ObtainGrant(context.Background(), testUser, contracts)
	require.NoError(t, err)
	require.Equal(t, 2, signer.count())
}

func TestObtainGrantInvalidArgs(t *testing.T) {
	m := newTestManager(t, &mockSigner{}, newMapStore())
	_, err := m.ObtainGrant(
		context.Background(),
		"",
		[]fhe.Address{testContract},
	)
	require.Error(t, err)
	_, err = m.ObtainGrant(context.Background(), testUser, nil)
	require.Error(t, err)
}
