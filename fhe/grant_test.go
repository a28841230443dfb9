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

package fhe_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/water4699/power-key-vault/fhe"
)

func TestNormalizeAddress(t *testing.T) {
	require.Equal(
		t,
		fhe.Address("0xabcdef"),
		fhe.NormalizeAddress("0xABCDEF"),
	)
	require.Equal(
		t,
		fhe.NormalizeAddress("0xAbCd"),
		fhe.NormalizeAddress("0xaBcD"),
	)
}

func TestGrantValidAt(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	grant := &fhe.DecryptionGrant{
		StartTimestamp: start.Unix(),
		DurationDays:   7,
	}
	require.True(t, grant.ValidAt(start))
	require.True(t, grant.ValidAt(start.Add(6*24*time.Hour)))
	require.False(t, grant.ValidAt(start.Add(7*24*time.Hour)))
	require.False(t, grant.ValidAt(start.Add(30*24*time.Hour)))
}

func TestGrantCovers(t *testing.T) {
	grant := &fhe.DecryptionGrant{
		ContractAddresses: []fhe.Address{"0xaaa", "0xbbb"},
	}
	require.True(t, grant.Covers("0xaaa"))
	require.True(t, grant.Covers("0xbbb"))
	require.False(t, grant.Covers("0xccc"))
}

func TestGrantMatchesScope(t *testing.T) {
	grant := &fhe.DecryptionGrant{
		UserAddress:       "0xalice",
		ContractAddresses: []fhe.Address{"0xaaa", "0xbbb"},
	}
	// Contract order must not matter
	require.True(
		t,
		grant.MatchesScope("0xalice", []fhe.Address{"0xbbb", "0xaaa"}),
	)
	require.False(
		t,
		grant.MatchesScope("0xbob", []fhe.Address{"0xaaa", "0xbbb"}),
	)
	require.False(t, grant.MatchesScope("0xalice", []fhe.Address{"0xaaa"}))
	require.False(
		t,
		grant.MatchesScope(
			"0xalice",
			[]fhe.Address{"0xaaa", "0xbbb", "0xccc"},
		),
	)
}
