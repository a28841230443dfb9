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

package fhe

import (
	"slices"
	"time"
)

// DecryptionGrant is a client-held, time-bounded authorization permitting a
// specific user to decrypt handles bound to a specific set of contract
// addresses. The grant carries an ephemeral key pair generated for the
// grant's lifetime and a signature from the user binding the grant fields
// to their identity. Grants are never persisted on the ledger.
type DecryptionGrant struct {
	UserAddress       Address   `json:"userAddress"`
	ContractAddresses []Address `json:"contractAddresses"`
	StartTimestamp    int64     `json:"startTimestamp"`
	DurationDays      uint32    `json:"durationDays"`
	PublicKey         []byte    `json:"publicKey"`
	PrivateKey        []byte    `json:"privateKey"`
	Signature         []byte    `json:"signature"`
}

// Covers returns true if the grant's contract set includes the given
// contract address.
func (g *DecryptionGrant) Covers(contract Address) bool {
	return slices.Contains(g.ContractAddresses, contract)
}

// ValidAt returns true if the grant has not expired at the given time.
// Expiry is always evaluated at use time, never at cache time.
func (g *DecryptionGrant) ValidAt(now time.Time) bool {
	start := time.Unix(g.StartTimestamp, 0)
	expiry := start.Add(time.Duration(g.DurationDays) * 24 * time.Hour)
	return now.Before(expiry)
}

// MatchesScope returns true if the grant was issued for exactly this user
// and contract set. A grant is never reused across a different scope.
func (g *DecryptionGrant) MatchesScope(
	user Address,
	contracts []Address,
) bool {
	if g.UserAddress != user {
		return false
	}
	if len(g.ContractAddresses) != len(contracts) {
		return false
	}
	sortedGrant := slices.Clone(g.ContractAddresses)
	sortedWant := slices.Clone(contracts)
	slices.Sort(sortedGrant)
	slices.Sort(sortedWant)
	return slices.Equal(sortedGrant, sortedWant)
}
