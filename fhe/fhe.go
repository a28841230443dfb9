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

// Package fhe defines the boundary to the external homomorphic encryption
// co-processor. The co-processor turns plaintext integers into opaque
// ciphertext handles with input proofs, combines handles without decrypting
// them, and resolves handles back to plaintext for an authorized user.
package fhe

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrHandleUnknown is returned when a ciphertext handle is not known to
	// the co-processor.
	ErrHandleUnknown = errors.New("unknown ciphertext handle")
	// ErrProofInvalid is returned when an input proof does not match the
	// ciphertext handle, contract, and caller it claims to bind.
	ErrProofInvalid = errors.New("invalid input proof")
	// ErrGrantInvalid is returned when a decryption grant does not authorize
	// the requested decryption.
	ErrGrantInvalid = errors.New("invalid decryption grant")
)

// Address is a canonical (lowercased) account or contract address.
type Address string

// NormalizeAddress converts an address string to its canonical form.
// Address comparison throughout the module is done on canonical values.
func NormalizeAddress(s string) Address {
	return Address(strings.ToLower(strings.TrimSpace(s)))
}

// Handle is an opaque reference to an encrypted value. Handles are usable
// in further homomorphic operations without decryption and are meaningless
// outside the co-processor that issued them.
type Handle string

// EncryptedInput is a ciphertext handle together with the input proof that
// binds it to a contract and a caller.
type EncryptedInput struct {
	Handle Handle
	Proof  []byte
}

// DecryptRequest names a single handle to decrypt and the contract it is
// bound to.
type DecryptRequest struct {
	Handle          Handle
	ContractAddress Address
}

// Coprocessor is the interface to the homomorphic encryption service.
type Coprocessor interface {
	// Encrypt produces a ciphertext handle and input proof for value, bound
	// to the given contract and caller.
	Encrypt(
		ctx context.Context,
		contract Address,
		caller Address,
		value uint32,
	) (EncryptedInput, error)
	// VerifyProof checks that an encrypted input's proof binds its handle to
	// the given contract and caller. Returns ErrProofInvalid on mismatch.
	VerifyProof(contract Address, caller Address, in EncryptedInput) error
	// Add homomorphically adds two handles and returns a handle for the sum.
	Add(a Handle, b Handle) (Handle, error)
	// Zero returns a handle encrypting zero, used to seed running totals.
	Zero() (Handle, error)
	// UserDecrypt resolves the requested handles to plaintext under the
	// authority of the given grant. The result maps each requested handle to
	// its plaintext value.
	UserDecrypt(
		ctx context.Context,
		reqs []DecryptRequest,
		grant *DecryptionGrant,
	) (map[Handle]uint64, error)
}
