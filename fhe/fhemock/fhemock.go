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

// Package fhemock provides an in-memory co-processor with genuine additive
// semantics for development and testing. Plaintexts never leave the mock;
// callers only ever see handles, proofs, and authorized decryption results,
// so code written against it behaves identically against a real
// co-processor.
package fhemock

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/water4699/power-key-vault/fhe"
)

// Coprocessor implements fhe.Coprocessor with an internal plaintext table.
// Every Encrypt and Add mints a fresh random handle, so handles carry no
// information about the values they reference.
type Coprocessor struct {
	mu         sync.RWMutex
	plaintexts map[fhe.Handle]uint64
	zero       fhe.Handle
	// Now is used for grant expiry evaluation and can be overridden in tests.
	Now func() time.Time
}

// New creates a mock co-processor.
func New() *Coprocessor {
	return &Coprocessor{
		plaintexts: make(map[fhe.Handle]uint64),
		Now:        time.Now,
	}
}

func newHandle() (fhe.Handle, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate handle: %w", err)
	}
	return fhe.Handle("0x" + hex.EncodeToString(buf)), nil
}

func proofDigest(
	contract fhe.Address,
	caller fhe.Address,
	handle fhe.Handle,
) []byte {
	h := sha256.New()
	h.Write([]byte(handle))
	h.Write([]byte(contract))
	h.Write([]byte(caller))
	return h.Sum(nil)
}

// Encrypt implements fhe.Coprocessor.
func (c *Coprocessor) Encrypt(
	_ context.Context,
	contract fhe.Address,
	caller fhe.Address,
	value uint32,
) (fhe.EncryptedInput, error) {
	handle, err := newHandle()
	if err != nil {
		return fhe.EncryptedInput{}, err
	}
	c.mu.Lock()
	c.plaintexts[handle] = uint64(value)
	c.mu.Unlock()
	return fhe.EncryptedInput{
		Handle: handle,
		Proof:  proofDigest(contract, caller, handle),
	}, nil
}

// VerifyProof implements fhe.Coprocessor.
func (c *Coprocessor) VerifyProof(
	contract fhe.Address,
	caller fhe.Address,
	in fhe.EncryptedInput,
) error {
	c.mu.RLock()
	_, known := c.plaintexts[in.Handle]
	c.mu.RUnlock()
	if !known {
		return fhe.ErrHandleUnknown
	}
	want := proofDigest(contract, caller, in.Handle)
	if len(in.Proof) != len(want) {
		return fhe.ErrProofInvalid
	}
	for i := range want {
		if in.Proof[i] != want[i] {
			return fhe.ErrProofInvalid
		}
	}
	return nil
}

// Add implements fhe.Coprocessor. The sum wraps at 32 bits to model the
// underlying euint32 ciphertext width.
func (c *Coprocessor) Add(a fhe.Handle, b fhe.Handle) (fhe.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	valA, okA := c.plaintexts[a]
	valB, okB := c.plaintexts[b]
	if !okA || !okB {
		return "", fhe.ErrHandleUnknown
	}
	handle, err := newHandle()
	if err != nil {
		return "", err
	}
	c.plaintexts[handle] = (valA + valB) & 0xffffffff
	return handle, nil
}

// Zero implements fhe.Coprocessor.
func (c *Coprocessor) Zero() (fhe.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zero != "" {
		return c.zero, nil
	}
	handle, err := newHandle()
	if err != nil {
		return "", err
	}
	c.plaintexts[handle] = 0
	c.zero = handle
	return handle, nil
}

// UserDecrypt implements fhe.Coprocessor. The grant must be unexpired,
// issued to a user, carry a signature, and cover every requested contract.
func (c *Coprocessor) UserDecrypt(
	_ context.Context,
	reqs []fhe.DecryptRequest,
	grant *fhe.DecryptionGrant,
) (map[fhe.Handle]uint64, error) {
	if grant == nil || grant.UserAddress == "" || len(grant.Signature) == 0 {
		return nil, fhe.ErrGrantInvalid
	}
	if !grant.ValidAt(c.Now()) {
		return nil, fhe.ErrGrantInvalid
	}
	for _, req := range reqs {
		if !grant.Covers(req.ContractAddress) {
			return nil, fhe.ErrGrantInvalid
		}
	}
	ret := make(map[fhe.Handle]uint64, len(reqs))
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, req := range reqs {
		val, ok := c.plaintexts[req.Handle]
		if !ok {
			return nil, fhe.ErrHandleUnknown
		}
		ret[req.Handle] = val
	}
	return ret, nil
}
