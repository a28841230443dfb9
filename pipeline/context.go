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

// Package pipeline implements the client-side submission and decryption
// state machines. Each pipeline captures the session context (network and
// signer identity) when an operation starts and re-checks it after every
// external call; a mismatch aborts the operation as stale without touching
// any already-committed ledger effects.
package pipeline

import (
	"github.com/water4699/power-key-vault/fhe"
)

// SessionContext is the client-visible environment an operation runs under.
// Pipelines treat it as read-only; the surrounding environment owns it and
// may change it at any time.
type SessionContext struct {
	NetworkID string
	Signer    fhe.Address
}

// SameNetwork reports whether both contexts target the same network.
func (c SessionContext) SameNetwork(other SessionContext) bool {
	return c.NetworkID == other.NetworkID
}

// SameSigner reports whether both contexts carry the same signer identity.
// Addresses compare case-insensitively.
func (c SessionContext) SameSigner(other SessionContext) bool {
	return fhe.NormalizeAddress(string(c.Signer)) ==
		fhe.NormalizeAddress(string(other.Signer))
}

// Equal reports whether nothing staleness-relevant changed between the two
// contexts.
func (c SessionContext) Equal(other SessionContext) bool {
	return c.SameNetwork(other) && c.SameSigner(other)
}

// ContextProvider supplies the live session context. Pipelines call it at
// operation start and at every staleness checkpoint.
type ContextProvider interface {
	Current() SessionContext
}

// ContextFunc adapts a function to the ContextProvider interface.
type ContextFunc func() SessionContext

func (f ContextFunc) Current() SessionContext {
	return f()
}

// StaticContext is a ContextProvider that never changes.
type StaticContext SessionContext

func (s StaticContext) Current() SessionContext {
	return SessionContext(s)
}
