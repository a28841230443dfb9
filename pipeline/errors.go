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
	"errors"
	"fmt"

	"github.com/water4699/power-key-vault/vault"
)

var (
	// ErrStale marks an operation abandoned because the session context
	// changed mid-flight. It is an intentional discard, not a hard failure,
	// and is never retried automatically.
	ErrStale = errors.New("session context changed")
	// ErrBusy is returned when an operation of the same kind is already in
	// flight. The rejected call has no side effects.
	ErrBusy = errors.New("operation already in flight")
	// ErrNoDeployment is returned when the current network has no contract
	// binding configured.
	ErrNoDeployment = errors.New("no deployment for network")
	// ErrInvalidResult marks a decryption response that is missing the
	// requested handle or decodes to an out-of-domain value.
	ErrInvalidResult = errors.New("invalid decryption result")
	// ErrSignerRejected should be wrapped by Submitter implementations when
	// the user refuses to sign the transaction, so the pipeline can classify
	// the failure as a cancellation rather than a transport problem.
	ErrSignerRejected = errors.New("rejected by signer")
)

// ValidationError marks input rejected before the pipeline started. Fully
// local, no side effects.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// SignerError marks a user-rejected signature or transaction. Surfaced as a
// cancellation, not retried automatically.
type SignerError struct {
	Err error
}

func (e *SignerError) Error() string {
	return fmt.Sprintf("signer error: %s", e.Err)
}

func (e *SignerError) Unwrap() error {
	return e.Err
}

// TransportError marks a network-level failure. Retryable: the caller may
// re-invoke the pipeline once it is idle again.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// LedgerRejectionError marks a structural rejection by the ledger (invalid
// proof, unknown record, not owner, revert). Never retried automatically.
type LedgerRejectionError struct {
	Err error
}

func (e *LedgerRejectionError) Error() string {
	return fmt.Sprintf("rejected by ledger: %s", e.Err)
}

func (e *LedgerRejectionError) Unwrap() error {
	return e.Err
}

// DecryptionError marks a failure to obtain or validate a plaintext,
// distinguishing "couldn't get permission" (wraps auth.ErrGrantDenied) from
// "got garbage back" (wraps ErrInvalidResult).
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed: %s", e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// classifyLedgerError maps an error from a ledger call onto the pipeline
// error taxonomy.
func classifyLedgerError(err error) error {
	var proofErr *vault.InvalidProofError
	switch {
	case errors.Is(err, ErrSignerRejected):
		return &SignerError{Err: err}
	case errors.As(err, &proofErr),
		errors.Is(err, vault.ErrNotFound),
		errors.Is(err, vault.ErrNotOwner):
		return &LedgerRejectionError{Err: err}
	default:
		return &TransportError{Err: err}
	}
}
