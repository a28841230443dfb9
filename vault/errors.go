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

package vault

import (
	"errors"
	"fmt"
)

// Common errors returned by Ledger operations.
var (
	ErrNotFound = errors.New("record does not exist")
	ErrNotOwner = errors.New("not record owner")
)

// InvalidProofError is returned when an encrypted input's proof does not
// validate against the ciphertext and the calling identity.
type InvalidProofError struct {
	Err error
}

func (e *InvalidProofError) Error() string {
	return fmt.Sprintf("invalid input proof: %s", e.Err)
}

func (e *InvalidProofError) Unwrap() error {
	return e.Err
}
