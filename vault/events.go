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
	"time"

	"github.com/water4699/power-key-vault/event"
	"github.com/water4699/power-key-vault/fhe"
)

const RecordCreatedEventType event.EventType = "vault.record_created"

// RecordCreatedEvent is emitted exactly once per successful record
// creation. It carries only public metadata, never the ciphertext handle.
type RecordCreatedEvent struct {
	ID        uint64
	Owner     fhe.Address
	Kind      RecordKind
	Source    string
	Timestamp time.Time
}
