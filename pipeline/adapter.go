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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/water4699/power-key-vault/fhe"
	"github.com/water4699/power-key-vault/vault"
)

// LedgerAdapter binds the pipelines to an in-process vault.Ledger. Creation
// calls are applied synchronously; receipts are held until awaited, each
// carrying the creation event the way a transaction log would.
type LedgerAdapter struct {
	ledger *vault.Ledger

	mutex    sync.Mutex
	receipts map[TxRef]*Receipt
	nextRef  uint64
}

// NewLedgerAdapter creates an adapter over a ledger.
func NewLedgerAdapter(ledger *vault.Ledger) *LedgerAdapter {
	return &LedgerAdapter{
		ledger:   ledger,
		receipts: make(map[TxRef]*Receipt),
	}
}

// SubmitRecord implements Submitter.
func (a *LedgerAdapter) SubmitRecord(
	ctx context.Context,
	contract fhe.Address,
	caller fhe.Address,
	kind vault.RecordKind,
	source string,
	in fhe.EncryptedInput,
) (TxRef, error) {
	if contract != a.ledger.ContractAddress() {
		return "", fmt.Errorf(
			"unknown contract address: %s",
			string(contract),
		)
	}
	var (
		id  uint64
		err error
	)
	switch kind {
	case vault.KindConsumption:
		id, err = a.ledger.CreateConsumptionRecord(ctx, caller, source, in)
	default:
		id, err = a.ledger.CreateGenerationRecord(ctx, caller, source, in)
	}
	if err != nil {
		return "", err
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	ref := TxRef(fmt.Sprintf("tx-%d", a.nextRef))
	a.nextRef++
	a.receipts[ref] = &Receipt{
		Logs: []ReceiptLog{
			{
				Type: vault.RecordCreatedEventType,
				Data: vault.RecordCreatedEvent{
					ID:        id,
					Owner:     caller,
					Kind:      kind,
					Source:    source,
					Timestamp: time.Now(),
				},
			},
		},
	}
	return ref, nil
}

// AwaitReceipt implements Submitter. Each receipt is consumed on delivery.
func (a *LedgerAdapter) AwaitReceipt(
	_ context.Context,
	ref TxRef,
) (*Receipt, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	receipt, ok := a.receipts[ref]
	if !ok {
		return nil, fmt.Errorf("unknown transaction: %s", string(ref))
	}
	delete(a.receipts, ref)
	return receipt, nil
}

// RecordEncryptedValue implements LedgerReader.
func (a *LedgerAdapter) RecordEncryptedValue(
	_ context.Context,
	id uint64,
	caller fhe.Address,
) (fhe.Handle, error) {
	return a.ledger.RecordEncryptedValue(id, caller)
}
