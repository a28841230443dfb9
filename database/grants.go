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

package database

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

func grantKey(key string) []byte {
	return fmt.Appendf(nil, "grant/%s", key)
}

// GetGrant retrieves a cached decryption grant by cache key. The second
// return value is false when no grant is cached under the key.
func (d *Database) GetGrant(key string) ([]byte, bool, error) {
	val, err := d.blobGet(grantKey(key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

// PutGrant stores a decryption grant under the given cache key. The write
// happens in a single badger transaction, so a grant is either fully
// written or not written at all.
func (d *Database) PutGrant(key string, val []byte) error {
	return d.blob.Update(func(txn *badger.Txn) error {
		return txn.Set(grantKey(key), val)
	})
}
