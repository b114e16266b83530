package badger

import (
	"errors"

	badgerdb "github.com/dgraph-io/badger/v4"
)

const maxTxnAttempts = 3

// update runs fn in a read-write transaction, retrying when a concurrent
// writer touched the same keys.
func (b *BadgerDB) update(fn func(tx *badgerdb.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		err = b.store.Badger().Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
		b.logger.Debug().Int("attempt", attempt+1).Msg("Transaction conflict, retrying")
	}
	return err
}
