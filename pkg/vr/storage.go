package vr

import "errors"

var (
	ErrNotFound           = errors.New("vr: storage entry not found")
	ErrIo                 = errors.New("vr: storage i/o error")
	ErrCorruptionDetected = errors.New("vr: storage corruption detected")
	ErrUnknown            = errors.New("vr: unknown storage error")
)

// StorageTx is a set of writes applied atomically by Storage.Update.
type StorageTx interface {
	Get(key []byte) ([]byte, error)
	Upsert(key, value []byte) error
	Delete(key []byte) error

	// OnCommit registers a function called once the transaction has been
	// committed.
	OnCommit(fn func())
}

// Storage is the durable key-value store of a replica. It holds checkpoints
// of the replica state and can be used by the state machine to persist its
// own data.
type Storage interface {
	// Get returns nil if the key does not exist.
	Get(key []byte) ([]byte, error)
	Upsert(key, value []byte) error
	Delete(key []byte) error

	// ForEach calls fn for each entry whose key starts with prefix, in key
	// order.
	ForEach(prefix []byte, fn func(key, value []byte) error) error

	// Update runs fn in a transaction; either all the writes of fn are
	// stored, or none of them is.
	Update(fn func(tx StorageTx) error) error

	Flush() error

	SaveSnapshot(filePath string) error
	ApplySnapshot(filePath string) error
}
