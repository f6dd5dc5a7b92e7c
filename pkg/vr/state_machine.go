package vr

// StateMachine is the application replicated by the cluster. Operations are
// always applied in log order, in contiguous and non-overlapping batches.
type StateMachine[O, R any] interface {
	ApplyOperations([]O) ([]R, error)
}

// Checkpointer is implemented by state machines which keep their state in the
// replica storage. SaveState is called each time a checkpoint is written, in
// the transaction which stores the checkpoint itself; RestoreState is called
// when the server starts.
type Checkpointer interface {
	SaveState(StorageTx) error
	RestoreState(Storage) error
}
