package vr

import (
	"encoding/json"
	"fmt"
	"sort"
)

var checkpointKey = []byte("vr/checkpoint")

// Checkpoint is the part of the replica state which must survive a restart
// once the front of the log has been trimmed: the position of the replica in
// the history of the cluster, and the last response sent to each client.
type Checkpoint[R any] struct {
	View           ViewNumber            `json:"view"`
	LastNormalView ViewNumber            `json:"lastNormalView"`
	CommitNumber   OpNumber              `json:"commitNumber"`
	Clients        []ClientCheckpoint[R] `json:"clients,omitempty"`
}

type ClientCheckpoint[R any] struct {
	ClientId      ClientId      `json:"clientId"`
	RequestNumber RequestNumber `json:"requestNumber"`
	Response      R             `json:"response"`
}

// Checkpoint returns the state of the replica as of its commit number.
func (r *Replica[O, R]) Checkpoint() *Checkpoint[R] {
	entries := r.clientTable.CommittedEntries()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ClientId < entries[j].ClientId
	})

	clients := make([]ClientCheckpoint[R], 0, len(entries))
	for _, entry := range entries {
		if entry.Response == nil {
			continue
		}

		clients = append(clients, ClientCheckpoint[R]{
			ClientId:      entry.ClientId,
			RequestNumber: entry.RequestNumber,
			Response:      *entry.Response,
		})
	}

	return &Checkpoint[R]{
		View:           r.state.View,
		LastNormalView: r.state.LastNormalView,
		CommitNumber:   r.state.CommitNumber,
		Clients:        clients,
	}
}

func (r *Replica[O, R]) restoreCheckpoint(cp *Checkpoint[R]) {
	r.opLog = NewOpLog[*LogEntry[O, R]](uint64(cp.CommitNumber))

	r.state.View = cp.View
	r.state.LastNormalView = cp.LastNormalView
	r.state.CommitNumber = cp.CommitNumber

	for _, client := range cp.Clients {
		response := client.Response

		entry := &LogEntry[O, R]{
			ClientId:      client.ClientId,
			RequestNumber: client.RequestNumber,
			Response:      &response,
		}

		r.clientTable.Accept(entry)
		r.clientTable.Commit(entry)
	}

	r.Log.Info("restored checkpoint (view: %d, commit number: %d, "+
		"clients: %d)", cp.View, cp.CommitNumber, len(cp.Clients))
}

// Recover makes a replica restored from a checkpoint fetch the operations it
// missed while it was down. Until the state transfer is complete, the replica
// does not take part in the protocol.
func (r *Replica[O, R]) Recover() {
	r.startStateTransfer(r.state.View, r.Primary())
}

// TrimLog discards committed entries at the front of the log, keeping at
// least retention committed entries for replicas performing a state
// transfer.
func (r *Replica[O, R]) TrimLog(retention uint64) error {
	commitIndex := uint64(r.state.CommitNumber)
	if commitIndex <= retention {
		return nil
	}

	first := commitIndex - retention

	if first <= r.opLog.CurrentOffset() {
		return nil
	}

	// TrimFront requires the new offset to address an existing entry
	if end := r.opLog.CurrentSizeWithOffset(); first >= end {
		first = end - 1
	}

	offset := r.opLog.CurrentOffset()

	if err := r.opLog.TrimFront(first); err != nil {
		return fmt.Errorf("cannot trim log at index %d: %w", first, err)
	}

	r.queueLogDeletion(offset, first)

	r.Log.Debug(1, "trimmed log up to op %d", first)

	return nil
}

func WriteCheckpoint[R any](tx StorageTx, cp *Checkpoint[R]) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("cannot encode checkpoint: %w", err)
	}

	if err := tx.Upsert(checkpointKey, data); err != nil {
		return fmt.Errorf("cannot write checkpoint: %w", err)
	}

	return nil
}

// ReadCheckpoint returns nil if the storage does not contain any checkpoint.
func ReadCheckpoint[R any](storage Storage) (*Checkpoint[R], error) {
	data, err := storage.Get(checkpointKey)
	if err != nil {
		return nil, fmt.Errorf("cannot read checkpoint: %w", err)
	} else if data == nil {
		return nil, nil
	}

	var cp Checkpoint[R]
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: cannot decode checkpoint: %w",
			ErrCorruptionDetected, err)
	}

	return &cp, nil
}
