package vr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

var (
	logEntryKeyPrefix = []byte("vr/log/")
	viewStateKey      = []byte("vr/view")
)

// viewState is the part of the replica state, besides the log, which must be
// stored before the replica sends any message: a replica must never forget a
// view it took part in.
type viewState struct {
	View           ViewNumber `json:"view"`
	LastNormalView ViewNumber `json:"lastNormalView"`
}

// logWrite is a modification of the log which has not been stored yet. A nil
// entry deletes the entry at this index.
type logWrite[O, R any] struct {
	index uint64
	entry *LogEntry[O, R]
}

func logEntryKey(index uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", logEntryKeyPrefix, index))
}

func (r *Replica[O, R]) pushEntry(entry *LogEntry[O, R]) {
	index := r.opLog.CurrentSizeWithOffset()

	r.opLog.Push(entry)
	r.clientTable.Accept(entry)

	r.queueLogWrite(index, entry)
}

func (r *Replica[O, R]) queueLogWrite(index uint64, entry *LogEntry[O, R]) {
	if r.storage == nil {
		return
	}

	r.logWrites = append(r.logWrites, logWrite[O, R]{
		index: index,
		entry: entry,
	})
}

func (r *Replica[O, R]) queueLogDeletion(from, to uint64) {
	for i := from; i < to; i++ {
		r.queueLogWrite(i, nil)
	}
}

// Sync stores log modifications and view changes. It is called before any
// message is sent: once a replica has acknowledged an operation or taken part
// in a view, it keeps doing so after a restart.
func (r *Replica[O, R]) Sync() error {
	if r.storage == nil {
		return nil
	}

	vs := viewState{
		View:           r.state.View,
		LastNormalView: r.state.LastNormalView,
	}

	if len(r.logWrites) == 0 && vs == r.storedViewState {
		return nil
	}

	err := r.storage.Update(func(tx StorageTx) error {
		for _, w := range r.logWrites {
			key := logEntryKey(w.index)

			if w.entry == nil {
				if err := tx.Delete(key); err != nil {
					return err
				}

				continue
			}

			// Responses are computed again on commit
			data, err := json.Marshal(&LogEntry[O, R]{
				ClientId:      w.entry.ClientId,
				RequestNumber: w.entry.RequestNumber,
				Operation:     w.entry.Operation,
			})
			if err != nil {
				return fmt.Errorf("cannot encode log entry %d: %w",
					w.index, err)
			}

			if err := tx.Upsert(key, data); err != nil {
				return err
			}
		}

		if vs != r.storedViewState {
			data, err := json.Marshal(vs)
			if err != nil {
				return fmt.Errorf("cannot encode view state: %w", err)
			}

			if err := tx.Upsert(viewStateKey, data); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot store replica state: %w", err)
	}

	r.logWrites = nil
	r.storedViewState = vs

	return nil
}

// loadLog reads the view state and the log entries following the commit
// number from the storage.
func (r *Replica[O, R]) loadLog() error {
	data, err := r.storage.Get(viewStateKey)
	if err != nil {
		return fmt.Errorf("cannot read view state: %w", err)
	}

	if data != nil {
		var vs viewState
		if err := json.Unmarshal(data, &vs); err != nil {
			return fmt.Errorf("%w: cannot decode view state: %w",
				ErrCorruptionDetected, err)
		}

		r.storedViewState = vs

		if vs.View > r.state.View {
			r.state.View = vs.View
		}

		if vs.LastNormalView > r.state.LastNormalView {
			r.state.LastNormalView = vs.LastNormalView
		}
	}

	next := r.opLog.CurrentSizeWithOffset()

	var staleIndexes []uint64

	err = r.storage.ForEach(logEntryKeyPrefix,
		func(key, value []byte) error {
			indexString := string(bytes.TrimPrefix(key, logEntryKeyPrefix))

			index, err := strconv.ParseUint(indexString, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: invalid log entry key %q",
					ErrCorruptionDetected, key)
			}

			if index < next {
				// Covered by the checkpoint
				staleIndexes = append(staleIndexes, index)
				return nil
			}

			if index != next {
				return fmt.Errorf("%w: log entry %d found after entry %d",
					ErrCorruptionDetected, index, next-1)
			}

			var entry LogEntry[O, R]
			if err := json.Unmarshal(value, &entry); err != nil {
				return fmt.Errorf("%w: cannot decode log entry %d: %w",
					ErrCorruptionDetected, index, err)
			}

			r.opLog.Push(&entry)
			r.clientTable.Accept(&entry)

			next++

			return nil
		})
	if err != nil {
		return fmt.Errorf("cannot read log: %w", err)
	}

	for _, index := range staleIndexes {
		r.queueLogWrite(index, nil)
	}

	if n := r.opLog.CurrentSize(); n > 0 {
		r.Log.Info("loaded %d log entries (op number: %d)", n, r.OpNumber())
	}

	return nil
}
