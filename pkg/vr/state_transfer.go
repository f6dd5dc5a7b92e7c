package vr

import (
	"fmt"
)

// startStateTransfer switches to the recovery status and asks source for the
// part of the log of the given view that the replica is missing.
//
// Uncommitted entries are kept until the new log has been received: if the
// view never starts, they may be needed for the next view change.
func (r *Replica[O, R]) startStateTransfer(view ViewNumber, source ReplicaId) {
	if view > r.state.View {
		r.state.View = view
	}

	if source == r.Id {
		source = r.cluster.NextReplica(source)
	}

	r.Log.Info("starting state transfer from %s in view %d", source, view)

	r.state.Status = ReplicaStatusRecovery
	r.state.TicksSinceLastCommit = 0

	r.prepareOks = make(map[OpNumber]map[ReplicaId]bool)

	r.startViewChanges = nil
	r.doViewChanges = nil
	r.doViewChangeSent = false

	r.stateTransferSource = source
	r.stateTransferAttempts = 1
	r.sendGetState()
}

func (r *Replica[O, R]) sendGetState() {
	// Entries which were not committed before the view changed may have been
	// replaced in the new view: ask for everything after the commit number.
	opNumber := r.OpNumber()
	if r.state.View > r.state.LastNormalView {
		opNumber = r.state.CommitNumber
	}

	r.send(r.stateTransferSource, &GetState{
		ReplicaId: r.Id,
		View:      r.state.View,
		OpNumber:  opNumber,
	})
}

// ApplyGetState answers a replica performing a state transfer with the end
// of the log, starting after the last op it has.
func (r *Replica[O, R]) ApplyGetState(msg *GetState) error {
	if msg.View < r.state.View {
		r.notifyStaleReplica(msg.ReplicaId, msg)
		return nil
	}

	if r.state.Status != ReplicaStatusNormal || msg.View != r.state.View {
		r.Log.Debug(1, "ignoring %v in view %d with status %v",
			msg, r.state.View, r.state.Status)
		return nil
	}

	from := uint64(msg.OpNumber)
	if offset := r.opLog.CurrentOffset(); from < offset {
		from = offset
	}

	to := r.opLog.CurrentSizeWithOffset()
	if from > to {
		from = to
	}

	entries, err := r.opLog.Range(from, to)
	if err != nil {
		return fmt.Errorf("cannot read log from index %d: %w", from, err)
	}

	r.send(msg.ReplicaId, &NewState[O, R]{
		ReplicaId:    r.Id,
		View:         r.state.View,
		LogOffset:    from,
		Entries:      copyEntries(entries),
		OpNumber:     r.OpNumber(),
		CommitNumber: r.state.CommitNumber,
	})

	return nil
}

// ApplyNewState completes a state transfer.
func (r *Replica[O, R]) ApplyNewState(msg *NewState[O, R]) error {
	if r.state.Status != ReplicaStatusRecovery {
		r.Log.Debug(1, "ignoring %v with status %v", msg, r.state.Status)
		return nil
	}

	// GetState messages are sent for the current view, which only changes
	// when a new state transfer starts.
	if msg.View != r.state.View {
		r.Log.Debug(1, "ignoring %v in view %d", msg, r.state.View)
		return nil
	}

	// In a view the replica has never been normal in, the new log replaces
	// all uncommitted entries. Otherwise local entries were prepared in this
	// view and the sender may just not have received all of them yet.
	replace := r.state.View > r.state.LastNormalView

	if replace && msg.LogOffset > uint64(r.state.CommitNumber) {
		r.Log.Error("cannot adopt log of %s: entries start at index %d "+
			"after commit number %d", msg.ReplicaId, msg.LogOffset,
			r.state.CommitNumber)
		return nil
	}

	if err := r.adoptLog(msg.LogOffset, msg.Entries, replace); err != nil {
		// We stay in recovery; the next timeout will select another source.
		r.Log.Error("cannot adopt log of %s: %v", msg.ReplicaId, err)
		return nil
	}

	if r.OpNumber() < msg.CommitNumber {
		r.Log.Error("log still ends at op %d after state transfer from %s "+
			"(commit number: %d)", r.OpNumber(), msg.ReplicaId,
			msg.CommitNumber)
		return nil
	}

	r.state.Status = ReplicaStatusNormal
	r.state.LastNormalView = r.state.View
	r.state.TicksSinceLastCommit = 0

	r.Log.Info("state transfer from %s complete (view: %d, op number: %d, "+
		"commit number: %d)", msg.ReplicaId, r.state.View, r.OpNumber(),
		msg.CommitNumber)

	if err := r.commitUpTo(msg.CommitNumber); err != nil {
		return err
	}

	if !r.IsPrimary() && r.OpNumber() > r.state.CommitNumber {
		r.send(r.Primary(), &PrepareOk{
			ReplicaId: r.Id,
			View:      r.state.View,
			OpNumber:  r.OpNumber(),
		})
	}

	return nil
}

func (r *Replica[O, R]) trimLogEnd(index uint64) {
	end := r.opLog.CurrentSizeWithOffset()
	if index >= end {
		return
	}

	entries, err := r.opLog.Range(index, end)
	if err != nil {
		Panicf("cannot read log from index %d: %v", index, err)
	}

	if err := r.opLog.TrimEnd(index); err != nil {
		Panicf("cannot trim log at index %d: %v", index, err)
	}

	for _, entry := range entries {
		r.clientTable.Discard(entry)
	}

	r.queueLogDeletion(index, end)

	r.Log.Debug(1, "discarded ops %d to %d", index+1, end)
}

// adoptLog merges a sequence of entries starting at index offset into the
// log. Committed entries are never modified. Local entries which do not
// match the new ones are discarded; if replace is true, local entries past
// the end of the new sequence are discarded too.
func (r *Replica[O, R]) adoptLog(offset uint64, entries []*LogEntry[O, R], replace bool) error {
	end := r.opLog.CurrentSizeWithOffset()
	newEnd := offset + uint64(len(entries))

	if offset > end {
		return fmt.Errorf("entries start at index %d but local log ends "+
			"at index %d", offset, end)
	}

	start := offset
	if logOffset := r.opLog.CurrentOffset(); start < logOffset {
		start = logOffset
	}
	if commitIndex := uint64(r.state.CommitNumber); start < commitIndex {
		start = commitIndex
	}

	// Skip entries we already have
	for start < end && start < newEnd {
		local, err := r.opLog.Get(start)
		if err != nil {
			Panicf("cannot read log entry %d: %v", start, err)
		}

		entry := entries[start-offset]
		if local.ClientId != entry.ClientId ||
			local.RequestNumber != entry.RequestNumber {
			break
		}

		start++
	}

	if start < end && (start < newEnd || replace) {
		r.trimLogEnd(start)
	}

	for i := start; i < newEnd; i++ {
		e := entries[i-offset]

		entry := &LogEntry[O, R]{
			ClientId:      e.ClientId,
			RequestNumber: e.RequestNumber,
			Operation:     e.Operation,
		}

		r.pushEntry(entry)
	}

	return nil
}
