package vr

func (r *Replica[O, R]) startViewChange(view ViewNumber) {
	if view <= r.state.View {
		Panicf("cannot start view change to view %d in view %d", view,
			r.state.View)
	}

	r.Log.Info("starting view change to view %d (primary: %s)",
		view, r.cluster.Primary(view))

	r.state.View = view
	r.state.Status = ReplicaStatusViewChange
	r.state.TicksSinceLastCommit = 0

	r.prepareOks = make(map[OpNumber]map[ReplicaId]bool)

	r.startViewChanges = map[ReplicaId]bool{r.Id: true}
	r.doViewChanges = make(map[ReplicaId]*DoViewChange[O, R])
	r.doViewChangeSent = false

	r.broadcast(&StartViewChange{
		ReplicaId: r.Id,
		View:      view,
	})

	r.maybeSendDoViewChange()
}

// ApplyStartViewChange handles the announcement of a view change by another
// replica.
func (r *Replica[O, R]) ApplyStartViewChange(msg *StartViewChange) error {
	if msg.View < r.state.View {
		return nil
	}

	if r.state.Status == ReplicaStatusRecovery {
		// A replica whose log may be incomplete must not take part in the
		// selection of the log of the new view.
		r.Log.Debug(1, "ignoring %v during recovery", msg)
		return nil
	}

	if msg.View == r.state.View {
		if r.state.Status != ReplicaStatusViewChange {
			return nil
		}
	} else {
		r.startViewChange(msg.View)
	}

	r.startViewChanges[msg.ReplicaId] = true
	r.maybeSendDoViewChange()

	return nil
}

func (r *Replica[O, R]) maybeSendDoViewChange() {
	if r.doViewChangeSent {
		return
	}

	if len(r.startViewChanges) < r.cluster.QuorumSize() {
		return
	}

	r.doViewChangeSent = true

	entries, err := r.opLog.Range(r.opLog.CurrentOffset(),
		r.opLog.CurrentSizeWithOffset())
	if err != nil {
		Panicf("cannot read log: %v", err)
	}

	msg := &DoViewChange[O, R]{
		ReplicaId:      r.Id,
		View:           r.state.View,
		LastNormalView: r.state.LastNormalView,
		LogOffset:      r.opLog.CurrentOffset(),
		Entries:        copyEntries(entries),
		OpNumber:       r.OpNumber(),
		CommitNumber:   r.state.CommitNumber,
	}

	primaryId := r.cluster.Primary(r.state.View)

	if primaryId == r.Id {
		if err := r.ApplyDoViewChange(msg); err != nil {
			r.Log.Error("cannot apply own DoViewChange message: %v", err)
		}

		return
	}

	r.send(primaryId, msg)
}

// ApplyDoViewChange handles the log sent by a replica to the primary of the
// view being established.
func (r *Replica[O, R]) ApplyDoViewChange(msg *DoViewChange[O, R]) error {
	if msg.View < r.state.View {
		return nil
	}

	if r.cluster.Primary(msg.View) != r.Id {
		r.Log.Debug(1, "ignoring %v: not the primary of view %d",
			msg, msg.View)
		return nil
	}

	if msg.View == r.state.View && r.state.Status == ReplicaStatusNormal {
		// The view has already started and the replica missed the StartView
		// message.
		r.send(msg.ReplicaId, r.startViewMsg())
		return nil
	}

	if r.state.Status == ReplicaStatusRecovery {
		r.Log.Debug(1, "ignoring %v during recovery", msg)
		return nil
	}

	if msg.View > r.state.View {
		r.startViewChange(msg.View)
	}

	r.doViewChanges[msg.ReplicaId] = msg

	if len(r.doViewChanges) < r.cluster.QuorumSize() {
		return nil
	}

	if _, found := r.doViewChanges[r.Id]; !found {
		return nil
	}

	return r.startView()
}

func (r *Replica[O, R]) startView() error {
	selected := SelectDoViewChange(r.doViewChanges)

	var commitNumber OpNumber
	for _, msg := range r.doViewChanges {
		commitNumber = maxOpNumber(commitNumber, msg.CommitNumber)
	}

	r.Log.Debug(1, "selected log of %s (last normal view: %d, "+
		"op number: %d)", selected.ReplicaId, selected.LastNormalView,
		selected.OpNumber)

	if err := r.adoptLog(selected.LogOffset, selected.Entries, true); err != nil {
		// The next primary may have a log which covers the selected one
		r.Log.Error("cannot adopt log of %s: %v", selected.ReplicaId, err)
		r.startViewChange(r.state.View + 1)
		return nil
	}

	if commitNumber > r.OpNumber() {
		Panicf("commit number %d is past the end of the selected log (%d)",
			commitNumber, r.OpNumber())
	}

	r.state.Status = ReplicaStatusNormal
	r.state.LastNormalView = r.state.View
	r.state.TicksSinceLastCommit = 0

	r.startViewChanges = nil
	r.doViewChanges = nil
	r.doViewChangeSent = false

	r.prepareOks = make(map[OpNumber]map[ReplicaId]bool)
	for op := commitNumber + 1; op <= r.OpNumber(); op++ {
		r.prepareOks[op] = map[ReplicaId]bool{r.Id: true}
	}

	r.Log.Info("starting view %d as primary (op number: %d, "+
		"commit number: %d)", r.state.View, r.OpNumber(), commitNumber)

	if err := r.commitUpTo(commitNumber); err != nil {
		return err
	}

	r.broadcast(r.startViewMsg())

	return nil
}

func (r *Replica[O, R]) startViewMsg() *StartView[O, R] {
	entries, err := r.opLog.Range(r.opLog.CurrentOffset(),
		r.opLog.CurrentSizeWithOffset())
	if err != nil {
		Panicf("cannot read log: %v", err)
	}

	return &StartView[O, R]{
		ReplicaId:    r.Id,
		View:         r.state.View,
		LogOffset:    r.opLog.CurrentOffset(),
		Entries:      copyEntries(entries),
		OpNumber:     r.OpNumber(),
		CommitNumber: r.state.CommitNumber,
	}
}

// ApplyStartView handles the start of a new view on a backup.
func (r *Replica[O, R]) ApplyStartView(msg *StartView[O, R]) error {
	if msg.View < r.state.View {
		return nil
	}

	if msg.View == r.state.View && r.state.Status == ReplicaStatusNormal {
		return nil
	}

	if r.cluster.Primary(msg.View) != msg.ReplicaId {
		r.Log.Error("ignoring %v: %s is not the primary of view %d",
			msg, msg.ReplicaId, msg.View)
		return nil
	}

	if msg.ReplicaId == r.Id {
		return nil
	}

	if err := r.adoptLog(msg.LogOffset, msg.Entries, true); err != nil {
		r.Log.Error("cannot adopt log of %s: %v", msg.ReplicaId, err)
		r.startStateTransfer(msg.View, msg.ReplicaId)
		return nil
	}

	r.state.View = msg.View
	r.state.Status = ReplicaStatusNormal
	r.state.LastNormalView = msg.View
	r.state.TicksSinceLastCommit = 0

	r.startViewChanges = nil
	r.doViewChanges = nil
	r.doViewChangeSent = false
	r.prepareOks = make(map[OpNumber]map[ReplicaId]bool)

	r.Log.Info("starting view %d as backup (primary: %s)",
		msg.View, msg.ReplicaId)

	commitNumber := msg.CommitNumber
	if commitNumber > r.OpNumber() {
		commitNumber = r.OpNumber()
	}

	if err := r.commitUpTo(commitNumber); err != nil {
		return err
	}

	if r.OpNumber() > r.state.CommitNumber {
		r.send(msg.ReplicaId, &PrepareOk{
			ReplicaId: r.Id,
			View:      r.state.View,
			OpNumber:  r.OpNumber(),
		})
	}

	return nil
}

// SelectDoViewChange returns the message carrying the most complete log: the
// one with the highest last normal view, then the highest op number, then
// the lowest replica id.
func SelectDoViewChange[O, R any](msgs map[ReplicaId]*DoViewChange[O, R]) *DoViewChange[O, R] {
	ids := make([]ReplicaId, 0, len(msgs))
	for id := range msgs {
		ids = append(ids, id)
	}

	SortReplicaIds(ids)

	var selected *DoViewChange[O, R]

	for _, id := range ids {
		msg := msgs[id]

		if selected == nil ||
			msg.LastNormalView > selected.LastNormalView ||
			(msg.LastNormalView == selected.LastNormalView &&
				msg.OpNumber > selected.OpNumber) {
			selected = msg
		}
	}

	return selected
}
