package vr

import (
	"fmt"
)

type ReplicaCfg[O, R any] struct {
	Cluster      *Cluster
	StateMachine StateMachine[O, R]

	Logger Logger

	// Called on the primary for each committed request, and for duplicate
	// requests whose response is already known.
	ReplyFunc ReplyFunc[R]

	// Number of ticks without news from the primary before a backup starts
	// a view change.
	ViewChangeTimeout uint64

	// Number of ticks without outgoing Prepare message after which the
	// primary broadcasts its commit number.
	HeartbeatInterval uint64

	Checkpoint *Checkpoint[R]

	// Optional. Without storage, the log and the view only live in memory.
	Storage Storage
}

// Replica implements the Viewstamped Replication protocol for one member of
// a cluster. It is not safe for concurrent use: all methods must be called
// from the same goroutine (see Server).
type Replica[O, R any] struct {
	Cfg ReplicaCfg[O, R]
	Log Logger

	Id ReplicaId

	cluster      *Cluster
	stateMachine StateMachine[O, R]

	storage         Storage
	logWrites       []logWrite[O, R]
	storedViewState viewState

	state       ReplicaState
	opLog       *OpLog[*LogEntry[O, R]]
	clientTable *ClientTable[O, R]

	// Primary only
	prepareOks map[OpNumber]map[ReplicaId]bool

	// View change only
	startViewChanges map[ReplicaId]bool
	doViewChanges    map[ReplicaId]*DoViewChange[O, R]
	doViewChangeSent bool

	// Recovery only
	stateTransferSource   ReplicaId
	stateTransferAttempts int
}

func NewReplica[O, R any](cfg ReplicaCfg[O, R]) (*Replica[O, R], error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("missing cluster")
	}

	if cfg.StateMachine == nil {
		return nil, fmt.Errorf("missing state machine")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.ViewChangeTimeout == 0 {
		cfg.ViewChangeTimeout = 10
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 2
	}

	if cfg.HeartbeatInterval >= cfg.ViewChangeTimeout {
		return nil, fmt.Errorf("heartbeat interval (%d ticks) must be "+
			"lower than view change timeout (%d ticks)",
			cfg.HeartbeatInterval, cfg.ViewChangeTimeout)
	}

	r := &Replica[O, R]{
		Cfg: cfg,
		Log: cfg.Logger,

		Id: cfg.Cluster.LocalId(),

		cluster:      cfg.Cluster,
		stateMachine: cfg.StateMachine,

		storage: cfg.Storage,

		state: ReplicaState{
			Status: ReplicaStatusNormal,
		},

		opLog:       NewOpLog[*LogEntry[O, R]](0),
		clientTable: NewClientTable[O, R](),

		prepareOks: make(map[OpNumber]map[ReplicaId]bool),
	}

	if cp := cfg.Checkpoint; cp != nil {
		r.restoreCheckpoint(cp)
	}

	if r.storage != nil {
		if err := r.loadLog(); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Replica[O, R]) State() ReplicaState {
	return r.state
}

func (r *Replica[O, R]) Cluster() *Cluster {
	return r.cluster
}

func (r *Replica[O, R]) IsPrimary() bool {
	return r.cluster.IsPrimary(r.state.View)
}

func (r *Replica[O, R]) Primary() ReplicaId {
	return r.cluster.Primary(r.state.View)
}

// OpNumber returns the op number of the last entry of the log.
func (r *Replica[O, R]) OpNumber() OpNumber {
	return OpNumber(r.opLog.CurrentSizeWithOffset())
}

func (r *Replica[O, R]) LogOffset() uint64 {
	return r.opLog.CurrentOffset()
}

func (r *Replica[O, R]) Entry(opNumber OpNumber) (*LogEntry[O, R], error) {
	if opNumber == 0 {
		return nil, ErrInvalidIndex
	}

	return r.opLog.Get(uint64(opNumber) - 1)
}

func (r *Replica[O, R]) ClientRecord(clientId ClientId) (*ClientRecord[O, R], bool) {
	return r.clientTable.Get(clientId)
}

// ApplyRequest handles a request sent by a client to the primary.
func (r *Replica[O, R]) ApplyRequest(clientId ClientId, requestNumber RequestNumber, op O) error {
	if !r.IsPrimary() {
		return ErrNotPrimary
	}

	if r.state.Status != ReplicaStatusNormal {
		return ErrInvalidState
	}

	if record, found := r.clientTable.Get(clientId); found {
		lastNumber := record.RequestNumber()

		if requestNumber < lastNumber {
			return fmt.Errorf("%w: received request %d from client %q, "+
				"last request was %d", ErrUnexpectedRequestNumber,
				requestNumber, clientId, lastNumber)
		}

		if requestNumber == lastNumber {
			// The request is either pending, in which case the client will
			// be answered on commit, or already executed, in which case we
			// send the response again.
			if record.Pending == nil {
				r.Log.Debug(1, "replaying response to request %d from "+
					"client %q", requestNumber, clientId)
				r.reply(record.Committed)
			}

			return nil
		}
	}

	entry := &LogEntry[O, R]{
		ClientId:      clientId,
		RequestNumber: requestNumber,
		Operation:     op,
	}

	r.pushEntry(entry)

	opNumber := r.OpNumber()
	r.prepareOks[opNumber] = map[ReplicaId]bool{r.Id: true}

	r.broadcast(&Prepare[O]{
		ReplicaId:     r.Id,
		View:          r.state.View,
		OpNumber:      opNumber,
		CommitNumber:  r.state.CommitNumber,
		ClientId:      clientId,
		Operation:     op,
		RequestNumber: requestNumber,
	})

	// Prepare messages carry the commit number, there is no need for a
	// heartbeat.
	r.state.TicksSinceLastCommit = 0

	return nil
}

// ApplyPrepare handles a Prepare message on a backup.
func (r *Replica[O, R]) ApplyPrepare(msg *Prepare[O]) error {
	if msg.View > r.state.View {
		r.startStateTransfer(msg.View, r.cluster.Primary(msg.View))
		return nil
	}

	if msg.View < r.state.View {
		r.notifyStaleReplica(msg.ReplicaId, msg)
		return nil
	}

	if r.IsPrimary() {
		return ErrNotForPrimary
	}

	if r.state.Status != ReplicaStatusNormal {
		r.Log.Debug(2, "ignoring %v in status %v", msg, r.state.Status)
		return nil
	}

	r.state.TicksSinceLastCommit = 0

	opNumber := r.OpNumber()

	switch {
	case msg.OpNumber <= opNumber:
		r.Log.Debug(2, "already have op %d, acknowledging it again",
			msg.OpNumber)

	case msg.OpNumber > opNumber+1:
		r.Log.Info("missing ops %d to %d, starting state transfer",
			opNumber+1, msg.OpNumber-1)
		r.startStateTransfer(msg.View, msg.ReplicaId)
		return nil

	default:
		entry := &LogEntry[O, R]{
			ClientId:      msg.ClientId,
			RequestNumber: msg.RequestNumber,
			Operation:     msg.Operation,
		}

		r.pushEntry(entry)
	}

	r.send(msg.ReplicaId, &PrepareOk{
		ReplicaId: r.Id,
		View:      r.state.View,
		OpNumber:  msg.OpNumber,
	})

	if msg.CommitNumber <= r.OpNumber() {
		return r.commitUpTo(msg.CommitNumber)
	}

	return nil
}

// ApplyPrepareOk handles the acknowledgement of a Prepare message by a
// backup.
func (r *Replica[O, R]) ApplyPrepareOk(msg *PrepareOk) error {
	if msg.View > r.state.View {
		r.startStateTransfer(msg.View, r.cluster.Primary(msg.View))
		return nil
	}

	if msg.View < r.state.View || r.state.Status != ReplicaStatusNormal {
		r.Log.Debug(2, "ignoring %v in view %d with status %v",
			msg, r.state.View, r.state.Status)
		return nil
	}

	if !r.IsPrimary() {
		return ErrNotPrimary
	}

	if !r.cluster.Contains(msg.ReplicaId) || msg.ReplicaId == r.Id {
		r.Log.Error("ignoring %v from invalid replica", msg)
		return nil
	}

	if msg.OpNumber <= r.state.CommitNumber || msg.OpNumber > r.OpNumber() {
		return nil
	}

	// Backups append entries in order: acknowledging an op acknowledges all
	// the ops before it.
	for op := r.state.CommitNumber + 1; op <= msg.OpNumber; op++ {
		acks, found := r.prepareOks[op]
		if !found {
			acks = map[ReplicaId]bool{r.Id: true}
			r.prepareOks[op] = acks
		}

		acks[msg.ReplicaId] = true
	}

	// Ops are committed in order: stop at the first op without a quorum
	commitNumber := r.state.CommitNumber
	quorum := r.cluster.QuorumSize()

	for op := r.state.CommitNumber + 1; op <= r.OpNumber(); op++ {
		if len(r.prepareOks[op]) < quorum {
			break
		}

		commitNumber = op
	}

	return r.commitUpTo(commitNumber)
}

// ApplyCommit handles a Commit message on a backup.
func (r *Replica[O, R]) ApplyCommit(msg *Commit) error {
	if msg.View > r.state.View {
		r.startStateTransfer(msg.View, r.cluster.Primary(msg.View))
		return nil
	}

	if msg.View < r.state.View {
		r.notifyStaleReplica(msg.ReplicaId, msg)
		return nil
	}

	if r.IsPrimary() {
		return ErrNotForPrimary
	}

	if r.state.Status != ReplicaStatusNormal {
		r.Log.Debug(2, "ignoring %v in status %v", msg, r.state.Status)
		return nil
	}

	r.state.TicksSinceLastCommit = 0

	if msg.CommitNumber > r.OpNumber() {
		r.Log.Info("missing ops %d to %d, starting state transfer",
			r.OpNumber()+1, msg.CommitNumber)
		r.startStateTransfer(msg.View, msg.ReplicaId)
		return nil
	}

	return r.commitUpTo(msg.CommitNumber)
}

// AdvanceTime is called at regular intervals by the owner of the replica.
func (r *Replica[O, R]) AdvanceTime() {
	r.state.TicksSinceLastCommit++

	ticks := r.state.TicksSinceLastCommit

	switch r.state.Status {
	case ReplicaStatusNormal:
		if r.IsPrimary() {
			if ticks >= r.Cfg.HeartbeatInterval {
				r.sendHeartbeat()
				r.state.TicksSinceLastCommit = 0
			}
		} else if ticks > r.Cfg.ViewChangeTimeout {
			r.Log.Info("no message from primary %s for %d ticks",
				r.Primary(), ticks)
			r.startViewChange(r.state.View + 1)
		}

	case ReplicaStatusViewChange:
		if ticks > r.Cfg.ViewChangeTimeout {
			r.Log.Info("view change to view %d timed out", r.state.View)
			r.startViewChange(r.state.View + 1)
		}

	case ReplicaStatusRecovery:
		if ticks <= r.Cfg.ViewChangeTimeout {
			break
		}

		if r.stateTransferAttempts >= r.cluster.Size()-1 {
			// Nobody is running our view, for example because the whole
			// cluster restarted: a new view is needed.
			r.Log.Info("state transfer timed out with all replicas")
			r.startViewChange(r.state.View + 1)
			break
		}

		source := r.cluster.NextReplica(r.stateTransferSource)
		r.Log.Info("state transfer from %s timed out, retrying with %s",
			r.stateTransferSource, source)

		r.state.TicksSinceLastCommit = 0
		r.stateTransferSource = source
		r.stateTransferAttempts++
		r.sendGetState()
	}
}

// sendHeartbeat broadcasts the commit number. If some ops are still waiting
// for a quorum, the last Prepare message is sent again instead: backups which
// missed it acknowledge it, and backups which missed earlier ones start a
// state transfer.
func (r *Replica[O, R]) sendHeartbeat() {
	opNumber := r.OpNumber()

	if opNumber == r.state.CommitNumber {
		r.broadcast(&Commit{
			ReplicaId:    r.Id,
			View:         r.state.View,
			CommitNumber: r.state.CommitNumber,
		})

		return
	}

	entry, err := r.Entry(opNumber)
	if err != nil {
		Panicf("cannot read uncommitted op %d: %v", opNumber, err)
	}

	r.broadcast(&Prepare[O]{
		ReplicaId:     r.Id,
		View:          r.state.View,
		OpNumber:      opNumber,
		CommitNumber:  r.state.CommitNumber,
		ClientId:      entry.ClientId,
		Operation:     entry.Operation,
		RequestNumber: entry.RequestNumber,
	})
}

// HandleMsg dispatches a message received from another replica.
func (r *Replica[O, R]) HandleMsg(sourceId ReplicaId, msg Msg) error {
	if msg.GetReplicaId() != sourceId {
		r.Log.Error("ignoring %v sent by %s on behalf of %s",
			msg, sourceId, msg.GetReplicaId())
		return nil
	}

	if !r.cluster.Contains(sourceId) {
		r.Log.Error("ignoring %v from unknown replica %s", msg, sourceId)
		return nil
	}

	switch msg.(type) {
	case *Prepare[O], *PrepareOk, *Commit:
		// Normal case messages are only sent once a view has started: if
		// the view is more recent than ours, or if it is the one we are
		// trying to establish, we missed its StartView message.
		view := msg.GetView()

		if view > r.state.View ||
			(view == r.state.View &&
				r.state.Status == ReplicaStatusViewChange) {
			r.Log.Debug(1, "received %v from %s in view %d, "+
				"starting state transfer", msg, sourceId, r.state.View)
			r.startStateTransfer(view, r.cluster.Primary(view))
			return nil
		}
	}

	switch m := msg.(type) {
	case *Prepare[O]:
		return r.ApplyPrepare(m)
	case *PrepareOk:
		return r.ApplyPrepareOk(m)
	case *Commit:
		return r.ApplyCommit(m)
	case *StartViewChange:
		return r.ApplyStartViewChange(m)
	case *DoViewChange[O, R]:
		return r.ApplyDoViewChange(m)
	case *StartView[O, R]:
		return r.ApplyStartView(m)
	case *GetState:
		return r.ApplyGetState(m)
	case *NewState[O, R]:
		return r.ApplyNewState(m)
	default:
		return fmt.Errorf("unexpected message %v from %s", msg, sourceId)
	}
}

// commitUpTo applies all entries up to opNumber to the state machine.
func (r *Replica[O, R]) commitUpTo(opNumber OpNumber) error {
	if opNumber <= r.state.CommitNumber {
		return nil
	}

	if opNumber > r.OpNumber() {
		Panicf("cannot commit op %d: last op is %d", opNumber, r.OpNumber())
	}

	from := uint64(r.state.CommitNumber)
	to := uint64(opNumber)

	entries, err := r.opLog.Range(from, to)
	if err != nil {
		return fmt.Errorf("cannot read ops %d to %d: %w", from+1, to, err)
	}

	ops := make([]O, len(entries))
	for i, entry := range entries {
		ops[i] = entry.Operation
	}

	results, err := r.stateMachine.ApplyOperations(ops)
	if err != nil {
		return fmt.Errorf("cannot apply ops %d to %d: %w", from+1, to, err)
	}

	if len(results) != len(ops) {
		Panicf("state machine returned %d results for %d operations",
			len(results), len(ops))
	}

	r.Log.Debug(1, "committed ops %d to %d", from+1, to)

	previousCommitNumber := r.state.CommitNumber
	r.state.CommitNumber = opNumber

	replying := r.IsPrimary() && r.state.Status == ReplicaStatusNormal

	for i, entry := range entries {
		result := results[i]
		entry.Response = &result

		r.clientTable.Commit(entry)

		if replying {
			r.reply(entry)
		}
	}

	for op := previousCommitNumber + 1; op <= opNumber; op++ {
		delete(r.prepareOks, op)
	}

	return nil
}

func (r *Replica[O, R]) reply(entry *LogEntry[O, R]) {
	if r.Cfg.ReplyFunc == nil || entry == nil || entry.Response == nil {
		return
	}

	r.Cfg.ReplyFunc(Reply[R]{
		View:          r.state.View,
		ClientId:      entry.ClientId,
		RequestNumber: entry.RequestNumber,
		Result:        *entry.Response,
	})
}

// notifyStaleReplica tells a replica which sent a message for an old view
// about the current one; the Commit message makes it start a state transfer.
func (r *Replica[O, R]) notifyStaleReplica(replicaId ReplicaId, msg Msg) {
	r.Log.Debug(1, "ignoring %v from stale replica %s (current view: %d)",
		msg, replicaId, r.state.View)

	if r.state.Status != ReplicaStatusNormal {
		return
	}

	r.send(replicaId, &Commit{
		ReplicaId:    r.Id,
		View:         r.state.View,
		CommitNumber: r.state.CommitNumber,
	})
}

func (r *Replica[O, R]) send(recipientId ReplicaId, msg Msg) {
	if !r.syncBeforeSending(msg) {
		return
	}

	if err := r.cluster.Send(recipientId, msg); err != nil {
		// Lost messages are handled by the protocol itself: either they are
		// sent again, or the view change timeout will go off.
		r.Log.Error("%v", err)
	}
}

func (r *Replica[O, R]) broadcast(msg Msg) {
	if !r.syncBeforeSending(msg) {
		return
	}

	if err := r.cluster.Broadcast(msg); err != nil {
		r.Log.Error("%v", err)
	}
}

// syncBeforeSending returns false if the state of the replica could not be
// stored. The message is then dropped as if it had been lost; pending writes
// are retried before the next message.
func (r *Replica[O, R]) syncBeforeSending(msg Msg) bool {
	if err := r.Sync(); err != nil {
		r.Log.Error("dropping %v: %v", msg, err)
		return false
	}

	return true
}

// copyEntries returns entries suitable for inclusion in a message: responses
// are computed again by each replica when entries are committed.
func copyEntries[O, R any](entries []*LogEntry[O, R]) []*LogEntry[O, R] {
	copies := make([]*LogEntry[O, R], len(entries))

	for i, entry := range entries {
		copies[i] = &LogEntry[O, R]{
			ClientId:      entry.ClientId,
			RequestNumber: entry.RequestNumber,
			Operation:     entry.Operation,
		}
	}

	return copies
}
