package vr

import "testing"

func TestStateTransferLaggingBackup(t *testing.T) {
	n := newTestNetwork(t, 3)

	n.down["r3"] = true
	n.request("r1", "c1", 1, "a")
	n.request("r1", "c1", 2, "b")
	n.down["r3"] = false

	// r3 detects the gap when it receives op 3
	n.request("r1", "c1", 3, "c")

	r3 := n.replicas["r3"]

	if state := r3.State(); state.Status != ReplicaStatusNormal {
		t.Fatalf("r3 did not complete the state transfer: %+v", state)
	}

	if op := r3.OpNumber(); op != 3 {
		t.Fatalf("op number of r3 is %d, expected 3", op)
	}

	n.tick(2)

	assertOps(t, n.stateMachines["r3"], "a", "b", "c")

	record, found := r3.ClientRecord("c1")
	if !found {
		t.Fatalf("client not found on r3")
	}

	if record.Committed == nil || record.Committed.RequestNumber != 3 ||
		record.Pending != nil {
		t.Errorf("unexpected client record %+v", record)
	}
}

func TestStateTransferRecoveryRetry(t *testing.T) {
	n := newTestNetwork(t, 3)

	n.request("r1", "c1", 1, "a")

	r2 := n.replicas["r2"]

	// The primary does not answer: r2 must ask r3
	n.down["r1"] = true
	r2.startStateTransfer(0, "r1")
	n.deliver()

	if status := r2.State().Status; status != ReplicaStatusRecovery {
		t.Fatalf("status of r2 is %v, expected %v", status,
			ReplicaStatusRecovery)
	}

	for i := 0; i < 11; i++ {
		r2.AdvanceTime()
		n.deliver()
	}

	if state := r2.State(); state.Status != ReplicaStatusNormal ||
		state.View != 0 {
		t.Fatalf("r2 did not recover from r3: %+v", state)
	}

	if op := r2.OpNumber(); op != 1 {
		t.Errorf("op number of r2 is %d, expected 1", op)
	}
}

func TestStateTransferWholeClusterRestart(t *testing.T) {
	n := newTestNetwork(t, 3)

	n.request("r1", "c1", 1, "a")
	n.request("r1", "c1", 2, "b")
	n.tick(2)

	checkpoints := make(map[ReplicaId]*Checkpoint[int])
	for id, replica := range n.replicas {
		checkpoints[id] = replica.Checkpoint()
	}

	n2 := newEmptyTestNetwork(t)
	for id, cp := range checkpoints {
		n2.addReplica(id, 3, cp)
	}

	for _, id := range sortedTestIds(n2.replicas) {
		n2.replicas[id].Recover()
	}
	n2.deliver()

	for _, replica := range n2.replicas {
		if status := replica.State().Status; status != ReplicaStatusRecovery {
			t.Fatalf("replica is not recovering")
		}
	}

	// Nobody can answer: the replicas try all peers, then change view
	n2.tick(25)

	r2 := n2.replicas["r2"]

	for _, replica := range n2.replicas {
		if state := replica.State(); state.View != 1 ||
			state.Status != ReplicaStatusNormal {
			t.Fatalf("%s is not in view 1: %+v", replica.Id, state)
		}
	}

	if op := r2.OpNumber(); op != 2 {
		t.Fatalf("op number of r2 is %d, expected 2", op)
	}

	// Client records survived
	n2.request("r2", "c1", 2, "b")

	replies := n2.replies["r2"]
	if len(replies) != 1 || replies[0].Result != 2 {
		t.Errorf("unexpected replies %+v", replies)
	}

	n2.request("r2", "c1", 3, "c")
	n2.tick(2)

	for _, id := range []ReplicaId{"r1", "r2", "r3"} {
		assertOps(t, n2.stateMachines[id], "c")

		if commit := n2.replicas[id].State().CommitNumber; commit != 3 {
			t.Errorf("commit number of %s is %d, expected 3", id, commit)
		}
	}
}

func TestStateTransferRestartKeepsAcknowledgedOps(t *testing.T) {
	n := newDurableTestNetwork(t, 3)

	// r2 acknowledges op 1, which is committed and answered by r1
	n.down["r3"] = true
	n.request("r1", "c1", 1, "a")

	replies := n.replies["r1"]
	if len(replies) != 1 || replies[0].Result != 1 {
		t.Fatalf("unexpected replies %+v", replies)
	}

	// r2 restarts from its initial checkpoint, then r1 fails
	r2 := n.addReplica("r2", 3, &Checkpoint[int]{})
	r2.Recover()

	if op := r2.OpNumber(); op != 1 {
		t.Fatalf("op number of restarted r2 is %d, expected 1", op)
	}

	n.down["r1"] = true
	n.down["r3"] = false

	n.tick(60)

	for _, id := range []ReplicaId{"r2", "r3"} {
		replica := n.replicas[id]

		state := replica.State()
		if state.Status != ReplicaStatusNormal || state.CommitNumber != 1 {
			t.Fatalf("unexpected state of %s: %+v", id, state)
		}

		entry, err := replica.Entry(1)
		if err != nil {
			t.Fatalf("cannot read op 1 on %s: %v", id, err)
		}

		if entry.ClientId != "c1" || entry.RequestNumber != 1 ||
			entry.Operation != "a" {
			t.Errorf("unexpected op 1 on %s: %v", id, entry)
		}

		assertOps(t, n.stateMachines[id], "a")
	}
}

func TestStateTransferToNewView(t *testing.T) {
	n := newTestNetwork(t, 3)

	n.request("r1", "c1", 1, "a")

	r3 := n.replicas["r3"]

	// Op 2 only reaches r3 and its acknowledgement is lost
	err := r3.HandleMsg("r1", &Prepare[string]{
		ReplicaId:     "r1",
		View:          0,
		OpNumber:      2,
		CommitNumber:  1,
		ClientId:      "c1",
		RequestNumber: 2,
		Operation:     "b",
	})
	if err != nil {
		t.Fatalf("cannot handle prepare: %v", err)
	}

	n.queue = nil

	r3.startStateTransfer(1, "r2")

	// The uncommitted op is kept until the log of the new view is known, but
	// it is requested again since the new view may have replaced it.
	if op := r3.OpNumber(); op != 2 {
		t.Fatalf("op number of r3 is %d, expected 2", op)
	}

	if len(n.queue) != 1 {
		t.Fatalf("%d messages sent, expected 1", len(n.queue))
	}

	decodedMsg, err := n.codec.DecodeMsg(n.queue[0].data)
	if err != nil {
		t.Fatalf("cannot decode message: %v", err)
	}

	msg, ok := decodedMsg.(*GetState)
	if !ok || msg.View != 1 || msg.OpNumber != 1 {
		t.Fatalf("unexpected message %v", decodedMsg)
	}

	// The new view contains another op 2
	err = r3.HandleMsg("r2", &NewState[string, int]{
		ReplicaId: "r2",
		View:      1,
		LogOffset: 1,
		Entries: []*LogEntry[string, int]{
			{ClientId: "c2", RequestNumber: 1, Operation: "x"},
		},
		OpNumber:     2,
		CommitNumber: 2,
	})
	if err != nil {
		t.Fatalf("cannot handle new state: %v", err)
	}

	if state := r3.State(); state.Status != ReplicaStatusNormal ||
		state.View != 1 || state.CommitNumber != 2 {
		t.Fatalf("unexpected state %+v", state)
	}

	assertOps(t, n.stateMachines["r3"], "a", "x")

	if record, _ := r3.ClientRecord("c1"); record.Pending != nil {
		t.Errorf("replaced op is still pending: %+v", record)
	}
}
