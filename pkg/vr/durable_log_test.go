package vr

import (
	"errors"
	"testing"
)

func TestDurableLogRestart(t *testing.T) {
	n := newDurableTestNetwork(t, 3)

	for i, op := range []string{"a", "b", "c", "d"} {
		n.request("r1", "c1", RequestNumber(i+1), op)
	}

	r2 := n.replicas["r2"]

	// The last Prepare committed op 3 on backups
	cp := r2.Checkpoint()
	if cp.CommitNumber != 3 {
		t.Fatalf("commit number of r2 is %d, expected 3", cp.CommitNumber)
	}

	if err := r2.TrimLog(1); err != nil {
		t.Fatalf("cannot trim log: %v", err)
	}

	if err := r2.Sync(); err != nil {
		t.Fatalf("cannot sync replica: %v", err)
	}

	r2 = n.addReplica("r2", 3, cp)

	if op := r2.OpNumber(); op != 4 {
		t.Fatalf("op number is %d, expected 4", op)
	}

	if offset := r2.LogOffset(); offset != 3 {
		t.Errorf("log offset is %d, expected 3", offset)
	}

	entry, err := r2.Entry(4)
	if err != nil {
		t.Fatalf("cannot read op 4: %v", err)
	}

	if entry.Operation != "d" || entry.Response != nil {
		t.Errorf("unexpected op 4: %v", entry)
	}

	record, found := r2.ClientRecord("c1")
	if !found || record.Pending == nil || record.RequestNumber() != 4 {
		t.Errorf("unexpected client record %+v", record)
	}

	// Entries covered by the checkpoint are deleted
	if err := r2.Sync(); err != nil {
		t.Fatalf("cannot sync replica: %v", err)
	}

	var keys []string

	err = n.storages["r2"].ForEach(logEntryKeyPrefix,
		func(key, value []byte) error {
			keys = append(keys, string(key))
			return nil
		})
	if err != nil {
		t.Fatalf("cannot read log entries: %v", err)
	}

	if len(keys) != 1 || keys[0] != string(logEntryKey(3)) {
		t.Errorf("unexpected log entry keys %v", keys)
	}
}

func TestDurableLogViewState(t *testing.T) {
	n := newDurableTestNetwork(t, 3)

	n.replicas["r2"].startViewChange(1)

	r2 := n.addReplica("r2", 3, nil)

	state := r2.State()
	if state.View != 1 || state.LastNormalView != 0 {
		t.Errorf("unexpected state after restart: %+v", state)
	}
}

func TestDurableLogDiscardedEntries(t *testing.T) {
	n := newDurableTestNetwork(t, 3)

	n.request("r1", "c1", 1, "a")

	r2 := n.replicas["r2"]

	err := r2.HandleMsg("r1", &Prepare[string]{
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

	r2.trimLogEnd(1)

	if err := r2.Sync(); err != nil {
		t.Fatalf("cannot sync replica: %v", err)
	}

	r2 = n.addReplica("r2", 3, &Checkpoint[int]{})

	if op := r2.OpNumber(); op != 1 {
		t.Errorf("op number is %d, expected 1", op)
	}
}

func TestDurableLogCorruption(t *testing.T) {
	storage := openTestBoltStorage(t, "storage.db")

	// Entry 0 is missing
	if err := storage.Upsert(logEntryKey(1), []byte("{}")); err != nil {
		t.Fatalf("cannot write log entry: %v", err)
	}

	cluster, err := NewCluster("r1", testReplicaIds(3), &recordingTransport{})
	if err != nil {
		t.Fatalf("cannot create cluster: %v", err)
	}

	_, err = NewReplica(ReplicaCfg[string, int]{
		Cluster:      cluster,
		StateMachine: &testStateMachine{},
		Logger:       &testLogger{t: t, prefix: "r1"},
		Storage:      storage,
	})
	if !errors.Is(err, ErrCorruptionDetected) {
		t.Errorf("creating a replica with an invalid log returned %v", err)
	}
}
