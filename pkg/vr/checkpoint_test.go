package vr

import (
	"errors"
	"testing"
)

func TestCheckpointRestore(t *testing.T) {
	n := newTestNetwork(t, 3)

	n.request("r1", "c1", 1, "a")
	n.request("r1", "c2", 1, "b")
	n.request("r1", "c1", 2, "c")

	cp := n.replicas["r1"].Checkpoint()

	if cp.View != 0 || cp.CommitNumber != 3 || len(cp.Clients) != 2 {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}

	if c := cp.Clients[0]; c.ClientId != "c1" || c.RequestNumber != 2 ||
		c.Response != 3 {
		t.Errorf("unexpected client checkpoint %+v", c)
	}

	storage := openTestBoltStorage(t, "storage.db")

	cp0, err := ReadCheckpoint[int](storage)
	if err != nil {
		t.Fatalf("cannot read checkpoint: %v", err)
	}

	if cp0 != nil {
		t.Fatalf("empty storage contains checkpoint %+v", cp0)
	}

	err = storage.Update(func(tx StorageTx) error {
		return WriteCheckpoint(tx, cp)
	})
	if err != nil {
		t.Fatalf("cannot write checkpoint: %v", err)
	}

	cp2, err := ReadCheckpoint[int](storage)
	if err != nil {
		t.Fatalf("cannot read checkpoint: %v", err)
	}

	n2 := newEmptyTestNetwork(t)
	replica := n2.addReplica("r1", 3, cp2)

	if op := replica.OpNumber(); op != 3 {
		t.Errorf("op number is %d, expected 3", op)
	}

	if offset := replica.LogOffset(); offset != 3 {
		t.Errorf("log offset is %d, expected 3", offset)
	}

	record, found := replica.ClientRecord("c2")
	if !found {
		t.Fatalf("client record not found")
	}

	if record.RequestNumber() != 1 || record.Committed == nil ||
		*record.Committed.Response != 2 {
		t.Errorf("unexpected client record %+v", record)
	}
}

func TestCheckpointCorruption(t *testing.T) {
	storage := openTestBoltStorage(t, "storage.db")

	if err := storage.Upsert(checkpointKey, []byte("{")); err != nil {
		t.Fatalf("cannot write checkpoint: %v", err)
	}

	_, err := ReadCheckpoint[int](storage)
	if !errors.Is(err, ErrCorruptionDetected) {
		t.Errorf("reading an invalid checkpoint returned %v", err)
	}
}

func TestReplicaTrimLog(t *testing.T) {
	n := newTestNetwork(t, 3)

	for i, op := range []string{"a", "b", "c", "d", "e"} {
		n.request("r1", "c1", RequestNumber(i+1), op)
	}

	replica := n.replicas["r1"]

	if err := replica.TrimLog(2); err != nil {
		t.Fatalf("cannot trim log: %v", err)
	}

	if offset := replica.LogOffset(); offset != 3 {
		t.Errorf("log offset is %d, expected 3", offset)
	}

	if op := replica.OpNumber(); op != 5 {
		t.Errorf("op number is %d, expected 5", op)
	}

	if _, err := replica.Entry(3); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("reading a trimmed entry returned %v", err)
	}

	if entry, err := replica.Entry(4); err != nil || entry.Operation != "d" {
		t.Errorf("reading entry 4 returned %v, %v", entry, err)
	}

	// Trimming less than what was already trimmed does nothing
	if err := replica.TrimLog(4); err != nil {
		t.Fatalf("cannot trim log: %v", err)
	}

	if offset := replica.LogOffset(); offset != 3 {
		t.Errorf("log offset is %d, expected 3", offset)
	}

	// A replica trimming all its entries keeps the last one
	if err := replica.TrimLog(0); err != nil {
		t.Fatalf("cannot trim log: %v", err)
	}

	if offset := replica.LogOffset(); offset != 4 {
		t.Errorf("log offset is %d, expected 4", offset)
	}
}
