package vr

import "testing"

func TestClientTable(t *testing.T) {
	table := NewClientTable[string, int]()

	entry1 := &LogEntry[string, int]{ClientId: "c1", RequestNumber: 1}
	table.Accept(entry1)

	record, found := table.Get("c1")
	if !found {
		t.Fatalf("client not found")
	}

	if record.Pending != entry1 || record.Committed != nil {
		t.Fatalf("unexpected record after accept: %+v", record)
	}

	// Old or duplicate entries are ignored
	table.Accept(&LogEntry[string, int]{ClientId: "c1", RequestNumber: 1})
	if record.Pending != entry1 {
		t.Fatalf("duplicate entry replaced the pending entry")
	}

	response := 42
	entry1.Response = &response
	table.Commit(entry1)

	if record.Pending != nil || record.Committed != entry1 {
		t.Fatalf("unexpected record after commit: %+v", record)
	}

	entry2 := &LogEntry[string, int]{ClientId: "c1", RequestNumber: 2}
	table.Accept(entry2)

	if n := record.RequestNumber(); n != 2 {
		t.Errorf("request number is %d, expected 2", n)
	}

	table.Discard(entry2)

	if record.Pending != nil || record.Committed != entry1 {
		t.Fatalf("unexpected record after discard: %+v", record)
	}

	if n := record.RequestNumber(); n != 1 {
		t.Errorf("request number is %d, expected 1", n)
	}

	entries := table.CommittedEntries()
	if len(entries) != 1 || entries[0] != entry1 {
		t.Errorf("unexpected committed entries %v", entries)
	}
}

func TestClientTableDiscardUnknownClient(t *testing.T) {
	table := NewClientTable[string, int]()

	entry := &LogEntry[string, int]{ClientId: "c1", RequestNumber: 3}
	table.Accept(entry)
	table.Discard(entry)

	if _, found := table.Get("c1"); found {
		t.Errorf("client without any entry is still in the table")
	}

	if n := table.Len(); n != 0 {
		t.Errorf("table contains %d clients", n)
	}
}
