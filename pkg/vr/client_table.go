package vr

// ClientRecord tracks the last request accepted for a client. Entries are
// shared with the operation log, which owns them.
type ClientRecord[O, R any] struct {
	Committed *LogEntry[O, R]
	Pending   *LogEntry[O, R]
}

// RequestNumber returns the number of the last accepted request, pending or
// committed.
func (r *ClientRecord[O, R]) RequestNumber() RequestNumber {
	if r.Pending != nil {
		return r.Pending.RequestNumber
	}

	if r.Committed != nil {
		return r.Committed.RequestNumber
	}

	return 0
}

// LastEntry returns the entry matching RequestNumber.
func (r *ClientRecord[O, R]) LastEntry() *LogEntry[O, R] {
	if r.Pending != nil {
		return r.Pending
	}

	return r.Committed
}

type ClientTable[O, R any] struct {
	records map[ClientId]*ClientRecord[O, R]
}

func NewClientTable[O, R any]() *ClientTable[O, R] {
	return &ClientTable[O, R]{
		records: make(map[ClientId]*ClientRecord[O, R]),
	}
}

func (t *ClientTable[O, R]) Len() int {
	return len(t.records)
}

func (t *ClientTable[O, R]) Get(clientId ClientId) (*ClientRecord[O, R], bool) {
	record, found := t.records[clientId]
	return record, found
}

// Accept records a newly appended entry. Entries whose request number is
// not greater than the last accepted one are ignored: they can show up again
// when a log is adopted during a view change or a state transfer.
func (t *ClientTable[O, R]) Accept(entry *LogEntry[O, R]) {
	record := t.record(entry.ClientId)

	if record.LastEntry() != nil &&
		entry.RequestNumber <= record.RequestNumber() {
		return
	}

	record.Pending = entry
}

// Commit marks an entry as committed once its response is available.
func (t *ClientTable[O, R]) Commit(entry *LogEntry[O, R]) {
	record := t.record(entry.ClientId)

	if record.Committed == nil ||
		entry.RequestNumber >= record.Committed.RequestNumber {
		record.Committed = entry
	}

	if record.Pending != nil &&
		record.Pending.RequestNumber <= entry.RequestNumber {
		record.Pending = nil
	}
}

// Discard forgets a pending entry removed from the end of the log.
func (t *ClientTable[O, R]) Discard(entry *LogEntry[O, R]) {
	record, found := t.records[entry.ClientId]
	if !found {
		return
	}

	if record.Pending == entry {
		record.Pending = nil
	}

	if record.Pending == nil && record.Committed == nil {
		delete(t.records, entry.ClientId)
	}
}

// CommittedEntries returns the last committed entry of each client.
func (t *ClientTable[O, R]) CommittedEntries() []*LogEntry[O, R] {
	entries := make([]*LogEntry[O, R], 0, len(t.records))

	for _, record := range t.records {
		if record.Committed != nil {
			entries = append(entries, record.Committed)
		}
	}

	return entries
}

func (t *ClientTable[O, R]) record(clientId ClientId) *ClientRecord[O, R] {
	record, found := t.records[clientId]
	if !found {
		record = &ClientRecord[O, R]{}
		t.records[clientId] = record
	}

	return record
}
