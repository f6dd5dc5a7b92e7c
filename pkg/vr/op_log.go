package vr

// OpLog is an in-memory sequence of values addressed by a global index
// (offset + local index). The front of the log is trimmed once its content
// has been checkpointed; the end is trimmed to discard superseded entries
// during view changes and state transfers.
type OpLog[T any] struct {
	offset  uint64
	entries []T
}

func NewOpLog[T any](offset uint64) *OpLog[T] {
	return &OpLog[T]{
		offset:  offset,
		entries: make([]T, 0),
	}
}

func (l *OpLog[T]) CurrentSize() uint64 {
	return uint64(len(l.entries))
}

func (l *OpLog[T]) CurrentOffset() uint64 {
	return l.offset
}

func (l *OpLog[T]) CurrentSizeWithOffset() uint64 {
	return l.offset + uint64(len(l.entries))
}

func (l *OpLog[T]) Get(index uint64) (T, error) {
	if !l.validIndex(index) {
		var zero T
		return zero, ErrInvalidIndex
	}

	return l.entries[index-l.offset], nil
}

func (l *OpLog[T]) Push(value T) {
	l.entries = append(l.entries, value)
}

// Range returns a copy of the values in [from, to).
func (l *OpLog[T]) Range(from, to uint64) ([]T, error) {
	if from > to || from < l.offset || to > l.CurrentSizeWithOffset() {
		return nil, ErrInvalidIndex
	}

	values := make([]T, to-from)
	copy(values, l.entries[from-l.offset:to-l.offset])

	return values, nil
}

// TrimFront discards all values whose index is lower than first.
func (l *OpLog[T]) TrimFront(first uint64) error {
	if !l.validIndex(first) {
		return ErrInvalidIndex
	}

	if first == l.offset {
		return nil
	}

	n := first - l.offset

	// Copy the remaining values so that the discarded ones can be collected
	entries := make([]T, uint64(len(l.entries))-n)
	copy(entries, l.entries[n:])

	l.entries = entries
	l.offset = first

	return nil
}

// TrimEnd discards all values whose index is greater or equal to last.
func (l *OpLog[T]) TrimEnd(last uint64) error {
	if !l.validIndex(last) {
		return ErrInvalidIndex
	}

	n := last - l.offset

	var zero T
	for i := n; i < uint64(len(l.entries)); i++ {
		l.entries[i] = zero
	}

	l.entries = l.entries[:n]

	return nil
}

func (l *OpLog[T]) validIndex(index uint64) bool {
	return index >= l.offset && index < l.CurrentSizeWithOffset()
}
