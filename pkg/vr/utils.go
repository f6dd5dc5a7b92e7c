package vr

import (
	"bytes"
	"fmt"
	"runtime"
	"sort"
)

func Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

func RecoverValueString(value interface{}) (msg string) {
	switch v := value.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprintf("%#v", v)
	}

	return
}

func StackTrace(depth int) string {
	pc := make([]uintptr, depth)

	// Skip runtime.Callers and StackTrace
	nbFrames := runtime.Callers(2, pc)
	pc = pc[:nbFrames]

	var buf bytes.Buffer

	frames := runtime.CallersFrames(pc)
	for {
		frame, more := frames.Next()

		fmt.Fprintf(&buf, "%s\n", frame.Function)
		fmt.Fprintf(&buf, "  %s:%d\n", frame.File, frame.Line)

		if !more {
			break
		}
	}

	return buf.String()
}

func SortReplicaIds(ids []ReplicaId) {
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
}

func (s ReplicaSet) Ids() []ReplicaId {
	ids := make([]ReplicaId, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}

	SortReplicaIds(ids)

	return ids
}

func maxOpNumber(a, b OpNumber) OpNumber {
	if a > b {
		return a
	}

	return b
}
