package main

import (
	"fmt"
)

type OpType string

const (
	OpTypeGet    OpType = "get"
	OpTypePut    OpType = "put"
	OpTypeDelete OpType = "delete"
)

// Op is an operation on the store. Reads go through the log like writes so
// that they observe all writes committed before them.
type Op struct {
	Type  OpType `json:"type"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type OpResult struct {
	Found bool   `json:"found"`
	Value string `json:"value,omitempty"`
}

func (op Op) String() string {
	switch op.Type {
	case OpTypePut:
		return fmt.Sprintf("put(%q, %d bytes)", op.Key, len(op.Value))
	default:
		return fmt.Sprintf("%s(%q)", op.Type, op.Key)
	}
}

func (op Op) Check() error {
	switch op.Type {
	case OpTypeGet, OpTypePut, OpTypeDelete:
	default:
		return fmt.Errorf("unknown op type %q", op.Type)
	}

	if op.Key == "" {
		return fmt.Errorf("empty key")
	}

	if op.Type != OpTypePut && op.Value != "" {
		return fmt.Errorf("unexpected value for op %q", op.Type)
	}

	return nil
}
