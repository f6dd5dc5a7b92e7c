package main

import "testing"

func TestOpCheck(t *testing.T) {
	tests := []struct {
		op    Op
		valid bool
	}{
		{Op{Type: OpTypeGet, Key: "a"}, true},
		{Op{Type: OpTypePut, Key: "a", Value: "1"}, true},
		{Op{Type: OpTypePut, Key: "a"}, true},
		{Op{Type: OpTypeDelete, Key: "a"}, true},
		{Op{Type: OpTypeGet}, false},
		{Op{Type: OpTypeDelete, Key: "a", Value: "1"}, false},
		{Op{Type: "increment", Key: "a"}, false},
	}

	for _, test := range tests {
		err := test.op.Check()

		if test.valid && err != nil {
			t.Errorf("%v is invalid: %v", test.op, err)
		} else if !test.valid && err == nil {
			t.Errorf("%v is valid", test.op)
		}
	}
}
