package vr

import (
	"errors"
	"testing"
)

func TestNewCluster(t *testing.T) {
	transport := recordingTransport{}

	tests := []struct {
		localId ReplicaId
		ids     []ReplicaId
		err     error
	}{
		{"r1", []ReplicaId{"r1", "r2"}, ErrInsufficientReplicas},
		{"r1", []ReplicaId{"r1", "r2", "r2"}, ErrDuplicateReplica},
		{"r4", []ReplicaId{"r1", "r2", "r3"}, ErrUnknownReplica},
		{"r2", []ReplicaId{"r3", "r1", "r2"}, nil},
	}

	for _, test := range tests {
		_, err := NewCluster(test.localId, test.ids, &transport)
		if test.err == nil && err != nil {
			t.Errorf("cannot create cluster %v: %v", test.ids, err)
		} else if !errors.Is(err, test.err) {
			t.Errorf("cluster %v: got error %v, expected %v",
				test.ids, err, test.err)
		}
	}
}

func TestClusterPrimary(t *testing.T) {
	transport := recordingTransport{}

	cluster, err := NewCluster("r2", []ReplicaId{"r3", "r1", "r2"}, &transport)
	if err != nil {
		t.Fatalf("cannot create cluster: %v", err)
	}

	expected := []ReplicaId{"r1", "r2", "r3", "r1", "r2"}
	for view, id := range expected {
		if primary := cluster.Primary(ViewNumber(view)); primary != id {
			t.Errorf("primary of view %d is %s, expected %s",
				view, primary, id)
		}
	}

	if !cluster.IsPrimary(1) || cluster.IsPrimary(2) {
		t.Errorf("invalid IsPrimary result")
	}
}

func TestClusterQuorumSize(t *testing.T) {
	transport := recordingTransport{}

	for size, expected := range map[int]int{3: 2, 4: 3, 5: 3, 7: 4} {
		cluster, err := NewCluster("r1", testReplicaIds(size), &transport)
		if err != nil {
			t.Fatalf("cannot create cluster: %v", err)
		}

		if quorum := cluster.QuorumSize(); quorum != expected {
			t.Errorf("quorum size for %d replicas is %d, expected %d",
				size, quorum, expected)
		}
	}
}

func TestClusterNextReplica(t *testing.T) {
	transport := recordingTransport{}

	cluster, err := NewCluster("r2", testReplicaIds(3), &transport)
	if err != nil {
		t.Fatalf("cannot create cluster: %v", err)
	}

	tests := map[ReplicaId]ReplicaId{
		"r1": "r3",
		"r2": "r3",
		"r3": "r1",
	}

	for id, expected := range tests {
		if next := cluster.NextReplica(id); next != expected {
			t.Errorf("next replica after %s is %s, expected %s",
				id, next, expected)
		}
	}
}

func TestClusterBroadcast(t *testing.T) {
	transport := recordingTransport{}

	cluster, err := NewCluster("r2", testReplicaIds(5), &transport)
	if err != nil {
		t.Fatalf("cannot create cluster: %v", err)
	}

	if err := cluster.Broadcast(&Commit{ReplicaId: "r2"}); err != nil {
		t.Fatalf("cannot broadcast message: %v", err)
	}

	if len(transport.sent) != 4 {
		t.Fatalf("%d messages sent, expected 4", len(transport.sent))
	}

	for _, msg := range transport.sent {
		if msg.recipientId == "r2" {
			t.Errorf("message sent to the local replica")
		}
	}
}
