package vr

import (
	"context"
	"errors"
	"fmt"
)

// Cluster is the fixed membership of a replica group, and the channel used
// to exchange messages between its members.
type Cluster struct {
	localId    ReplicaId
	replicaIds []ReplicaId
	transport  Transport
}

func NewCluster(localId ReplicaId, replicaIds []ReplicaId, transport Transport) (*Cluster, error) {
	if len(replicaIds) < 3 {
		return nil, fmt.Errorf("%w: %d replicas, at least 3 required",
			ErrInsufficientReplicas, len(replicaIds))
	}

	ids := make([]ReplicaId, len(replicaIds))
	copy(ids, replicaIds)
	SortReplicaIds(ids)

	found := false
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			return nil, fmt.Errorf("%w %q", ErrDuplicateReplica, id)
		}

		if id == localId {
			found = true
		}
	}

	if !found {
		return nil, fmt.Errorf("%w %q", ErrUnknownReplica, localId)
	}

	c := Cluster{
		localId:    localId,
		replicaIds: ids,
		transport:  transport,
	}

	return &c, nil
}

func (c *Cluster) LocalId() ReplicaId {
	return c.localId
}

func (c *Cluster) ReplicaIds() []ReplicaId {
	ids := make([]ReplicaId, len(c.replicaIds))
	copy(ids, c.replicaIds)
	return ids
}

func (c *Cluster) Size() int {
	return len(c.replicaIds)
}

// QuorumSize returns f+1 for a cluster of 2f+1 replicas.
func (c *Cluster) QuorumSize() int {
	return len(c.replicaIds)/2 + 1
}

func (c *Cluster) Primary(view ViewNumber) ReplicaId {
	return c.replicaIds[uint64(view)%uint64(len(c.replicaIds))]
}

func (c *Cluster) IsPrimary(view ViewNumber) bool {
	return c.Primary(view) == c.localId
}

func (c *Cluster) Contains(id ReplicaId) bool {
	for _, rid := range c.replicaIds {
		if rid == id {
			return true
		}
	}

	return false
}

// NextReplica returns the replica following id in membership order,
// skipping the local replica.
func (c *Cluster) NextReplica(id ReplicaId) ReplicaId {
	idx := 0
	for i, rid := range c.replicaIds {
		if rid == id {
			idx = i
			break
		}
	}

	for i := 1; i <= len(c.replicaIds); i++ {
		next := c.replicaIds[(idx+i)%len(c.replicaIds)]
		if next != c.localId {
			return next
		}
	}

	return id
}

func (c *Cluster) Send(recipientId ReplicaId, msg Msg) error {
	if err := c.transport.Send(recipientId, msg); err != nil {
		return fmt.Errorf("%w: cannot send %s to %s: %w",
			ErrTransport, msg.GetType(), recipientId, err)
	}

	return nil
}

// Broadcast sends a message to all replicas except the local one.
func (c *Cluster) Broadcast(msg Msg) error {
	var errs []error

	for _, id := range c.replicaIds {
		if id == c.localId {
			continue
		}

		if err := c.Send(id, msg); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (c *Cluster) Receive(ctx context.Context) (*IncomingMsg, error) {
	msg, err := c.transport.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	return msg, nil
}
