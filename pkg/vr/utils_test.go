package vr

import (
	"context"
	"fmt"
	"testing"
)

type testLogger struct {
	t      *testing.T
	prefix string
}

func (l *testLogger) Debug(level int, format string, args ...interface{}) {
	l.t.Logf("%s debug %d: %s", l.prefix, level, fmt.Sprintf(format, args...))
}

func (l *testLogger) Info(format string, args ...interface{}) {
	l.t.Logf("%s info: %s", l.prefix, fmt.Sprintf(format, args...))
}

func (l *testLogger) Error(format string, args ...interface{}) {
	l.t.Logf("%s error: %s", l.prefix, fmt.Sprintf(format, args...))
}

// testStateMachine appends operations to a list; the result of each
// operation is the number of operations applied so far.
type testStateMachine struct {
	ops     []string
	batches [][]string
}

func (sm *testStateMachine) ApplyOperations(ops []string) ([]int, error) {
	batch := make([]string, len(ops))
	copy(batch, ops)
	sm.batches = append(sm.batches, batch)

	results := make([]int, len(ops))
	for i, op := range ops {
		sm.ops = append(sm.ops, op)
		results[i] = len(sm.ops)
	}

	return results, nil
}

type testMsg struct {
	sourceId    ReplicaId
	recipientId ReplicaId
	data        []byte
}

// testNetwork delivers messages between replicas of the same process in
// the order they were sent. Messages go through the JSON codec so that
// replicas never share memory.
type testNetwork struct {
	t     *testing.T
	codec JSONCodec[string, int]

	replicas      map[ReplicaId]*Replica[string, int]
	stateMachines map[ReplicaId]*testStateMachine
	replies       map[ReplicaId][]Reply[int]

	// Replicas with a storage keep their log across restarts
	storages map[ReplicaId]*BoltStorage

	queue []testMsg

	// Replicas which do not receive messages and do not tick
	down map[ReplicaId]bool
}

type testTransport struct {
	network *testNetwork
	localId ReplicaId
}

func (t *testTransport) Send(recipientId ReplicaId, msg Msg) error {
	n := t.network

	data, err := n.codec.EncodeMsg(msg)
	if err != nil {
		return err
	}

	n.queue = append(n.queue, testMsg{
		sourceId:    t.localId,
		recipientId: recipientId,
		data:        data,
	})

	return nil
}

func (t *testTransport) Receive(ctx context.Context) (*IncomingMsg, error) {
	return nil, nil
}

func testReplicaIds(n int) []ReplicaId {
	ids := make([]ReplicaId, n)
	for i := 0; i < n; i++ {
		ids[i] = ReplicaId(fmt.Sprintf("r%d", i+1))
	}

	return ids
}

func newTestNetwork(t *testing.T, n int) *testNetwork {
	network := newEmptyTestNetwork(t)

	for _, id := range testReplicaIds(n) {
		network.addReplica(id, n, nil)
	}

	return network
}

// newDurableTestNetwork creates a network whose replicas store their log in
// a bolt database.
func newDurableTestNetwork(t *testing.T, n int) *testNetwork {
	network := newEmptyTestNetwork(t)

	for _, id := range testReplicaIds(n) {
		network.storages[id] = openTestBoltStorage(t, string(id)+".db")
		network.addReplica(id, n, nil)
	}

	return network
}

func newEmptyTestNetwork(t *testing.T) *testNetwork {
	network := testNetwork{
		t: t,

		replicas:      make(map[ReplicaId]*Replica[string, int]),
		stateMachines: make(map[ReplicaId]*testStateMachine),
		replies:       make(map[ReplicaId][]Reply[int]),

		storages: make(map[ReplicaId]*BoltStorage),

		down: make(map[ReplicaId]bool),
	}

	return &network
}

func (n *testNetwork) addReplica(id ReplicaId, size int, cp *Checkpoint[int]) *Replica[string, int] {
	transport := testTransport{network: n, localId: id}

	cluster, err := NewCluster(id, testReplicaIds(size), &transport)
	if err != nil {
		n.t.Fatalf("cannot create cluster: %v", err)
	}

	stateMachine := testStateMachine{}

	var storage Storage
	if s, found := n.storages[id]; found {
		storage = s
	}

	replica, err := NewReplica(ReplicaCfg[string, int]{
		Cluster:      cluster,
		StateMachine: &stateMachine,

		Logger: &testLogger{t: n.t, prefix: string(id)},

		ReplyFunc: func(reply Reply[int]) {
			n.replies[id] = append(n.replies[id], reply)
		},

		ViewChangeTimeout: 10,
		HeartbeatInterval: 2,

		Checkpoint: cp,
		Storage:    storage,
	})
	if err != nil {
		n.t.Fatalf("cannot create replica: %v", err)
	}

	n.replicas[id] = replica
	n.stateMachines[id] = &stateMachine

	return replica
}

// deliver processes queued messages until the network is idle.
func (n *testNetwork) deliver() {
	for i := 0; len(n.queue) > 0; i++ {
		if i > 10_000 {
			n.t.Fatalf("network does not settle")
		}

		msg := n.queue[0]
		n.queue = n.queue[1:]

		if n.down[msg.recipientId] {
			continue
		}

		decodedMsg, err := n.codec.DecodeMsg(msg.data)
		if err != nil {
			n.t.Fatalf("cannot decode message: %v", err)
		}

		replica := n.replicas[msg.recipientId]
		if err := replica.HandleMsg(msg.sourceId, decodedMsg); err != nil {
			n.t.Fatalf("%s cannot handle %v from %s: %v",
				msg.recipientId, decodedMsg, msg.sourceId, err)
		}
	}
}

// tick advances time on all running replicas and delivers the resulting
// messages.
func (n *testNetwork) tick(count int) {
	for i := 0; i < count; i++ {
		for _, id := range sortedTestIds(n.replicas) {
			if !n.down[id] {
				n.replicas[id].AdvanceTime()
			}
		}

		n.deliver()
	}
}

func (n *testNetwork) request(primaryId ReplicaId, clientId ClientId, requestNumber RequestNumber, op string) {
	replica := n.replicas[primaryId]

	if err := replica.ApplyRequest(clientId, requestNumber, op); err != nil {
		n.t.Fatalf("cannot apply request %d from %q on %s: %v",
			requestNumber, clientId, primaryId, err)
	}

	n.deliver()
}

func sortedTestIds(replicas map[ReplicaId]*Replica[string, int]) []ReplicaId {
	ids := make([]ReplicaId, 0, len(replicas))
	for id := range replicas {
		ids = append(ids, id)
	}

	SortReplicaIds(ids)

	return ids
}

func assertOps(t *testing.T, sm *testStateMachine, expected ...string) {
	t.Helper()

	if len(sm.ops) != len(expected) {
		t.Fatalf("state machine applied %d ops %v, expected %v",
			len(sm.ops), sm.ops, expected)
	}

	for i := range expected {
		if sm.ops[i] != expected[i] {
			t.Fatalf("state machine applied ops %v, expected %v",
				sm.ops, expected)
		}
	}
}

// recordingTransport stores sent messages without delivering them.
type recordingTransport struct {
	sent []testMsg
	msgs []Msg
}

func (t *recordingTransport) Send(recipientId ReplicaId, msg Msg) error {
	t.sent = append(t.sent, testMsg{recipientId: recipientId})
	t.msgs = append(t.msgs, msg)
	return nil
}

func (t *recordingTransport) Receive(ctx context.Context) (*IncomingMsg, error) {
	return nil, nil
}

func (t *recordingTransport) reset() {
	t.sent = nil
	t.msgs = nil
}

func newTestReplica(t *testing.T, id ReplicaId, size int) (*Replica[string, int], *recordingTransport, *testStateMachine) {
	transport := recordingTransport{}

	cluster, err := NewCluster(id, testReplicaIds(size), &transport)
	if err != nil {
		t.Fatalf("cannot create cluster: %v", err)
	}

	stateMachine := testStateMachine{}

	replica, err := NewReplica(ReplicaCfg[string, int]{
		Cluster:      cluster,
		StateMachine: &stateMachine,
		Logger:       &testLogger{t: t, prefix: string(id)},
	})
	if err != nil {
		t.Fatalf("cannot create replica: %v", err)
	}

	return replica, &transport, &stateMachine
}
