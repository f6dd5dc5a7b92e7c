package vr

import "fmt"

type ReplicaId string

type ClientId string

type ReplicaSet map[ReplicaId]ReplicaData

type ReplicaData struct {
	LocalAddress  string `json:"localAddress"`
	PublicAddress string `json:"publicAddress"`
}

type ReplicaStatus string

const (
	ReplicaStatusNormal     ReplicaStatus = "normal"
	ReplicaStatusViewChange ReplicaStatus = "viewChange"
	ReplicaStatusRecovery   ReplicaStatus = "recovery"
)

type ViewNumber uint64

// OpNumber is the position of an operation in the log, starting at 1. The
// operation with op number n is stored at log index n-1.
type OpNumber uint64

type RequestNumber uint64

type LogEntry[O, R any] struct {
	ClientId      ClientId      `json:"clientId"`
	RequestNumber RequestNumber `json:"requestNumber"`
	Operation     O             `json:"operation"`
	Response      *R            `json:"response,omitempty"`
}

func (e *LogEntry[O, R]) String() string {
	return fmt.Sprintf("LogEntry{clientId: %q, requestNumber: %d, "+
		"response: %v}", e.ClientId, e.RequestNumber, e.Response != nil)
}

// ReplicaState is the volatile protocol state of a replica.
type ReplicaState struct {
	View                 ViewNumber
	CommitNumber         OpNumber
	TicksSinceLastCommit uint64
	Status               ReplicaStatus

	// The last view in which the replica had the normal status; used to
	// select the most complete log during a view change.
	LastNormalView ViewNumber
}

type Reply[R any] struct {
	View          ViewNumber
	ClientId      ClientId
	RequestNumber RequestNumber
	Result        R
}

type ReplyFunc[R any] func(Reply[R])
