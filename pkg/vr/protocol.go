package vr

import (
	"encoding/json"
	"fmt"
)

type Msg interface {
	GetType() string
	GetView() ViewNumber
	GetReplicaId() ReplicaId

	fmt.Stringer
}

type IncomingMsg struct {
	SourceId ReplicaId
	Msg      Msg
}

type Prepare[O any] struct {
	ReplicaId     ReplicaId
	View          ViewNumber
	OpNumber      OpNumber
	CommitNumber  OpNumber
	ClientId      ClientId
	Operation     O
	RequestNumber RequestNumber
}

func (msg *Prepare[O]) GetType() string {
	return "prepare"
}

func (msg *Prepare[O]) GetView() ViewNumber {
	return msg.View
}

func (msg *Prepare[O]) GetReplicaId() ReplicaId {
	return msg.ReplicaId
}

func (msg *Prepare[O]) String() string {
	return fmt.Sprintf("Prepare{replicaId: %q, view: %d, opNumber: %d, "+
		"commitNumber: %d, clientId: %q, requestNumber: %d}",
		msg.ReplicaId, msg.View, msg.OpNumber, msg.CommitNumber,
		msg.ClientId, msg.RequestNumber)
}

type PrepareOk struct {
	ReplicaId ReplicaId
	View      ViewNumber
	OpNumber  OpNumber
}

func (msg *PrepareOk) GetType() string {
	return "prepareOk"
}

func (msg *PrepareOk) GetView() ViewNumber {
	return msg.View
}

func (msg *PrepareOk) GetReplicaId() ReplicaId {
	return msg.ReplicaId
}

func (msg *PrepareOk) String() string {
	return fmt.Sprintf("PrepareOk{replicaId: %q, view: %d, opNumber: %d}",
		msg.ReplicaId, msg.View, msg.OpNumber)
}

type Commit struct {
	ReplicaId    ReplicaId
	View         ViewNumber
	CommitNumber OpNumber
}

func (msg *Commit) GetType() string {
	return "commit"
}

func (msg *Commit) GetView() ViewNumber {
	return msg.View
}

func (msg *Commit) GetReplicaId() ReplicaId {
	return msg.ReplicaId
}

func (msg *Commit) String() string {
	return fmt.Sprintf("Commit{replicaId: %q, view: %d, commitNumber: %d}",
		msg.ReplicaId, msg.View, msg.CommitNumber)
}

type StartViewChange struct {
	ReplicaId ReplicaId
	View      ViewNumber
}

func (msg *StartViewChange) GetType() string {
	return "startViewChange"
}

func (msg *StartViewChange) GetView() ViewNumber {
	return msg.View
}

func (msg *StartViewChange) GetReplicaId() ReplicaId {
	return msg.ReplicaId
}

func (msg *StartViewChange) String() string {
	return fmt.Sprintf("StartViewChange{replicaId: %q, view: %d}",
		msg.ReplicaId, msg.View)
}

type DoViewChange[O, R any] struct {
	ReplicaId      ReplicaId
	View           ViewNumber
	LastNormalView ViewNumber
	LogOffset      uint64
	Entries        []*LogEntry[O, R]
	OpNumber       OpNumber
	CommitNumber   OpNumber
}

func (msg *DoViewChange[O, R]) GetType() string {
	return "doViewChange"
}

func (msg *DoViewChange[O, R]) GetView() ViewNumber {
	return msg.View
}

func (msg *DoViewChange[O, R]) GetReplicaId() ReplicaId {
	return msg.ReplicaId
}

func (msg *DoViewChange[O, R]) String() string {
	return fmt.Sprintf("DoViewChange{replicaId: %q, view: %d, "+
		"lastNormalView: %d, logOffset: %d, %d entries, opNumber: %d, "+
		"commitNumber: %d}",
		msg.ReplicaId, msg.View, msg.LastNormalView, msg.LogOffset,
		len(msg.Entries), msg.OpNumber, msg.CommitNumber)
}

type StartView[O, R any] struct {
	ReplicaId    ReplicaId
	View         ViewNumber
	LogOffset    uint64
	Entries      []*LogEntry[O, R]
	OpNumber     OpNumber
	CommitNumber OpNumber
}

func (msg *StartView[O, R]) GetType() string {
	return "startView"
}

func (msg *StartView[O, R]) GetView() ViewNumber {
	return msg.View
}

func (msg *StartView[O, R]) GetReplicaId() ReplicaId {
	return msg.ReplicaId
}

func (msg *StartView[O, R]) String() string {
	return fmt.Sprintf("StartView{replicaId: %q, view: %d, logOffset: %d, "+
		"%d entries, opNumber: %d, commitNumber: %d}",
		msg.ReplicaId, msg.View, msg.LogOffset, len(msg.Entries),
		msg.OpNumber, msg.CommitNumber)
}

type GetState struct {
	ReplicaId ReplicaId
	View      ViewNumber
	OpNumber  OpNumber
}

func (msg *GetState) GetType() string {
	return "getState"
}

func (msg *GetState) GetView() ViewNumber {
	return msg.View
}

func (msg *GetState) GetReplicaId() ReplicaId {
	return msg.ReplicaId
}

func (msg *GetState) String() string {
	return fmt.Sprintf("GetState{replicaId: %q, view: %d, opNumber: %d}",
		msg.ReplicaId, msg.View, msg.OpNumber)
}

type NewState[O, R any] struct {
	ReplicaId    ReplicaId
	View         ViewNumber
	LogOffset    uint64
	Entries      []*LogEntry[O, R]
	OpNumber     OpNumber
	CommitNumber OpNumber
}

func (msg *NewState[O, R]) GetType() string {
	return "newState"
}

func (msg *NewState[O, R]) GetView() ViewNumber {
	return msg.View
}

func (msg *NewState[O, R]) GetReplicaId() ReplicaId {
	return msg.ReplicaId
}

func (msg *NewState[O, R]) String() string {
	return fmt.Sprintf("NewState{replicaId: %q, view: %d, logOffset: %d, "+
		"%d entries, opNumber: %d, commitNumber: %d}",
		msg.ReplicaId, msg.View, msg.LogOffset, len(msg.Entries),
		msg.OpNumber, msg.CommitNumber)
}

// Codec converts messages to and from their wire representation.
type Codec interface {
	EncodeMsg(Msg) ([]byte, error)
	DecodeMsg([]byte) (Msg, error)
}

// JSONCodec encodes messages as JSON objects tagged with the message type.
type JSONCodec[O, R any] struct{}

func (JSONCodec[O, R]) EncodeMsg(msg Msg) ([]byte, error) {
	value := struct {
		Type  string `json:"type"`
		Value Msg    `json:"value"`
	}{
		Type:  msg.GetType(),
		Value: msg,
	}

	return json.Marshal(value)
}

func (JSONCodec[O, R]) DecodeMsg(data []byte) (Msg, error) {
	var value struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	var msg Msg

	switch value.Type {
	case "prepare":
		msg = &Prepare[O]{}
	case "prepareOk":
		msg = &PrepareOk{}
	case "commit":
		msg = &Commit{}
	case "startViewChange":
		msg = &StartViewChange{}
	case "doViewChange":
		msg = &DoViewChange[O, R]{}
	case "startView":
		msg = &StartView[O, R]{}
	case "getState":
		msg = &GetState{}
	case "newState":
		msg = &NewState[O, R]{}
	default:
		return nil, fmt.Errorf("unknown message type %q", value.Type)
	}

	if err := json.Unmarshal(value.Value, msg); err != nil {
		return nil, err
	}

	return msg, nil
}
