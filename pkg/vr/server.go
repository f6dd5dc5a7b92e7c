package vr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"time"
)

type ServerCfg[O, R any] struct {
	Id       ReplicaId
	Replicas ReplicaSet

	DataDirectory string

	Logger       Logger
	StateMachine StateMachine[O, R]

	// Defaults to JSONCodec[O, R]
	Codec Codec

	TickInterval time.Duration

	// In ticks
	ViewChangeTimeout uint64
	HeartbeatInterval uint64

	// In ops
	CheckpointInterval uint64
	LogRetention       uint64
}

type ReplicaStatusInfo struct {
	Id             ReplicaId     `json:"id"`
	Status         ReplicaStatus `json:"status"`
	View           ViewNumber    `json:"view"`
	LastNormalView ViewNumber    `json:"lastNormalView"`
	Primary        ReplicaId     `json:"primary"`
	OpNumber       OpNumber      `json:"opNumber"`
	CommitNumber   OpNumber      `json:"commitNumber"`
	LogOffset      uint64        `json:"logOffset"`
}

type submission[O, R any] struct {
	clientId      ClientId
	requestNumber RequestNumber
	op            O

	resultChan chan submissionResult[R]
}

type submissionResult[R any] struct {
	value R
	err   error
}

type waiterKey struct {
	clientId      ClientId
	requestNumber RequestNumber
}

// Server runs a replica: it owns its storage and its transport, and
// serializes all calls to the replica in a single goroutine.
type Server[O, R any] struct {
	Cfg ServerCfg[O, R]
	Log Logger

	Id ReplicaId

	storage      *BoltStorage
	snapshotPath string

	transport *HTTPTransport
	cluster   *Cluster
	replica   *Replica[O, R]

	lastCheckpoint OpNumber

	ticker *time.Ticker

	submissionChan chan submission[O, R]
	statusChan     chan chan ReplicaStatusInfo
	msgChan        chan *IncomingMsg

	waiters map[waiterKey][]chan submissionResult[R]

	errorChan chan<- error
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewServer[O, R any](cfg ServerCfg[O, R]) (*Server[O, R], error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty replica id")
	}

	if _, found := cfg.Replicas[cfg.Id]; !found {
		return nil, fmt.Errorf("%w %q", ErrUnknownReplica, cfg.Id)
	}

	if cfg.DataDirectory == "" {
		return nil, fmt.Errorf("missing or empty data directory")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.StateMachine == nil {
		return nil, fmt.Errorf("missing state machine")
	}

	if cfg.Codec == nil {
		cfg.Codec = JSONCodec[O, R]{}
	}

	if cfg.TickInterval == 0 {
		cfg.TickInterval = 50 * time.Millisecond
	}

	if cfg.ViewChangeTimeout == 0 {
		cfg.ViewChangeTimeout = 10
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 2
	}

	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 1000
	}

	if cfg.LogRetention == 0 {
		cfg.LogRetention = 100
	}

	dataDirectory := path.Join(cfg.DataDirectory, string(cfg.Id))

	s := &Server[O, R]{
		Cfg: cfg,
		Log: cfg.Logger,

		Id: cfg.Id,

		storage:      NewBoltStorage(path.Join(dataDirectory, "storage.db")),
		snapshotPath: path.Join(dataDirectory, "snapshot.data"),

		submissionChan: make(chan submission[O, R]),
		statusChan:     make(chan chan ReplicaStatusInfo),
		msgChan:        make(chan *IncomingMsg),

		waiters: make(map[waiterKey][]chan submissionResult[R]),

		stopChan: make(chan struct{}),
	}

	return s, nil
}

func (s *Server[O, R]) Start(errorChan chan<- error) error {
	s.Log.Debug(1, "starting")

	s.errorChan = errorChan

	// Storage
	dataDirectory := path.Dir(s.storage.FilePath())
	if err := os.MkdirAll(dataDirectory, 0700); err != nil {
		return fmt.Errorf("cannot create directory %q: %w", dataDirectory, err)
	}

	s.Log.Debug(1, "opening storage %q", s.storage.FilePath())

	if err := s.storage.Open(); err != nil {
		return fmt.Errorf("cannot open storage: %w", err)
	}

	cp, err := s.loadCheckpoint()
	if err != nil {
		s.storage.Close()
		return err
	}

	if checkpointer, ok := s.Cfg.StateMachine.(Checkpointer); ok {
		if err := checkpointer.RestoreState(s.storage); err != nil {
			s.storage.Close()
			return fmt.Errorf("cannot restore state machine: %w", err)
		}
	}

	// Transport
	transport, err := NewHTTPTransport(HTTPTransportCfg{
		LocalId:  s.Id,
		Replicas: s.Cfg.Replicas,
		Codec:    s.Cfg.Codec,
		Logger:   s.Log,
	})
	if err != nil {
		s.storage.Close()
		return fmt.Errorf("cannot create transport: %w", err)
	}

	cluster, err := NewCluster(s.Id, s.Cfg.Replicas.Ids(), transport)
	if err != nil {
		s.storage.Close()
		return fmt.Errorf("cannot create cluster: %w", err)
	}

	// Replica
	replica, err := NewReplica(ReplicaCfg[O, R]{
		Cluster:      cluster,
		StateMachine: s.Cfg.StateMachine,

		Logger: s.Log,

		ReplyFunc: s.onReply,

		ViewChangeTimeout: s.Cfg.ViewChangeTimeout,
		HeartbeatInterval: s.Cfg.HeartbeatInterval,

		Checkpoint: cp,
		Storage:    s.storage,
	})
	if err != nil {
		s.storage.Close()
		return fmt.Errorf("cannot create replica: %w", err)
	}

	s.cluster = cluster
	s.replica = replica

	if err := transport.Start(errorChan); err != nil {
		s.storage.Close()
		return fmt.Errorf("cannot start transport: %w", err)
	}

	s.transport = transport

	if cp == nil {
		// Without an initial checkpoint, a replica restarting before its
		// first checkpoint would come back with an empty log as if the
		// cluster had just been created.
		if err := s.checkpoint(); err != nil {
			s.transport.Stop()
			s.storage.Close()
			return fmt.Errorf("cannot write initial checkpoint: %w", err)
		}
	} else {
		s.lastCheckpoint = cp.CommitNumber
		s.replica.Recover()
	}

	// Main
	s.ticker = time.NewTicker(s.Cfg.TickInterval)

	ctx, cancel := context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.receive(ctx)

	s.wg.Add(1)
	go s.main(cancel)

	s.Log.Debug(1, "started")

	return nil
}

func (s *Server[O, R]) loadCheckpoint() (*Checkpoint[R], error) {
	cp, err := ReadCheckpoint[R](s.storage)
	if err != nil {
		return nil, err
	}

	if cp != nil {
		return cp, nil
	}

	// A fresh storage with a snapshot file is a replica being rebuilt from
	// the snapshot of another replica.
	if _, err := os.Stat(s.snapshotPath); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: cannot stat %q: %w", ErrIo,
			s.snapshotPath, err)
	}

	s.Log.Info("applying snapshot %q", s.snapshotPath)

	if err := s.storage.ApplySnapshot(s.snapshotPath); err != nil {
		return nil, fmt.Errorf("cannot apply snapshot: %w", err)
	}

	cp, err = ReadCheckpoint[R](s.storage)
	if err != nil {
		return nil, err
	} else if cp == nil {
		return nil, fmt.Errorf("%w: snapshot %q does not contain any "+
			"checkpoint", ErrCorruptionDetected, s.snapshotPath)
	}

	return cp, nil
}

func (s *Server[O, R]) Stop() {
	s.Log.Debug(1, "stopping")

	close(s.stopChan)
	s.wg.Wait()

	s.Log.Debug(1, "stopped")
}

// Submit sends a client request to the replica and waits for its result. If
// the replica is not the primary, the error is a *NotPrimaryError.
func (s *Server[O, R]) Submit(ctx context.Context, clientId ClientId, requestNumber RequestNumber, op O) (R, error) {
	var zero R

	sub := submission[O, R]{
		clientId:      clientId,
		requestNumber: requestNumber,
		op:            op,

		resultChan: make(chan submissionResult[R], 1),
	}

	select {
	case s.submissionChan <- sub:
	case <-s.stopChan:
		return zero, ErrServerStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case res := <-sub.resultChan:
		return res.value, res.err
	case <-s.stopChan:
		return zero, ErrServerStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *Server[O, R]) Status(ctx context.Context) (ReplicaStatusInfo, error) {
	resultChan := make(chan ReplicaStatusInfo, 1)

	select {
	case s.statusChan <- resultChan:
	case <-s.stopChan:
		return ReplicaStatusInfo{}, ErrServerStopped
	case <-ctx.Done():
		return ReplicaStatusInfo{}, ctx.Err()
	}

	select {
	case info := <-resultChan:
		return info, nil
	case <-s.stopChan:
		return ReplicaStatusInfo{}, ErrServerStopped
	case <-ctx.Done():
		return ReplicaStatusInfo{}, ctx.Err()
	}
}

func (s *Server[O, R]) receive(ctx context.Context) {
	defer s.wg.Done()

	for {
		msg, err := s.cluster.Receive(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.Log.Error("cannot receive message: %v", err)
			}

			return
		} else if msg == nil {
			return
		}

		select {
		case s.msgChan <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server[O, R]) main(cancel context.CancelFunc) {
	defer s.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			s.Log.Error("panic: %s\n%s", msg, trace)

			s.errorChan <- fmt.Errorf("panic: %s", msg)
			s.shutdown(cancel)
		}
	}()

	for {
		select {
		case <-s.stopChan:
			if err := s.checkpoint(); err != nil {
				s.Log.Error("cannot write checkpoint: %v", err)
			}

			s.sync()

			s.shutdown(cancel)
			return

		case <-s.ticker.C:
			s.replica.AdvanceTime()
			s.failWaiters()

		case incomingMsg := <-s.msgChan:
			s.onMsg(incomingMsg.SourceId, incomingMsg.Msg)

		case sub := <-s.submissionChan:
			s.onSubmission(sub)

		case resultChan := <-s.statusChan:
			resultChan <- s.statusInfo()
		}

		s.maybeCheckpoint()
		s.sync()
	}
}

// sync stores log modifications which were not followed by any message, for
// example trimmed entries.
func (s *Server[O, R]) sync() {
	if err := s.replica.Sync(); err != nil {
		s.Log.Error("%v", err)
	}
}

func (s *Server[O, R]) shutdown(cancel context.CancelFunc) {
	s.Log.Debug(1, "shutting down")

	cancel()

	s.ticker.Stop()
	s.transport.Stop()
	s.storage.Close()
}

func (s *Server[O, R]) onMsg(sourceId ReplicaId, msg Msg) {
	if err := s.replica.HandleMsg(sourceId, msg); err != nil {
		s.Log.Error("cannot handle %v from %s: %v", msg, sourceId, err)
	}
}

func (s *Server[O, R]) onSubmission(sub submission[O, R]) {
	key := waiterKey{
		clientId:      sub.clientId,
		requestNumber: sub.requestNumber,
	}

	// The waiter must be registered first: the response to a duplicate
	// request is sent back during the call to ApplyRequest.
	s.waiters[key] = append(s.waiters[key], sub.resultChan)

	err := s.replica.ApplyRequest(sub.clientId, sub.requestNumber, sub.op)
	if err == nil {
		return
	}

	if errors.Is(err, ErrNotPrimary) {
		primaryId := s.replica.Primary()

		err = &NotPrimaryError{
			PrimaryId:      primaryId,
			PrimaryAddress: s.Cfg.Replicas[primaryId].PublicAddress,
		}
	}

	s.resolveWaiters(key, submissionResult[R]{err: err})
}

func (s *Server[O, R]) onReply(reply Reply[R]) {
	key := waiterKey{
		clientId:      reply.ClientId,
		requestNumber: reply.RequestNumber,
	}

	s.resolveWaiters(key, submissionResult[R]{value: reply.Result})
}

func (s *Server[O, R]) resolveWaiters(key waiterKey, res submissionResult[R]) {
	for _, resultChan := range s.waiters[key] {
		resultChan <- res
	}

	delete(s.waiters, key)
}

// failWaiters answers all pending requests once the replica is no longer an
// active primary. Clients can submit them again to the new primary; the
// client table guarantees they will not be executed twice.
func (s *Server[O, R]) failWaiters() {
	if len(s.waiters) == 0 {
		return
	}

	state := s.replica.State()
	if s.replica.IsPrimary() && state.Status == ReplicaStatusNormal {
		return
	}

	var err error
	if state.Status == ReplicaStatusNormal {
		primaryId := s.replica.Primary()

		err = &NotPrimaryError{
			PrimaryId:      primaryId,
			PrimaryAddress: s.Cfg.Replicas[primaryId].PublicAddress,
		}
	} else {
		err = ErrInvalidState
	}

	for key := range s.waiters {
		s.resolveWaiters(key, submissionResult[R]{err: err})
	}
}

func (s *Server[O, R]) statusInfo() ReplicaStatusInfo {
	state := s.replica.State()

	return ReplicaStatusInfo{
		Id:             s.Id,
		Status:         state.Status,
		View:           state.View,
		LastNormalView: state.LastNormalView,
		Primary:        s.replica.Primary(),
		OpNumber:       s.replica.OpNumber(),
		CommitNumber:   state.CommitNumber,
		LogOffset:      s.replica.LogOffset(),
	}
}

func (s *Server[O, R]) maybeCheckpoint() {
	commitNumber := s.replica.State().CommitNumber
	if commitNumber-s.lastCheckpoint < OpNumber(s.Cfg.CheckpointInterval) {
		return
	}

	if err := s.checkpoint(); err != nil {
		// The log is not trimmed: we will try again after the next commit.
		s.Log.Error("cannot write checkpoint: %v", err)
	}
}

func (s *Server[O, R]) checkpoint() error {
	cp := s.replica.Checkpoint()

	s.Log.Debug(1, "writing checkpoint at op %d", cp.CommitNumber)

	// The state of the state machine must always match the commit number of
	// the checkpoint: both are written in the same transaction.
	err := s.storage.Update(func(tx StorageTx) error {
		if checkpointer, ok := s.Cfg.StateMachine.(Checkpointer); ok {
			if err := checkpointer.SaveState(tx); err != nil {
				return fmt.Errorf("cannot save state machine: %w", err)
			}
		}

		return WriteCheckpoint(tx, cp)
	})
	if err != nil {
		return err
	}

	if err := s.storage.Flush(); err != nil {
		return fmt.Errorf("cannot flush storage: %w", err)
	}

	if err := s.storage.SaveSnapshot(s.snapshotPath); err != nil {
		return fmt.Errorf("cannot save snapshot: %w", err)
	}

	s.lastCheckpoint = cp.CommitNumber

	if err := s.replica.TrimLog(s.Cfg.LogRetention); err != nil {
		return err
	}

	return nil
}
