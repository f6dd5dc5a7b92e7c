package vr

import (
	"errors"
	"fmt"
)

var (
	ErrNotPrimary              = errors.New("vr: replica is not the primary")
	ErrNotForPrimary           = errors.New("vr: message is not valid on the primary")
	ErrInvalidState            = errors.New("vr: replica status is not normal")
	ErrUnexpectedRequestNumber = errors.New("vr: request number older than the last accepted one")
	ErrInvalidIndex            = errors.New("vr: invalid log index")

	ErrTransport     = errors.New("vr: transport error")
	ErrServerStopped = errors.New("vr: server stopped")

	ErrInsufficientReplicas = errors.New("vr: insufficient number of replicas")
	ErrUnknownReplica       = errors.New("vr: unknown replica")
	ErrDuplicateReplica     = errors.New("vr: duplicate replica")
)

// NotPrimaryError is returned to clients submitting requests to a backup so
// that they can redirect them.
type NotPrimaryError struct {
	PrimaryId      ReplicaId
	PrimaryAddress string
}

func (err *NotPrimaryError) Error() string {
	return fmt.Sprintf("%v (primary: %q)", ErrNotPrimary, err.PrimaryId)
}

func (err *NotPrimaryError) Unwrap() error {
	return ErrNotPrimary
}
