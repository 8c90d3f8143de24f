package common

import "github.com/pkg/errors"

// Error classes of the replication core. Call sites wrap these with errors.Wrapf,
// use errors.Cause (or the Is* helpers) to get the class back.
var (
	// ErrPermission is returned when a participant is not allowed to do an operation
	ErrPermission = errors.New("permission denied")
	// ErrTopology is returned when an operation does not apply to the session topology
	ErrTopology = errors.New("not applicable in this topology")
	// ErrTargetExpired is returned when a Temporary target is used after its call returned
	ErrTargetExpired = errors.New("temporary target used after its call")
	// ErrTargetReleased is returned when a Persistent target is used after release
	ErrTargetReleased = errors.New("persistent target already released")
	// ErrTargetRequired is returned when a SpecifiedInParams call is made without a target
	ErrTargetRequired = errors.New("target must be specified in params")
	// ErrUnknownEntity is returned for entities which are not spawned
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrUnknownRPC is returned for RPC names which are not registered
	ErrUnknownRPC = errors.New("unknown rpc")
	// ErrUnknownVar is returned for replicated variable names which are not defined
	ErrUnknownVar = errors.New("unknown replicated variable")
	// ErrNotConnected is returned when a participant is not connected
	ErrNotConnected = errors.New("participant not connected")
)

// IsPermissionError checks if err is caused by ErrPermission
func IsPermissionError(err error) bool {
	return err != nil && errors.Cause(err) == ErrPermission
}

// IsTopologyError checks if err is caused by ErrTopology
func IsTopologyError(err error) bool {
	return err != nil && errors.Cause(err) == ErrTopology
}

// IsLifetimeError checks if err is caused by misuse of a target lifetime
func IsLifetimeError(err error) bool {
	if err == nil {
		return false
	}
	cause := errors.Cause(err)
	return cause == ErrTargetExpired || cause == ErrTargetReleased
}
