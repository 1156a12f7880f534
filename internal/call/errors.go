package call

import "errors"

var (
	// ErrAlreadyInCall rejects a second concurrent session.
	ErrAlreadyInCall = errors.New("a call is already active")

	// ErrInitiationInProgress rejects overlapping Initiate calls.
	ErrInitiationInProgress = errors.New("a call is already being initiated")

	// ErrNoPendingInvite rejects Accept for an unknown invitation.
	ErrNoPendingInvite = errors.New("no pending invitation with that call id")

	// ErrNoAnswer is the teardown reason when the callee never picks up.
	ErrNoAnswer = errors.New("call was not answered")
)
