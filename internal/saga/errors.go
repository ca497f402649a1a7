package saga

import "errors"

// Failure classes for provisioning operations. Tool handlers map these onto
// response error codes; ledger.ErrInsufficientCredits passes through
// unwrapped so "not enough money" stays distinct from "a collaborator broke".
var (
	ErrValidation   = errors.New("invalid request")
	ErrNotFound     = errors.New("swarm not found")
	ErrProvisioning = errors.New("sandbox provisioning failed")
	ErrPersistence  = errors.New("swarm persistence failed")
	ErrLedger       = errors.New("credit ledger failure")
)
