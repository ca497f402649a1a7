package hive

import "errors"

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentBusy        = errors.New("agent busy")
	ErrUnknownAgentType = errors.New("unknown agent type")
	ErrUnknownFunction  = errors.New("unknown function")
)
