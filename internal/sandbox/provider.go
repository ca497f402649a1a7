// Package sandbox provisions the remote execution environments backing pool
// agents. The gateway treats the provider as an external collaborator: it can
// fail partway, and only the provisioning saga knows how to unwind that.
package sandbox

import (
	"context"
	"time"
)

// CreateRequest describes one sandbox. Metadata is injected as environment
// for the sandbox process (secret references already resolved by the caller).
type CreateRequest struct {
	Template string
	Name     string
	Metadata map[string]string
	Timeout  time.Duration
}

// ExecResult is the outcome of running code inside a sandbox.
type ExecResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// Provider creates, runs code in, and destroys sandboxes. Terminate must be
// safe to call on an already-gone sandbox: compensation retries it blindly.
type Provider interface {
	Create(ctx context.Context, req CreateRequest) (sandboxID string, err error)
	Execute(ctx context.Context, sandboxID, code, language string, timeout time.Duration) (*ExecResult, error)
	Terminate(ctx context.Context, sandboxID string) error
}
