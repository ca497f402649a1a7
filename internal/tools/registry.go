// Package tools is the invocation boundary: every operation the gateway
// offers is a named tool taking JSON args and answering a flat envelope with
// a success flag. Errors never cross the boundary as anything but that
// envelope.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hivegate/hivegate/internal/hive"
	"github.com/hivegate/hivegate/internal/ledger"
	"github.com/hivegate/hivegate/internal/saga"
)

// Request is the wire shape of one tool invocation.
type Request struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// Handler runs one tool. The returned payload is flattened into the response
// envelope next to the success flag.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

type registry struct {
	handlers map[string]Handler
	order    []string
}

func (r *registry) register(name string, h Handler) {
	if r.handlers == nil {
		r.handlers = make(map[string]Handler)
	}
	r.handlers[name] = h
	r.order = append(r.order, name)
}

// dispatch runs the named tool and always returns a well-formed envelope;
// handler errors become {"success":false,...} rather than propagating.
func (r *registry) dispatch(ctx context.Context, req Request) []byte {
	h, ok := r.handlers[req.Tool]
	if !ok {
		return errEnvelope(fmt.Errorf("unknown tool %q", req.Tool), "unknown_tool")
	}

	payload, err := h(ctx, req.Args)
	if err != nil {
		code := errorCode(err)
		slog.Debug("tool failed", "tool", req.Tool, "code", code, "error", err)
		return errEnvelope(err, code)
	}
	return okEnvelope(payload)
}

func okEnvelope(payload any) []byte {
	m := make(map[string]any)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return errEnvelope(fmt.Errorf("encode response: %w", err), "internal_error")
		}
		if err := json.Unmarshal(data, &m); err != nil {
			// Scalar payloads land under "result".
			m = map[string]any{"result": payload}
		}
	}
	m["success"] = true
	out, _ := json.Marshal(m)
	return out
}

func errEnvelope(err error, code string) []byte {
	out, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   err.Error(),
		"code":    code,
	})
	return out
}

// errorCode classifies a handler error for machine consumption. The error
// string stays the human-readable part.
func errorCode(err error) string {
	switch {
	case errors.Is(err, saga.ErrValidation):
		return "validation_error"
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, saga.ErrProvisioning):
		return "provisioning_error"
	case errors.Is(err, saga.ErrPersistence):
		return "persistence_error"
	case errors.Is(err, saga.ErrLedger):
		return "ledger_error"
	case errors.Is(err, saga.ErrNotFound):
		return "swarm_not_found"
	case errors.Is(err, hive.ErrAgentNotFound):
		return "agent_not_found"
	case errors.Is(err, hive.ErrAgentBusy):
		return "agent_busy"
	case errors.Is(err, hive.ErrUnknownFunction):
		return "unknown_function"
	case errors.Is(err, hive.ErrUnknownAgentType):
		return "unknown_agent_type"
	default:
		return "internal_error"
	}
}
