package hive

import (
	"fmt"
	"time"
)

// AgentType is the closed set of agent kinds the pool can host. Each type
// carries its own function set and config defaults.
type AgentType string

const (
	TypeCoordinator    AgentType = "coordinator"
	TypeWorker         AgentType = "worker"
	TypeAnalyzer       AgentType = "analyzer"
	TypeCurator        AgentType = "curator"
	TypePricing        AgentType = "pricing"
	TypeSecurity       AgentType = "security"
	TypeRecommendation AgentType = "recommendation"
)

// AllTypes lists every registered agent type, in display order.
func AllTypes() []AgentType {
	return []AgentType{
		TypeCoordinator, TypeWorker, TypeAnalyzer, TypeCurator,
		TypePricing, TypeSecurity, TypeRecommendation,
	}
}

func ParseType(s string) (AgentType, error) {
	t := AgentType(s)
	switch t {
	case TypeCoordinator, TypeWorker, TypeAnalyzer, TypeCurator,
		TypePricing, TypeSecurity, TypeRecommendation:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAgentType, s)
}

// Functions returns the closed set of function names dispatchable on this
// type. Anything outside the set is rejected before the agent is touched.
func (t AgentType) Functions() []string {
	switch t {
	case TypeCoordinator:
		return []string{"coordinate", "delegate", "aggregate_status"}
	case TypeWorker:
		return []string{"execute", "run_code"}
	case TypeAnalyzer:
		return []string{"analyze", "summarize"}
	case TypeCurator:
		return []string{"curate", "review"}
	case TypePricing:
		return []string{"estimate", "quote"}
	case TypeSecurity:
		return []string{"scan", "audit"}
	case TypeRecommendation:
		return []string{"recommend", "rank"}
	}
	return nil
}

func (t AgentType) hasFunction(name string) bool {
	for _, fn := range t.Functions() {
		if fn == name {
			return true
		}
	}
	return false
}

// defaults returns the type-specific config applied to any key the caller
// left unset at spawn.
func (t AgentType) defaults() map[string]any {
	switch t {
	case TypeCoordinator:
		return map[string]any{"max_delegations": 5}
	case TypeWorker:
		return map[string]any{"language": "python"}
	case TypeAnalyzer:
		return map[string]any{"window_size": 100}
	case TypeCurator:
		return map[string]any{"quality_threshold": 0.8, "auto_approve": false}
	case TypePricing:
		return map[string]any{"currency": "USD", "margin": 0.1}
	case TypeSecurity:
		return map[string]any{"scan_depth": "standard"}
	case TypeRecommendation:
		return map[string]any{"top_k": 5}
	}
	return nil
}

// Status of a live agent instance. Terminated instances are removed from the
// pool rather than kept around with a terminal status.
type Status string

const (
	StatusIdle  Status = "idle"
	StatusBusy  Status = "busy"
	StatusError Status = "error"
)

// Performance accumulates over completed and failed calls on one agent. The
// running averages are never reset while the instance lives.
type Performance struct {
	TasksCompleted        int     `json:"tasks_completed"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
	ErrorRate             float64 `json:"error_rate"`
}

// Snapshot is a read-only copy of an agent instance handed to callers; the
// live instance stays owned by the pool.
type Snapshot struct {
	ID           string         `json:"id"`
	Type         AgentType      `json:"type"`
	Status       Status         `json:"status"`
	SandboxID    string         `json:"sandbox_id,omitempty"`
	Config       map[string]any `json:"config"`
	Performance  Performance    `json:"performance"`
	LastActivity time.Time      `json:"last_activity"`
}
