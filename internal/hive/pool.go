// Package hive owns every live agent instance in the process. The pool is an
// explicit value handed to tool handlers, never global state, and it is a
// rebuildable cache: the durable record of a swarm's agents lives in the
// store.
package hive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type instance struct {
	id           string
	typ          AgentType
	status       Status
	sandboxID    string
	config       map[string]any
	perf         Performance
	lastActivity time.Time
	// attempts counts completed plus failed calls; it feeds the running
	// error-rate update.
	attempts int
}

// Pool tracks typed agent instances and serializes work per agent: a second
// call on a busy agent is rejected, never queued.
type Pool struct {
	mu        sync.RWMutex
	agents    map[string]*instance
	behaviors Behaviors
}

func NewPool(behaviors Behaviors) *Pool {
	if behaviors == nil {
		behaviors = Behaviors{}
	}
	return &Pool{
		agents:    make(map[string]*instance),
		behaviors: behaviors,
	}
}

// SpawnRequest describes a new agent. SandboxID is optional: saga-provisioned
// agents carry the sandbox backing them, ad-hoc agents may run detached.
type SpawnRequest struct {
	Type      string
	Config    map[string]any
	SandboxID string
}

// Spawn validates the type, applies type defaults to the config, and inserts
// an idle instance. The returned id is type-prefixed and opaque.
func (p *Pool) Spawn(req SpawnRequest) (string, error) {
	typ, err := ParseType(req.Type)
	if err != nil {
		return "", err
	}

	config := make(map[string]any)
	for k, v := range typ.defaults() {
		config[k] = v
	}
	for k, v := range req.Config {
		config[k] = v
	}

	id := fmt.Sprintf("%s-%s", typ, ulid.Make().String())

	p.mu.Lock()
	p.agents[id] = &instance{
		id:           id,
		typ:          typ,
		status:       StatusIdle,
		sandboxID:    req.SandboxID,
		config:       config,
		lastActivity: time.Now(),
	}
	p.mu.Unlock()

	slog.Debug("agent spawned", "agent", id, "type", typ)
	return id, nil
}

// Execute routes one function call to the agent's behavior. The agent is busy
// for the whole call; a concurrent call observes ErrAgentBusy and must retry.
// Handler errors mark the agent's status error, update its error rate, and
// are returned to the caller unchanged.
func (p *Pool) Execute(ctx context.Context, agentID, function string, params map[string]any) (any, error) {
	p.mu.Lock()
	inst, ok := p.agents[agentID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if !inst.typ.hasFunction(function) {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has no function %q", ErrUnknownFunction, inst.typ, function)
	}
	if inst.status == StatusBusy {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentBusy, agentID)
	}
	inst.status = StatusBusy
	inst.lastActivity = time.Now()
	call := Call{
		AgentID:   inst.id,
		Type:      inst.typ,
		SandboxID: inst.sandboxID,
		Function:  function,
		Params:    params,
		Config:    inst.config,
	}
	p.mu.Unlock()

	start := time.Now()
	result, err := p.behaviors.invoke(ctx, call)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	p.mu.Lock()
	defer p.mu.Unlock()

	// The agent may have been terminated while the call was in flight; its
	// metrics die with it.
	inst, ok = p.agents[agentID]
	if !ok {
		return result, err
	}

	inst.lastActivity = time.Now()
	if err != nil {
		n := float64(inst.attempts)
		inst.perf.ErrorRate = (inst.perf.ErrorRate*n + 1) / (n + 1)
		inst.attempts++
		inst.status = StatusError
		return nil, err
	}

	inst.attempts++
	inst.perf.TasksCompleted++
	n := float64(inst.perf.TasksCompleted)
	inst.perf.AverageResponseTimeMs = (inst.perf.AverageResponseTimeMs*(n-1) + elapsed) / n
	inst.status = StatusIdle
	return result, nil
}

// Adopt rebuilds a pool entry from a durable agent reference, keeping its
// recorded id. Used at startup when active swarms are rehydrated from the
// store; metrics start fresh because they died with the old process.
func (p *Pool) Adopt(id string, typeName string, sandboxID string) error {
	typ, err := ParseType(typeName)
	if err != nil {
		return err
	}

	config := make(map[string]any)
	for k, v := range typ.defaults() {
		config[k] = v
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.agents[id]; ok {
		return nil
	}
	p.agents[id] = &instance{
		id:           id,
		typ:          typ,
		status:       StatusIdle,
		sandboxID:    sandboxID,
		config:       config,
		lastActivity: time.Now(),
	}
	return nil
}

// Terminate removes the instance from the pool. Sandbox cleanup is the
// saga's job; the pool only forgets the agent.
func (p *Pool) Terminate(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.agents[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	delete(p.agents, agentID)
	slog.Debug("agent terminated", "agent", agentID)
	return nil
}

func (p *Pool) Get(agentID string) (*Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	inst, ok := p.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return inst.snapshot(), nil
}

func (p *Pool) ByType(typ AgentType) []Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Snapshot
	for _, inst := range p.agents {
		if inst.typ == typ {
			out = append(out, *inst.snapshot())
		}
	}
	return out
}

func (p *Pool) List() []Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Snapshot, 0, len(p.agents))
	for _, inst := range p.agents {
		out = append(out, *inst.snapshot())
	}
	return out
}

func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.agents)
}

// TypeMetrics aggregates the agents of one type.
type TypeMetrics struct {
	Count                 int     `json:"count"`
	Idle                  int     `json:"idle"`
	Busy                  int     `json:"busy"`
	Error                 int     `json:"error"`
	TasksCompleted        int     `json:"tasks_completed"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
	ErrorRate             float64 `json:"error_rate"`
}

// PoolMetrics is the pool-wide rollup with a per-type breakdown.
type PoolMetrics struct {
	TotalAgents    int                       `json:"total_agents"`
	TasksCompleted int                       `json:"tasks_completed"`
	ByType         map[AgentType]TypeMetrics `json:"by_type"`
}

// Metrics is a pure read: totals plus per-type breakdown. Averages are
// weighted by each agent's completed task count.
func (p *Pool) Metrics() PoolMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m := PoolMetrics{ByType: make(map[AgentType]TypeMetrics)}
	respSum := make(map[AgentType]float64)
	errSum := make(map[AgentType]float64)

	for _, inst := range p.agents {
		tm := m.ByType[inst.typ]
		tm.Count++
		switch inst.status {
		case StatusIdle:
			tm.Idle++
		case StatusBusy:
			tm.Busy++
		case StatusError:
			tm.Error++
		}
		tm.TasksCompleted += inst.perf.TasksCompleted
		respSum[inst.typ] += inst.perf.AverageResponseTimeMs * float64(inst.perf.TasksCompleted)
		errSum[inst.typ] += inst.perf.ErrorRate
		m.ByType[inst.typ] = tm

		m.TotalAgents++
		m.TasksCompleted += inst.perf.TasksCompleted
	}

	for typ, tm := range m.ByType {
		if tm.TasksCompleted > 0 {
			tm.AverageResponseTimeMs = respSum[typ] / float64(tm.TasksCompleted)
		}
		if tm.Count > 0 {
			tm.ErrorRate = errSum[typ] / float64(tm.Count)
		}
		m.ByType[typ] = tm
	}

	return m
}

func (i *instance) snapshot() *Snapshot {
	config := make(map[string]any, len(i.config))
	for k, v := range i.config {
		config[k] = v
	}
	return &Snapshot{
		ID:           i.id,
		Type:         i.typ,
		Status:       i.status,
		SandboxID:    i.sandboxID,
		Config:       config,
		Performance:  i.perf,
		LastActivity: i.lastActivity,
	}
}
