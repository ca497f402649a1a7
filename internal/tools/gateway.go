package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hivegate/hivegate/internal/hive"
	"github.com/hivegate/hivegate/internal/ledger"
	"github.com/hivegate/hivegate/internal/natsbus"
	"github.com/hivegate/hivegate/internal/saga"
)

// Gateway exposes the swarm, agent, and credit operations as tools. Every
// collaborator is passed in; the gateway holds no state of its own beyond the
// handler table.
type Gateway struct {
	pool   *hive.Pool
	prov   *saga.Provisioner
	ledger ledger.Ledger
	reg    registry
}

func NewGateway(pool *hive.Pool, prov *saga.Provisioner, led ledger.Ledger) *Gateway {
	g := &Gateway{pool: pool, prov: prov, ledger: led}

	g.reg.register("swarm_create", g.swarmCreate)
	g.reg.register("swarm_scale", g.swarmScale)
	g.reg.register("swarm_destroy", g.swarmDestroy)
	g.reg.register("swarm_status", g.swarmStatus)
	g.reg.register("swarm_list", g.swarmList)

	g.reg.register("agent_spawn", g.agentSpawn)
	g.reg.register("agent_execute", g.agentExecute)
	g.reg.register("agent_terminate", g.agentTerminate)
	g.reg.register("agent_metrics", g.agentMetrics)
	g.reg.register("agent_list", g.agentList)

	g.reg.register("credits_balance", g.creditsBalance)
	g.reg.register("credits_grant", g.creditsGrant)
	g.reg.register("credits_history", g.creditsHistory)

	return g
}

// Dispatch runs one invocation and returns the response envelope. Safe for
// concurrent use; per-agent mutual exclusion is the pool's concern, not the
// dispatcher's.
func (g *Gateway) Dispatch(ctx context.Context, req Request) []byte {
	return g.reg.dispatch(ctx, req)
}

// DispatchRaw parses a raw invocation first, so transports can hand bytes
// straight through.
func (g *Gateway) DispatchRaw(ctx context.Context, data []byte) []byte {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return errEnvelope(fmt.Errorf("parse request: %w", err), "bad_request")
	}
	return g.Dispatch(ctx, req)
}

// Tools lists the registered tool names in registration order.
func (g *Gateway) Tools() []string {
	return append([]string(nil), g.reg.order...)
}

// Bind answers tool requests arriving over the bus. Each message runs in its
// own goroutine with its own deadline.
func (g *Gateway) Bind(client *natsbus.Client, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	_, err := client.Subscribe(natsbus.ToolsSubject, func(msg *nats.Msg) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			_ = msg.Respond(g.DispatchRaw(ctx, msg.Data))
		}()
	})
	if err != nil {
		return fmt.Errorf("bind tools subject: %w", err)
	}
	return nil
}

func decode[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fmt.Errorf("%w: %v", saga.ErrValidation, err)
	}
	return v, nil
}

type swarmCreateArgs struct {
	UserID     string            `json:"user_id"`
	Name       string            `json:"name"`
	Topology   string            `json:"topology"`
	Strategy   string            `json:"strategy"`
	MaxAgents  int               `json:"max_agents"`
	AgentTypes []string          `json:"agent_types"`
	Template   string            `json:"template"`
	Env        map[string]string `json:"env"`
	TTLSeconds int               `json:"ttl_seconds"`
}

func (g *Gateway) swarmCreate(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[swarmCreateArgs](args)
	if err != nil {
		return nil, err
	}
	return g.prov.CreateSwarm(ctx, saga.CreateRequest{
		UserID:     a.UserID,
		Name:       a.Name,
		Topology:   a.Topology,
		Strategy:   a.Strategy,
		MaxAgents:  a.MaxAgents,
		AgentTypes: a.AgentTypes,
		Template:   a.Template,
		Env:        a.Env,
		TTL:        time.Duration(a.TTLSeconds) * time.Second,
	})
}

func (g *Gateway) swarmScale(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[struct {
		SwarmID      string `json:"swarm_id"`
		TargetAgents int    `json:"target_agents"`
	}](args)
	if err != nil {
		return nil, err
	}
	return g.prov.ScaleSwarm(ctx, a.SwarmID, a.TargetAgents)
}

func (g *Gateway) swarmDestroy(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[struct {
		SwarmID string `json:"swarm_id"`
	}](args)
	if err != nil {
		return nil, err
	}
	return g.prov.DestroySwarm(ctx, a.SwarmID)
}

func (g *Gateway) swarmStatus(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[struct {
		SwarmID string `json:"swarm_id"`
	}](args)
	if err != nil {
		return nil, err
	}
	sw, err := g.prov.Status(a.SwarmID)
	if err != nil {
		return nil, err
	}

	// Live pool state per agent; agents lost to a restart show as refs only.
	live := make([]hive.Snapshot, 0, len(sw.Agents))
	for _, ref := range sw.Agents {
		if snap, err := g.pool.Get(ref.AgentID); err == nil {
			live = append(live, *snap)
		}
	}
	return map[string]any{"swarm": sw, "agents": live}, nil
}

func (g *Gateway) swarmList(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[struct {
		UserID string `json:"user_id"`
	}](args)
	if err != nil {
		return nil, err
	}
	swarms, err := g.prov.List(a.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"swarms": swarms, "count": len(swarms)}, nil
}

func (g *Gateway) agentSpawn(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[struct {
		Type      string         `json:"type"`
		Config    map[string]any `json:"config"`
		SandboxID string         `json:"sandbox_id"`
	}](args)
	if err != nil {
		return nil, err
	}
	id, err := g.pool.Spawn(hive.SpawnRequest{Type: a.Type, Config: a.Config, SandboxID: a.SandboxID})
	if err != nil {
		return nil, err
	}
	snap, err := g.pool.Get(id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agent": snap}, nil
}

func (g *Gateway) agentExecute(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[struct {
		AgentID  string         `json:"agent_id"`
		Function string         `json:"function"`
		Params   map[string]any `json:"params"`
	}](args)
	if err != nil {
		return nil, err
	}
	result, err := g.pool.Execute(ctx, a.AgentID, a.Function, a.Params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

func (g *Gateway) agentTerminate(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[struct {
		AgentID string `json:"agent_id"`
	}](args)
	if err != nil {
		return nil, err
	}
	if err := g.pool.Terminate(a.AgentID); err != nil {
		return nil, err
	}
	return map[string]any{"agent_id": a.AgentID, "terminated": true}, nil
}

// agentMetrics returns the pool-wide aggregate, or one agent's snapshot when
// agent_id is given.
func (g *Gateway) agentMetrics(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[struct {
		AgentID string `json:"agent_id"`
	}](args)
	if err != nil {
		return nil, err
	}
	if a.AgentID != "" {
		snap, err := g.pool.Get(a.AgentID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"agent": snap}, nil
	}
	return g.pool.Metrics(), nil
}

func (g *Gateway) agentList(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[struct {
		Type string `json:"type"`
	}](args)
	if err != nil {
		return nil, err
	}

	var agents []hive.Snapshot
	if a.Type != "" {
		typ, err := hive.ParseType(a.Type)
		if err != nil {
			return nil, err
		}
		agents = g.pool.ByType(typ)
	} else {
		agents = g.pool.List()
	}
	return map[string]any{"agents": agents, "count": len(agents)}, nil
}

func (g *Gateway) creditsBalance(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[struct {
		UserID string `json:"user_id"`
	}](args)
	if err != nil {
		return nil, err
	}
	if a.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", saga.ErrValidation)
	}
	balance, err := g.ledger.Balance(ctx, a.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", saga.ErrLedger, err)
	}
	return map[string]any{"user_id": a.UserID, "balance": balance}, nil
}

func (g *Gateway) creditsGrant(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[struct {
		UserID string  `json:"user_id"`
		Amount float64 `json:"amount"`
		Reason string  `json:"reason"`
	}](args)
	if err != nil {
		return nil, err
	}
	if a.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", saga.ErrValidation)
	}
	if a.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %v", saga.ErrValidation, a.Amount)
	}
	reason := a.Reason
	if reason == "" {
		reason = "manual grant"
	}
	balance, err := g.ledger.Grant(ctx, a.UserID, a.Amount, reason)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", saga.ErrLedger, err)
	}
	return map[string]any{"user_id": a.UserID, "balance": balance, "granted": a.Amount}, nil
}

func (g *Gateway) creditsHistory(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[struct {
		UserID string `json:"user_id"`
		Limit  int    `json:"limit"`
	}](args)
	if err != nil {
		return nil, err
	}
	if a.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", saga.ErrValidation)
	}
	txns, err := g.ledger.History(ctx, a.UserID, a.Limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", saga.ErrLedger, err)
	}
	return map[string]any{"transactions": txns, "count": len(txns)}, nil
}
