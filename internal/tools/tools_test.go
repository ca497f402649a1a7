package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hivegate/hivegate/internal/config"
	"github.com/hivegate/hivegate/internal/hive"
	"github.com/hivegate/hivegate/internal/ledger"
	"github.com/hivegate/hivegate/internal/saga"
	"github.com/hivegate/hivegate/internal/sandbox"
	"github.com/hivegate/hivegate/internal/store"
)

type stubProvider struct {
	mu  sync.Mutex
	seq int
}

func (s *stubProvider) Create(ctx context.Context, req sandbox.CreateRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("sbx-%d", s.seq), nil
}

func (s *stubProvider) Execute(ctx context.Context, sandboxID, code, language string, timeout time.Duration) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{Output: "ok"}, nil
}

func (s *stubProvider) Terminate(ctx context.Context, sandboxID string) error {
	return nil
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()

	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	led := ledger.NewSQLite(st)
	pool := hive.NewPool(hive.Behaviors{
		hive.TypeWorker: hive.BehaviorFunc(func(ctx context.Context, call hive.Call) (any, error) {
			return map[string]any{"echo": call.Params["input"]}, nil
		}),
	})
	prov := saga.NewProvisioner(saga.Options{
		Store:     st,
		Ledger:    led,
		Sandboxes: &stubProvider{},
		Pool:      pool,
		Pricing:   config.PricingConfig{BaseCost: 3, PerAgentCost: 2},
		Sandbox:   config.SandboxConfig{Image: "test:latest", MaxConcurrent: 100},
	})
	return NewGateway(pool, prov, led)
}

func call(t *testing.T, g *Gateway, tool string, args any) map[string]any {
	t.Helper()
	data, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	resp := g.Dispatch(context.Background(), Request{Tool: tool, Args: data})

	var out map[string]any
	if err := json.Unmarshal(resp, &out); err != nil {
		t.Fatalf("malformed envelope %s: %v", resp, err)
	}
	return out
}

func mustSucceed(t *testing.T, g *Gateway, tool string, args any) map[string]any {
	t.Helper()
	out := call(t, g, tool, args)
	if out["success"] != true {
		t.Fatalf("%s failed: %v", tool, out["error"])
	}
	return out
}

func mustFail(t *testing.T, g *Gateway, tool string, args any, code string) map[string]any {
	t.Helper()
	out := call(t, g, tool, args)
	if out["success"] != false {
		t.Fatalf("%s unexpectedly succeeded: %v", tool, out)
	}
	if out["code"] != code {
		t.Fatalf("%s code = %v, want %s (error: %v)", tool, out["code"], code, out["error"])
	}
	if s, _ := out["error"].(string); s == "" {
		t.Errorf("%s returned no error message", tool)
	}
	return out
}

func TestUnknownTool(t *testing.T) {
	g := newTestGateway(t)
	mustFail(t, g, "swarm_explode", nil, "unknown_tool")
}

func TestDispatchRawBadJSON(t *testing.T) {
	g := newTestGateway(t)
	var out map[string]any
	if err := json.Unmarshal(g.DispatchRaw(context.Background(), []byte("{nope")), &out); err != nil {
		t.Fatal(err)
	}
	if out["success"] != false || out["code"] != "bad_request" {
		t.Errorf("bad request envelope = %v", out)
	}
}

func TestCreditsTools(t *testing.T) {
	g := newTestGateway(t)

	out := mustSucceed(t, g, "credits_grant", map[string]any{"user_id": "alice", "amount": 50.0})
	if out["balance"] != 50.0 {
		t.Errorf("balance after grant = %v, want 50", out["balance"])
	}

	out = mustSucceed(t, g, "credits_balance", map[string]any{"user_id": "alice"})
	if out["balance"] != 50.0 {
		t.Errorf("balance = %v, want 50", out["balance"])
	}

	out = mustSucceed(t, g, "credits_history", map[string]any{"user_id": "alice"})
	if out["count"] != 1.0 {
		t.Errorf("history count = %v, want 1", out["count"])
	}

	mustFail(t, g, "credits_grant", map[string]any{"user_id": "alice", "amount": -5.0}, "validation_error")
	mustFail(t, g, "credits_grant", map[string]any{"amount": 5.0}, "validation_error")
	mustFail(t, g, "credits_balance", nil, "validation_error")
}

func TestSwarmLifecycleTools(t *testing.T) {
	g := newTestGateway(t)
	mustSucceed(t, g, "credits_grant", map[string]any{"user_id": "alice", "amount": 100.0})

	created := mustSucceed(t, g, "swarm_create", map[string]any{
		"user_id":    "alice",
		"name":       "crawl",
		"topology":   "star",
		"max_agents": 3,
	})
	swarmID, _ := created["swarm_id"].(string)
	if swarmID == "" {
		t.Fatalf("no swarm_id in %v", created)
	}
	if created["agents_deployed"] != 3.0 {
		t.Errorf("agents_deployed = %v, want 3", created["agents_deployed"])
	}
	if created["credits_used"] != 9.0 {
		t.Errorf("credits_used = %v, want 9", created["credits_used"])
	}

	status := mustSucceed(t, g, "swarm_status", map[string]any{"swarm_id": swarmID})
	agents, _ := status["agents"].([]any)
	if len(agents) != 3 {
		t.Errorf("status reports %d live agents, want 3", len(agents))
	}

	listed := mustSucceed(t, g, "swarm_list", map[string]any{"user_id": "alice"})
	if listed["count"] != 1.0 {
		t.Errorf("swarm_list count = %v, want 1", listed["count"])
	}

	scaled := mustSucceed(t, g, "swarm_scale", map[string]any{"swarm_id": swarmID, "target_agents": 5})
	if scaled["current_agents"] != 5.0 {
		t.Errorf("current_agents = %v, want 5", scaled["current_agents"])
	}

	destroyed := mustSucceed(t, g, "swarm_destroy", map[string]any{"swarm_id": swarmID})
	if destroyed["status"] != "destroyed" {
		t.Errorf("destroy status = %v", destroyed["status"])
	}
	// Idempotent: a second destroy still succeeds.
	mustSucceed(t, g, "swarm_destroy", map[string]any{"swarm_id": swarmID})

	mustFail(t, g, "swarm_destroy", map[string]any{"swarm_id": "nope"}, "swarm_not_found")
	mustFail(t, g, "swarm_status", map[string]any{"swarm_id": "nope"}, "swarm_not_found")
}

func TestSwarmCreateFailures(t *testing.T) {
	g := newTestGateway(t)

	mustFail(t, g, "swarm_create", map[string]any{
		"user_id": "alice", "name": "x", "max_agents": 0,
	}, "validation_error")
	mustFail(t, g, "swarm_create", map[string]any{
		"user_id": "alice", "name": "x", "max_agents": 101,
	}, "validation_error")
	// No credits granted yet.
	mustFail(t, g, "swarm_create", map[string]any{
		"user_id": "alice", "name": "x", "max_agents": 2,
	}, "insufficient_credits")
}

func TestAgentTools(t *testing.T) {
	g := newTestGateway(t)

	spawned := mustSucceed(t, g, "agent_spawn", map[string]any{"type": "worker"})
	agent, _ := spawned["agent"].(map[string]any)
	agentID, _ := agent["id"].(string)
	if agentID == "" {
		t.Fatalf("no agent id in %v", spawned)
	}

	executed := mustSucceed(t, g, "agent_execute", map[string]any{
		"agent_id": agentID,
		"function": "execute",
		"params":   map[string]any{"input": "ping"},
	})
	result, _ := executed["result"].(map[string]any)
	if result["echo"] != "ping" {
		t.Errorf("execute result = %v", executed["result"])
	}

	mustFail(t, g, "agent_execute", map[string]any{
		"agent_id": agentID, "function": "transmogrify",
	}, "unknown_function")
	mustFail(t, g, "agent_execute", map[string]any{
		"agent_id": "worker-NOPE", "function": "execute",
	}, "agent_not_found")
	mustFail(t, g, "agent_spawn", map[string]any{"type": "wizard"}, "unknown_agent_type")

	listed := mustSucceed(t, g, "agent_list", map[string]any{"type": "worker"})
	if listed["count"] != 1.0 {
		t.Errorf("agent_list count = %v, want 1", listed["count"])
	}

	metrics := mustSucceed(t, g, "agent_metrics", nil)
	if metrics["total_agents"] != 1.0 {
		t.Errorf("total_agents = %v, want 1", metrics["total_agents"])
	}
	if metrics["tasks_completed"] != 1.0 {
		t.Errorf("tasks_completed = %v, want 1", metrics["tasks_completed"])
	}

	mustSucceed(t, g, "agent_terminate", map[string]any{"agent_id": agentID})
	mustFail(t, g, "agent_terminate", map[string]any{"agent_id": agentID}, "agent_not_found")
}

func TestAgentMetricsPerAgent(t *testing.T) {
	g := newTestGateway(t)

	spawned := mustSucceed(t, g, "agent_spawn", map[string]any{"type": "worker"})
	agent, _ := spawned["agent"].(map[string]any)
	agentID, _ := agent["id"].(string)

	mustSucceed(t, g, "agent_execute", map[string]any{
		"agent_id": agentID,
		"function": "execute",
		"params":   map[string]any{"input": "ping"},
	})

	out := mustSucceed(t, g, "agent_metrics", map[string]any{"agent_id": agentID})
	snap, _ := out["agent"].(map[string]any)
	if snap["id"] != agentID {
		t.Fatalf("agent id = %v, want %s", snap["id"], agentID)
	}
	perf, _ := snap["performance"].(map[string]any)
	if perf["tasks_completed"] != 1.0 {
		t.Errorf("tasks_completed = %v, want 1", perf["tasks_completed"])
	}

	mustFail(t, g, "agent_metrics", map[string]any{"agent_id": "worker-NOPE"}, "agent_not_found")
}

func TestToolsRegistered(t *testing.T) {
	g := newTestGateway(t)
	want := []string{
		"swarm_create", "swarm_scale", "swarm_destroy", "swarm_status", "swarm_list",
		"agent_spawn", "agent_execute", "agent_terminate", "agent_metrics", "agent_list",
		"credits_balance", "credits_grant", "credits_history",
	}
	got := g.Tools()
	if len(got) != len(want) {
		t.Fatalf("registered %d tools, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tool %d = %s, want %s", i, got[i], want[i])
		}
	}
}
