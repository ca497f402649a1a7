package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hivegate/hivegate/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSwarmCRUD(t *testing.T) {
	s := newTestStore(t)

	sw := &Swarm{
		ID:        "sw-1",
		UserID:    "alice",
		Name:      "research",
		Topology:  "mesh",
		Strategy:  "balanced",
		MaxAgents: 5,
		Status:    SwarmInitializing,
		Agents: []AgentRef{
			{AgentID: "coordinator-1", SandboxID: "sbx-1", Role: "coordinator"},
			{AgentID: "worker-2", SandboxID: "sbx-2", Role: "worker"},
		},
		TotalCost: 13,
	}
	if err := s.UpsertSwarm(sw); err != nil {
		t.Fatalf("upsert swarm: %v", err)
	}

	got, err := s.GetSwarm("sw-1")
	if err != nil {
		t.Fatalf("get swarm: %v", err)
	}
	if got == nil {
		t.Fatal("expected swarm, got nil")
	}
	if got.Name != "research" || got.Topology != "mesh" || got.MaxAgents != 5 {
		t.Errorf("unexpected swarm %+v", got)
	}
	if len(got.Agents) != 2 {
		t.Fatalf("expected 2 agent refs, got %d", len(got.Agents))
	}
	if got.Agents[0].Role != "coordinator" || got.Agents[1].SandboxID != "sbx-2" {
		t.Errorf("agent refs did not round-trip: %+v", got.Agents)
	}

	// Upsert updates in place
	sw.Status = SwarmActive
	sw.TotalCost = 15
	if err := s.UpsertSwarm(sw); err != nil {
		t.Fatalf("update swarm: %v", err)
	}
	got, _ = s.GetSwarm("sw-1")
	if got.Status != SwarmActive || got.TotalCost != 15 {
		t.Errorf("update not applied: %+v", got)
	}

	// Not found is nil, nil
	got, err = s.GetSwarm("nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent swarm")
	}

	if err := s.DeleteSwarm("sw-1"); err != nil {
		t.Fatalf("delete swarm: %v", err)
	}
	if got, _ := s.GetSwarm("sw-1"); got != nil {
		t.Error("swarm survived delete")
	}
}

func TestListSwarms(t *testing.T) {
	s := newTestStore(t)

	_ = s.UpsertSwarm(&Swarm{ID: "sw-a", UserID: "alice", Name: "a", Topology: "mesh", Strategy: "balanced", MaxAgents: 1, Status: SwarmActive})
	_ = s.UpsertSwarm(&Swarm{ID: "sw-b", UserID: "alice", Name: "b", Topology: "ring", Strategy: "balanced", MaxAgents: 1, Status: SwarmActive})
	_ = s.UpsertSwarm(&Swarm{ID: "sw-c", UserID: "bob", Name: "c", Topology: "star", Strategy: "balanced", MaxAgents: 1, Status: SwarmDestroyed})

	all, err := s.ListSwarms("")
	if err != nil {
		t.Fatalf("list swarms: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 swarms, got %d", len(all))
	}

	alices, _ := s.ListSwarms("alice")
	if len(alices) != 2 {
		t.Errorf("expected 2 swarms for alice, got %d", len(alices))
	}
}

func TestUpdateSwarmStatusAndAgents(t *testing.T) {
	s := newTestStore(t)

	_ = s.UpsertSwarm(&Swarm{ID: "sw-1", UserID: "alice", Name: "x", Topology: "mesh", Strategy: "balanced", MaxAgents: 3, Status: SwarmInitializing, TotalCost: 9})

	if err := s.UpdateSwarmStatus("sw-1", SwarmActive); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ := s.GetSwarm("sw-1")
	if got.Status != SwarmActive {
		t.Errorf("status = %s, want active", got.Status)
	}

	if err := s.UpdateSwarmStatus("missing", SwarmActive); err == nil {
		t.Error("expected error updating status of missing swarm")
	}

	refs := []AgentRef{
		{AgentID: "worker-1", SandboxID: "sbx-1", Role: "worker"},
		{AgentID: "worker-2", SandboxID: "sbx-2", Role: "worker"},
	}
	if err := s.UpdateSwarmAgents("sw-1", refs, 13); err != nil {
		t.Fatalf("update agents: %v", err)
	}
	got, _ = s.GetSwarm("sw-1")
	if len(got.Agents) != 2 || got.TotalCost != 13 {
		t.Errorf("agents/cost not updated: %+v", got)
	}

	if err := s.UpdateSwarmCost("sw-1", 14.5); err != nil {
		t.Fatalf("update cost: %v", err)
	}
	got, _ = s.GetSwarm("sw-1")
	if got.TotalCost != 14.5 {
		t.Errorf("cost = %v, want 14.5", got.TotalCost)
	}
}

func TestListExpiredSwarms(t *testing.T) {
	s := newTestStore(t)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	_ = s.UpsertSwarm(&Swarm{ID: "sw-old", UserID: "alice", Name: "old", Topology: "mesh", Strategy: "balanced", MaxAgents: 1, Status: SwarmActive, ExpiresAt: &past})
	_ = s.UpsertSwarm(&Swarm{ID: "sw-new", UserID: "alice", Name: "new", Topology: "mesh", Strategy: "balanced", MaxAgents: 1, Status: SwarmActive, ExpiresAt: &future})
	_ = s.UpsertSwarm(&Swarm{ID: "sw-forever", UserID: "alice", Name: "forever", Topology: "mesh", Strategy: "balanced", MaxAgents: 1, Status: SwarmActive})
	_ = s.UpsertSwarm(&Swarm{ID: "sw-dead", UserID: "alice", Name: "dead", Topology: "mesh", Strategy: "balanced", MaxAgents: 1, Status: SwarmDestroyed, ExpiresAt: &past})

	expired, err := s.ListExpiredSwarms(time.Now())
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired swarm, got %d", len(expired))
	}
	if expired[0].ID != "sw-old" {
		t.Errorf("expired swarm = %s, want sw-old", expired[0].ID)
	}
}

func TestSwarmJobCRUD(t *testing.T) {
	s := newTestStore(t)

	next := time.Now().Add(time.Minute).Truncate(time.Second)
	job := &SwarmJob{
		ID:        "job-1",
		UserID:    "alice",
		Name:      "nightly-crawl",
		Schedule:  "0 2 * * *",
		Request:   []byte(`{"name":"crawl","max_agents":3}`),
		Status:    "active",
		NextRunAt: &next,
	}
	if err := s.SaveJob(job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	got, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got == nil || got.Name != "nightly-crawl" || got.Schedule != "0 2 * * *" {
		t.Errorf("unexpected job %+v", got)
	}
	if string(got.Request) != `{"name":"crawl","max_agents":3}` {
		t.Errorf("request did not round-trip: %s", got.Request)
	}

	jobs, _ := s.ListJobs()
	if len(jobs) != 1 {
		t.Errorf("expected 1 job, got %d", len(jobs))
	}

	// Due now that next_run_at passed
	due, err := s.GetDueJobs(time.Now().Add(2 * time.Minute))
	if err != nil {
		t.Fatalf("get due jobs: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due job, got %d", len(due))
	}

	later := time.Now().Add(24 * time.Hour)
	if err := s.UpdateJobRun("job-1", "ok", "", &later); err != nil {
		t.Fatalf("update job run: %v", err)
	}
	due, _ = s.GetDueJobs(time.Now().Add(2 * time.Minute))
	if len(due) != 0 {
		t.Errorf("job still due after reschedule")
	}
	got, _ = s.GetJob("job-1")
	if got.LastStatus != "ok" || got.LastRunAt == nil {
		t.Errorf("run bookkeeping missing: %+v", got)
	}

	if err := s.UpdateJobStatus("job-1", "disabled"); err != nil {
		t.Fatalf("update job status: %v", err)
	}
	got, _ = s.GetJob("job-1")
	if got.Status != "disabled" {
		t.Errorf("status = %s, want disabled", got.Status)
	}

	if err := s.DeleteJob("job-1"); err != nil {
		t.Fatalf("delete job: %v", err)
	}
	if got, _ := s.GetJob("job-1"); got != nil {
		t.Error("job survived delete")
	}
}

func TestCredentialCRUD(t *testing.T) {
	s := newTestStore(t)

	cred := &Credential{
		Name:        "api-key",
		Description: "upstream API key",
		Value:       []byte{0x01, 0x02, 0x03},
		Nonce:       []byte{0x0a, 0x0b},
	}
	if err := s.SaveCredential(cred); err != nil {
		t.Fatalf("save credential: %v", err)
	}

	got, err := s.GetCredential("api-key")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got == nil || got.Description != "upstream API key" {
		t.Errorf("unexpected credential %+v", got)
	}
	if len(got.Value) != 3 || len(got.Nonce) != 2 {
		t.Errorf("ciphertext did not round-trip: %+v", got)
	}

	// Listing never exposes ciphertext
	list, err := s.ListCredentials()
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 credential, got %d", len(list))
	}
	if len(list[0].Value) != 0 || len(list[0].Nonce) != 0 {
		t.Error("listing exposed ciphertext")
	}

	if got, _ := s.GetCredential("nonexistent"); got != nil {
		t.Error("expected nil for nonexistent credential")
	}

	if err := s.DeleteCredential("api-key"); err != nil {
		t.Fatalf("delete credential: %v", err)
	}
	if got, _ := s.GetCredential("api-key"); got != nil {
		t.Error("credential survived delete")
	}
}
