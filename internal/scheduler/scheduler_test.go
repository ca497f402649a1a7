package scheduler

import (
	"context"
	"encoding/json"
	"errors"
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
	return nil, fmt.Errorf("not implemented")
}

func (s *stubProvider) Terminate(ctx context.Context, sandboxID string) error {
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *ledger.SQLite) {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	led := ledger.NewSQLite(st)
	prov := saga.NewProvisioner(saga.Options{
		Store:     st,
		Ledger:    led,
		Sandboxes: &stubProvider{},
		Pool:      hive.NewPool(nil),
		Pricing:   config.PricingConfig{BaseCost: 3, PerAgentCost: 2},
		Sandbox:   config.SandboxConfig{Image: "test:latest", MaxConcurrent: 100},
	})
	return New(st, prov, nil, config.SchedulerConfig{PollInterval: time.Second}), st, led
}

func TestCreateJob(t *testing.T) {
	s, st, _ := newTestScheduler(t)

	job, err := s.CreateJob("alice", "nightly", "0 2 * * *", saga.CreateRequest{
		Name: "crawl", MaxAgents: 2, Topology: "mesh",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.NextRunAt == nil {
		t.Fatal("job has no next run")
	}
	if job.Status != JobActive {
		t.Errorf("status = %s, want active", job.Status)
	}

	stored, _ := st.GetJob(job.ID)
	if stored == nil {
		t.Fatal("job not persisted")
	}
	var req saga.CreateRequest
	if err := json.Unmarshal(stored.Request, &req); err != nil {
		t.Fatalf("stored request: %v", err)
	}
	if req.UserID != "alice" || req.MaxAgents != 2 {
		t.Errorf("stored request = %+v", req)
	}

	if _, err := s.CreateJob("alice", "bad", "not a schedule", saga.CreateRequest{}); !errors.Is(err, saga.ErrValidation) {
		t.Errorf("bad schedule: err = %v, want ErrValidation", err)
	}
}

func TestPollFiresDueJob(t *testing.T) {
	s, st, led := newTestScheduler(t)
	_, _ = led.Grant(context.Background(), "alice", 100, "test")

	job, err := s.CreateJob("alice", "recurring", `{"kind":"interval","interval_ms":60000}`, saga.CreateRequest{
		Name: "crawl", MaxAgents: 2,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Not due yet: nothing fires.
	s.poll(context.Background())
	if swarms, _ := st.ListSwarms("alice"); len(swarms) != 0 {
		t.Fatalf("job fired early, %d swarms", len(swarms))
	}

	// Force the job due and poll again.
	past := time.Now().Add(-time.Second)
	if err := st.UpdateJobRun(job.ID, "", "", &past); err != nil {
		t.Fatal(err)
	}
	s.poll(context.Background())

	swarms, _ := st.ListSwarms("alice")
	if len(swarms) != 1 {
		t.Fatalf("expected 1 swarm after firing, got %d", len(swarms))
	}
	if swarms[0].Status != store.SwarmActive {
		t.Errorf("swarm status = %s", swarms[0].Status)
	}

	updated, _ := st.GetJob(job.ID)
	if updated.LastStatus != "ok" {
		t.Errorf("last status = %q (%s)", updated.LastStatus, updated.LastError)
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(time.Now()) {
		t.Errorf("job not rescheduled: %v", updated.NextRunAt)
	}
}

func TestPollRecordsJobFailure(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	// No credits granted: the provision must fail.

	job, err := s.CreateJob("alice", "broke", `{"kind":"interval","interval_ms":60000}`, saga.CreateRequest{
		Name: "crawl", MaxAgents: 2,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	past := time.Now().Add(-time.Second)
	_ = st.UpdateJobRun(job.ID, "", "", &past)

	s.poll(context.Background())

	updated, _ := st.GetJob(job.ID)
	if updated.LastStatus != "error" || updated.LastError == "" {
		t.Errorf("failure not recorded: status=%q error=%q", updated.LastStatus, updated.LastError)
	}
	// Failed recurring jobs stay scheduled.
	if updated.Status != JobActive || updated.NextRunAt == nil {
		t.Errorf("job retired after a failure: %+v", updated)
	}
}

func TestOneShotJobRetires(t *testing.T) {
	s, st, led := newTestScheduler(t)
	_, _ = led.Grant(context.Background(), "alice", 100, "test")

	// A one-shot whose moment has already passed by the time it fires.
	fireAt := time.Now().Add(50 * time.Millisecond)
	job, err := s.CreateJob("alice", "once", fmt.Sprintf(`{"kind":"once","at_ms":%d}`, fireAt.UnixMilli()), saga.CreateRequest{
		Name: "crawl", MaxAgents: 1,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	s.poll(context.Background())

	updated, _ := st.GetJob(job.ID)
	if updated.Status != JobCompleted {
		t.Errorf("one-shot status = %s, want completed", updated.Status)
	}
	if swarms, _ := st.ListSwarms("alice"); len(swarms) != 1 {
		t.Errorf("one-shot created %d swarms, want 1", len(swarms))
	}
}

func TestPollReapsExpiredSwarms(t *testing.T) {
	s, st, led := newTestScheduler(t)
	_, _ = led.Grant(context.Background(), "alice", 100, "test")

	res, err := s.prov.CreateSwarm(context.Background(), saga.CreateRequest{
		UserID: "alice", Name: "ephemeral", MaxAgents: 1, TTL: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("CreateSwarm: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	s.poll(context.Background())

	sw, _ := st.GetSwarm(res.SwarmID)
	if sw.Status != store.SwarmDestroyed {
		t.Errorf("expired swarm status = %s, want destroyed", sw.Status)
	}
}
