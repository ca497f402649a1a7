package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hivegate/hivegate/internal/ledger"
	"github.com/hivegate/hivegate/internal/sandbox"
	"github.com/hivegate/hivegate/internal/store"
)

type fakeStore struct {
	mu         sync.Mutex
	swarms     map[string]*store.Swarm
	deleted    []string
	upsertErr  error
	statusErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{swarms: make(map[string]*store.Swarm)}
}

func (f *fakeStore) UpsertSwarm(sw *store.Swarm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	cp := *sw
	cp.Agents = append([]store.AgentRef(nil), sw.Agents...)
	f.swarms[sw.ID] = &cp
	return nil
}

func (f *fakeStore) GetSwarm(id string) (*store.Swarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sw, ok := f.swarms[id]
	if !ok {
		return nil, nil
	}
	cp := *sw
	cp.Agents = append([]store.AgentRef(nil), sw.Agents...)
	return &cp, nil
}

func (f *fakeStore) ListSwarms(userID string) ([]store.Swarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Swarm
	for _, sw := range f.swarms {
		if userID == "" || sw.UserID == userID {
			out = append(out, *sw)
		}
	}
	return out, nil
}

func (f *fakeStore) ListExpiredSwarms(now time.Time) ([]store.Swarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Swarm
	for _, sw := range f.swarms {
		if sw.Status == store.SwarmActive && sw.ExpiresAt != nil && !sw.ExpiresAt.After(now) {
			out = append(out, *sw)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateSwarmStatus(id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return f.statusErr
	}
	sw, ok := f.swarms[id]
	if !ok {
		return fmt.Errorf("no swarm %s", id)
	}
	sw.Status = status
	return nil
}

func (f *fakeStore) UpdateSwarmAgents(id string, agents []store.AgentRef, totalCost float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sw, ok := f.swarms[id]
	if !ok {
		return fmt.Errorf("no swarm %s", id)
	}
	sw.Agents = append([]store.AgentRef(nil), agents...)
	sw.TotalCost = totalCost
	return nil
}

func (f *fakeStore) UpdateSwarmCost(id string, totalCost float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sw, ok := f.swarms[id]
	if !ok {
		return fmt.Errorf("no swarm %s", id)
	}
	sw.TotalCost = totalCost
	return nil
}

func (f *fakeStore) DeleteSwarm(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.swarms, id)
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]float64
	debits   []float64
	debitErr error
	grants   []float64
}

func newFakeLedger(userID string, balance float64) *fakeLedger {
	return &fakeLedger{balances: map[string]float64{userID: balance}}
}

func (f *fakeLedger) Balance(ctx context.Context, userID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID], nil
}

func (f *fakeLedger) Debit(ctx context.Context, userID string, amount float64, reason string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.debitErr != nil {
		return 0, f.debitErr
	}
	if f.balances[userID] < amount {
		return 0, fmt.Errorf("%w: need %.2f", ledger.ErrInsufficientCredits, amount)
	}
	f.balances[userID] -= amount
	f.debits = append(f.debits, amount)
	return f.balances[userID], nil
}

func (f *fakeLedger) Grant(ctx context.Context, userID string, amount float64, reason string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] += amount
	f.grants = append(f.grants, amount)
	return f.balances[userID], nil
}

func (f *fakeLedger) History(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	return nil, nil
}

type fakeProvider struct {
	mu         sync.Mutex
	seq        int
	failAt     int // fail the Nth Create (1-based), 0 never
	created    []string
	metadata   []map[string]string
	terminated []string
}

func (f *fakeProvider) Create(ctx context.Context, req sandbox.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if f.failAt != 0 && f.seq == f.failAt {
		return "", fmt.Errorf("daemon said no")
	}
	id := fmt.Sprintf("sbx-%d", f.seq)
	f.created = append(f.created, id)
	f.metadata = append(f.metadata, req.Metadata)
	return id, nil
}

func (f *fakeProvider) Execute(ctx context.Context, sandboxID, code, language string, timeout time.Duration) (*sandbox.ExecResult, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeProvider) Terminate(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sandboxID)
	return nil
}
