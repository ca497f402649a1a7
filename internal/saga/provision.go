package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hivegate/hivegate/internal/billing"
	"github.com/hivegate/hivegate/internal/config"
	"github.com/hivegate/hivegate/internal/hive"
	"github.com/hivegate/hivegate/internal/ledger"
	"github.com/hivegate/hivegate/internal/natsbus"
	"github.com/hivegate/hivegate/internal/sandbox"
	"github.com/hivegate/hivegate/internal/store"
)

// SwarmStore is the durable side of swarm state. *store.Store satisfies it;
// tests substitute a recorder.
type SwarmStore interface {
	UpsertSwarm(sw *store.Swarm) error
	GetSwarm(id string) (*store.Swarm, error)
	ListSwarms(userID string) ([]store.Swarm, error)
	ListExpiredSwarms(now time.Time) ([]store.Swarm, error)
	UpdateSwarmStatus(id, status string) error
	UpdateSwarmAgents(id string, agents []store.AgentRef, totalCost float64) error
	UpdateSwarmCost(id string, totalCost float64) error
	DeleteSwarm(id string) error
}

// Publisher pushes lifecycle events onto the bus. Publishing is best-effort;
// a down bus never fails an operation.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// SecretResolver turns a credential name into its plaintext value, used for
// "secret:<name>" references in swarm environment variables.
type SecretResolver func(name string) (string, error)

// Options wires a Provisioner. Store, Ledger, Sandboxes and Pool are
// required; Events and Secrets may be nil.
type Options struct {
	Store     SwarmStore
	Ledger    ledger.Ledger
	Sandboxes sandbox.Provider
	Pool      *hive.Pool
	Pricing   config.PricingConfig
	Sandbox   config.SandboxConfig
	Events    Publisher
	Secrets   SecretResolver
}

// Provisioner runs the swarm lifecycle sagas. It also keeps a read-through
// cache of swarm records; the store stays authoritative and the cache is
// rebuilt from it at startup.
type Provisioner struct {
	store     SwarmStore
	ledger    ledger.Ledger
	sandboxes sandbox.Provider
	pool      *hive.Pool
	pricing   config.PricingConfig
	sandcfg   config.SandboxConfig
	meter     billing.Meter
	events    Publisher
	secrets   SecretResolver

	mu    sync.RWMutex
	cache map[string]*store.Swarm
}

func NewProvisioner(opts Options) *Provisioner {
	return &Provisioner{
		store:     opts.Store,
		ledger:    opts.Ledger,
		sandboxes: opts.Sandboxes,
		pool:      opts.Pool,
		pricing:   opts.Pricing,
		sandcfg:   opts.Sandbox,
		meter:     billing.Meter{RuntimePerMinute: opts.Pricing.RuntimePerMinute},
		events:    opts.Events,
		secrets:   opts.Secrets,
	}
}

const (
	minSwarmAgents = 1
	maxSwarmAgents = 100

	secretPrefix = "secret:"
)

var validTopologies = map[string]bool{
	"mesh": true, "ring": true, "star": true, "hierarchical": true,
}

var validStrategies = map[string]bool{
	"balanced": true, "specialized": true, "adaptive": true,
}

// CreateRequest describes a new swarm. AgentTypes is optional: when empty the
// swarm gets one coordinator and workers for the rest. Env values of the form
// "secret:<name>" are resolved from the credential vault before reaching any
// sandbox.
type CreateRequest struct {
	UserID     string            `json:"user_id"`
	Name       string            `json:"name"`
	Topology   string            `json:"topology"`
	Strategy   string            `json:"strategy"`
	MaxAgents  int               `json:"max_agents"`
	AgentTypes []string          `json:"agent_types,omitempty"`
	Template   string            `json:"template,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	TTL        time.Duration     `json:"ttl,omitempty"`
}

type CreateResult struct {
	SwarmID          string  `json:"swarm_id"`
	Status           string  `json:"status"`
	AgentsDeployed   int     `json:"agents_deployed"`
	CreditsUsed      float64 `json:"credits_used"`
	RemainingBalance float64 `json:"remaining_balance"`
}

func (req *CreateRequest) validate() error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if req.MaxAgents < minSwarmAgents || req.MaxAgents > maxSwarmAgents {
		return fmt.Errorf("%w: max_agents must be between %d and %d, got %d",
			ErrValidation, minSwarmAgents, maxSwarmAgents, req.MaxAgents)
	}
	if req.Topology == "" {
		req.Topology = "mesh"
	}
	if !validTopologies[req.Topology] {
		return fmt.Errorf("%w: unknown topology %q", ErrValidation, req.Topology)
	}
	if req.Strategy == "" {
		req.Strategy = "balanced"
	}
	if !validStrategies[req.Strategy] {
		return fmt.Errorf("%w: unknown strategy %q", ErrValidation, req.Strategy)
	}
	for _, t := range req.AgentTypes {
		if _, err := hive.ParseType(t); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}

// Cost returns the up-front provisioning charge for a swarm of the requested
// size. Charged on the requested size, not the deployed size: the swarm may
// scale up to max_agents later without a base charge.
func (p *Provisioner) Cost(maxAgents int) float64 {
	return p.pricing.BaseCost + p.pricing.PerAgentCost*float64(maxAgents)
}

// CreateSwarm runs the provisioning saga: validate, check credits, allocate
// sandboxes and agents, persist the record, debit, activate. Any step failure
// unwinds everything already done and returns the step's failure class;
// validation and balance checks fail before any resource is touched.
func (p *Provisioner) CreateSwarm(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	cost := p.Cost(req.MaxAgents)

	balance, err := p.ledger.Balance(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: read balance: %v", ErrLedger, err)
	}
	if balance < cost {
		return nil, fmt.Errorf("%w: need %.2f, have %.2f", ledger.ErrInsufficientCredits, cost, balance)
	}

	env, err := p.resolveEnv(req.Env)
	if err != nil {
		return nil, err
	}

	// Deployment is capped by provider capacity; the requested max_agents is
	// still recorded as the swarm's ceiling.
	deploy := req.MaxAgents
	if deploy > p.sandcfg.MaxConcurrent {
		deploy = p.sandcfg.MaxConcurrent
	}

	swarmID := uuid.New().String()
	roles := agentRoles(req.AgentTypes, deploy)
	log := slog.With("swarm", swarmID, "user", req.UserID)

	run := newRunner()
	refs := make([]store.AgentRef, 0, deploy)
	for i, role := range roles {
		ref, err := p.allocateAgent(ctx, run, allocation{
			swarmID:  swarmID,
			ordinal:  i,
			role:     role,
			template: req.Template,
			topology: req.Topology,
			strategy: req.Strategy,
			env:      env,
		})
		if err != nil {
			run.unwind(ctx)
			return nil, fmt.Errorf("%w: agent %d/%d: %v", ErrProvisioning, i+1, deploy, err)
		}
		refs = append(refs, ref)
	}

	now := time.Now()
	var expires *time.Time
	if req.TTL > 0 {
		t := now.Add(req.TTL)
		expires = &t
	}
	record := &store.Swarm{
		ID:        swarmID,
		UserID:    req.UserID,
		Name:      req.Name,
		Topology:  req.Topology,
		Strategy:  req.Strategy,
		MaxAgents: req.MaxAgents,
		Status:    store.SwarmInitializing,
		Agents:    refs,
		TotalCost: cost,
		CreatedAt: now,
		ExpiresAt: expires,
	}

	err = run.step(ctx, "persist swarm",
		func(context.Context) error { return p.store.UpsertSwarm(record) },
		func(context.Context) error { return p.store.DeleteSwarm(swarmID) })
	if err != nil {
		run.unwind(ctx)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	var remaining float64
	err = run.step(ctx, "debit credits",
		func(ctx context.Context) error {
			var err error
			remaining, err = p.ledger.Debit(ctx, req.UserID, cost, "provision swarm "+swarmID)
			return err
		},
		func(ctx context.Context) error {
			_, err := p.ledger.Grant(ctx, req.UserID, cost, "refund swarm "+swarmID)
			return err
		})
	if err != nil {
		run.unwind(ctx)
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrLedger, err)
	}

	if err := p.store.UpdateSwarmStatus(swarmID, store.SwarmActive); err != nil {
		run.unwind(ctx)
		return nil, fmt.Errorf("%w: activate swarm: %v", ErrPersistence, err)
	}
	record.Status = store.SwarmActive
	p.cacheSwarm(record)

	p.event(natsbus.SwarmSubject(swarmID), map[string]any{
		"event":    "swarm_created",
		"swarm_id": swarmID,
		"user_id":  req.UserID,
		"agents":   len(refs),
		"cost":     cost,
	})
	p.checkLowBalance(req.UserID, remaining)

	log.Info("swarm provisioned", "agents", len(refs), "cost", cost, "topology", req.Topology)
	return &CreateResult{
		SwarmID:          swarmID,
		Status:           store.SwarmActive,
		AgentsDeployed:   len(refs),
		CreditsUsed:      cost,
		RemainingBalance: remaining,
	}, nil
}

type allocation struct {
	swarmID  string
	ordinal  int
	role     string
	template string
	topology string
	strategy string
	env      map[string]string
}

// allocateAgent creates one sandbox and registers its agent in the pool as a
// single saga step. The compensation tears down both, so a later failure
// never strands a half-built agent.
func (p *Provisioner) allocateAgent(ctx context.Context, run *runner, a allocation) (store.AgentRef, error) {
	meta := make(map[string]string, len(a.env)+2)
	for k, v := range a.env {
		meta[k] = v
	}
	meta["HIVEGATE_SWARM_ID"] = a.swarmID
	meta["HIVEGATE_AGENT_ROLE"] = a.role

	ref := store.AgentRef{Role: a.role}
	err := run.step(ctx, fmt.Sprintf("allocate agent %d", a.ordinal),
		func(ctx context.Context) error {
			sandboxID, err := p.sandboxes.Create(ctx, sandbox.CreateRequest{
				Template: a.template,
				Name:     fmt.Sprintf("%.8s-%d", a.swarmID, a.ordinal),
				Metadata: meta,
			})
			if err != nil {
				return err
			}
			agentID, err := p.pool.Spawn(hive.SpawnRequest{
				Type:      a.role,
				SandboxID: sandboxID,
				Config: map[string]any{
					"swarm_id": a.swarmID,
					"topology": a.topology,
					"strategy": a.strategy,
				},
			})
			if err != nil {
				_ = p.sandboxes.Terminate(context.WithoutCancel(ctx), sandboxID)
				return err
			}
			ref.SandboxID = sandboxID
			ref.AgentID = agentID
			return nil
		},
		func(ctx context.Context) error {
			_ = p.pool.Terminate(ref.AgentID)
			return p.sandboxes.Terminate(ctx, ref.SandboxID)
		})
	return ref, err
}

// agentRoles assigns a type to each deployed agent. Explicit types cycle to
// fill the swarm; the default layout is one coordinator leading workers.
func agentRoles(types []string, count int) []string {
	roles := make([]string, count)
	if len(types) > 0 {
		for i := range roles {
			roles[i] = types[i%len(types)]
		}
		return roles
	}
	roles[0] = string(hive.TypeCoordinator)
	for i := 1; i < count; i++ {
		roles[i] = string(hive.TypeWorker)
	}
	return roles
}

func (p *Provisioner) resolveEnv(env map[string]string) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		name, ok := strings.CutPrefix(v, secretPrefix)
		if !ok {
			out[k] = v
			continue
		}
		if p.secrets == nil {
			return nil, fmt.Errorf("%w: %s references a credential but no vault is configured", ErrValidation, k)
		}
		plain, err := p.secrets(name)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve credential %q: %v", ErrValidation, name, err)
		}
		out[k] = plain
	}
	return out, nil
}

// Status returns the swarm record, serving from cache when warm.
func (p *Provisioner) Status(swarmID string) (*store.Swarm, error) {
	sw, err := p.loadSwarm(swarmID)
	if err != nil {
		return nil, err
	}
	if sw == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, swarmID)
	}
	return sw, nil
}

// List returns swarm records, optionally filtered by owner. Always served
// from the store; listings are rare enough not to cache.
func (p *Provisioner) List(userID string) ([]store.Swarm, error) {
	swarms, err := p.store.ListSwarms(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return swarms, nil
}

// Rehydrate rebuilds the in-process pool and cache from the durable swarm
// records after a restart. It returns the set of sandbox ids still owned by
// active swarms, which feeds stale-sandbox cleanup.
func (p *Provisioner) Rehydrate(ctx context.Context) (map[string]bool, error) {
	swarms, err := p.store.ListSwarms("")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	keep := make(map[string]bool)
	for i := range swarms {
		sw := &swarms[i]
		if sw.Status != store.SwarmActive && sw.Status != store.SwarmInitializing {
			continue
		}
		for _, ref := range sw.Agents {
			keep[ref.SandboxID] = true
			if ref.AgentID == "" {
				continue
			}
			if err := p.pool.Adopt(ref.AgentID, ref.Role, ref.SandboxID); err != nil {
				slog.Warn("could not readopt agent", "swarm", sw.ID, "agent", ref.AgentID, "error", err)
			}
		}
		p.cacheSwarm(sw)
	}
	slog.Info("rehydrated swarms", "active", len(p.cache), "agents", p.pool.Size())
	return keep, nil
}

// Cached records are immutable: loadSwarm and cacheSwarm both copy, so a
// caller holding a Status result never observes a concurrent scale mutating
// it, and a caller mutating its own copy never leaks partial state into the
// cache.
func cloneSwarm(sw *store.Swarm) *store.Swarm {
	cp := *sw
	cp.Agents = append([]store.AgentRef(nil), sw.Agents...)
	if sw.ExpiresAt != nil {
		t := *sw.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

func (p *Provisioner) loadSwarm(id string) (*store.Swarm, error) {
	p.mu.RLock()
	cached := p.cache[id]
	if cached != nil {
		sw := cloneSwarm(cached)
		p.mu.RUnlock()
		return sw, nil
	}
	p.mu.RUnlock()

	sw, err := p.store.GetSwarm(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if sw != nil {
		p.cacheSwarm(sw)
	}
	return sw, nil
}

func (p *Provisioner) cacheSwarm(sw *store.Swarm) {
	p.mu.Lock()
	if p.cache == nil {
		p.cache = make(map[string]*store.Swarm)
	}
	p.cache[sw.ID] = cloneSwarm(sw)
	p.mu.Unlock()
}

func (p *Provisioner) dropCached(id string) {
	p.mu.Lock()
	delete(p.cache, id)
	p.mu.Unlock()
}

func (p *Provisioner) event(subject string, payload any) {
	if p.events == nil {
		return
	}
	if err := p.events.PublishJSON(subject, payload); err != nil {
		slog.Debug("event publish failed", "subject", subject, "error", err)
	}
}

func (p *Provisioner) checkLowBalance(userID string, balance float64) {
	if p.pricing.LowBalanceAlert <= 0 || balance >= p.pricing.LowBalanceAlert {
		return
	}
	p.event(natsbus.CreditsSubject(userID), map[string]any{
		"event":   "low_balance",
		"user_id": userID,
		"balance": balance,
	})
}
