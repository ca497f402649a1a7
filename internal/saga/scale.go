package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hivegate/hivegate/internal/hive"
	"github.com/hivegate/hivegate/internal/ledger"
	"github.com/hivegate/hivegate/internal/natsbus"
	"github.com/hivegate/hivegate/internal/store"
)

type ScaleResult struct {
	SwarmID          string  `json:"swarm_id"`
	PreviousAgents   int     `json:"previous_agents"`
	CurrentAgents    int     `json:"current_agents"`
	CreditsUsed      float64 `json:"credits_used"`
	RemainingBalance float64 `json:"remaining_balance"`
}

// ScaleSwarm grows or shrinks an active swarm to target agents. Growth is the
// provisioning saga on the delta and is billed per added agent, all or
// nothing. Shrinking releases the newest agents first and never refunds;
// the freed headroom can be reused without a new base charge.
func (p *Provisioner) ScaleSwarm(ctx context.Context, swarmID string, target int) (*ScaleResult, error) {
	if target < minSwarmAgents || target > maxSwarmAgents {
		return nil, fmt.Errorf("%w: target must be between %d and %d, got %d",
			ErrValidation, minSwarmAgents, maxSwarmAgents, target)
	}

	sw, err := p.loadSwarm(swarmID)
	if err != nil {
		return nil, err
	}
	if sw == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, swarmID)
	}
	if sw.Status != store.SwarmActive {
		return nil, fmt.Errorf("%w: cannot scale swarm in status %q", ErrValidation, sw.Status)
	}

	current := len(sw.Agents)
	switch {
	case target > current:
		return p.scaleUp(ctx, sw, target)
	case target < current:
		return p.scaleDown(ctx, sw, target)
	}

	balance, err := p.ledger.Balance(ctx, sw.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: read balance: %v", ErrLedger, err)
	}
	return &ScaleResult{
		SwarmID:          sw.ID,
		PreviousAgents:   current,
		CurrentAgents:    current,
		RemainingBalance: balance,
	}, nil
}

func (p *Provisioner) scaleUp(ctx context.Context, sw *store.Swarm, target int) (*ScaleResult, error) {
	current := len(sw.Agents)
	delta := target - current
	cost := p.pricing.PerAgentCost * float64(delta)

	if target > p.sandcfg.MaxConcurrent {
		return nil, fmt.Errorf("%w: target %d exceeds sandbox capacity %d",
			ErrValidation, target, p.sandcfg.MaxConcurrent)
	}

	balance, err := p.ledger.Balance(ctx, sw.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: read balance: %v", ErrLedger, err)
	}
	if balance < cost {
		return nil, fmt.Errorf("%w: need %.2f, have %.2f", ledger.ErrInsufficientCredits, cost, balance)
	}

	run := newRunner()
	refs := make([]store.AgentRef, len(sw.Agents))
	copy(refs, sw.Agents)
	for i := current; i < target; i++ {
		ref, err := p.allocateAgent(ctx, run, allocation{
			swarmID:  sw.ID,
			ordinal:  i,
			role:     scaleRole(sw),
			topology: sw.Topology,
			strategy: sw.Strategy,
		})
		if err != nil {
			run.unwind(ctx)
			return nil, fmt.Errorf("%w: agent %d/%d: %v", ErrProvisioning, i-current+1, delta, err)
		}
		refs = append(refs, ref)
	}

	prevRefs, prevCost := sw.Agents, sw.TotalCost
	err = run.step(ctx, "persist scaled swarm",
		func(context.Context) error {
			return p.store.UpdateSwarmAgents(sw.ID, refs, prevCost+cost)
		},
		func(context.Context) error {
			return p.store.UpdateSwarmAgents(sw.ID, prevRefs, prevCost)
		})
	if err != nil {
		run.unwind(ctx)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	var remaining float64
	err = run.step(ctx, "debit credits",
		func(ctx context.Context) error {
			var err error
			remaining, err = p.ledger.Debit(ctx, sw.UserID, cost, fmt.Sprintf("scale swarm %s to %d", sw.ID, target))
			return err
		}, nil)
	if err != nil {
		run.unwind(ctx)
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrLedger, err)
	}

	sw.Agents = refs
	sw.TotalCost = prevCost + cost
	p.cacheSwarm(sw)

	p.event(natsbus.SwarmSubject(sw.ID), map[string]any{
		"event":    "swarm_scaled",
		"swarm_id": sw.ID,
		"from":     current,
		"to":       target,
		"cost":     cost,
	})
	p.checkLowBalance(sw.UserID, remaining)

	slog.Info("swarm scaled up", "swarm", sw.ID, "from", current, "to", target, "cost", cost)
	return &ScaleResult{
		SwarmID:          sw.ID,
		PreviousAgents:   current,
		CurrentAgents:    target,
		CreditsUsed:      cost,
		RemainingBalance: remaining,
	}, nil
}

func (p *Provisioner) scaleDown(ctx context.Context, sw *store.Swarm, target int) (*ScaleResult, error) {
	current := len(sw.Agents)

	// Newest agents go first. Teardown is best-effort: a sandbox that will
	// not die is logged and abandoned rather than blocking the shrink.
	for i := current - 1; i >= target; i-- {
		ref := sw.Agents[i]
		if ref.AgentID != "" {
			_ = p.pool.Terminate(ref.AgentID)
		}
		if err := p.sandboxes.Terminate(ctx, ref.SandboxID); err != nil {
			slog.Warn("sandbox release failed", "swarm", sw.ID, "sandbox", ref.SandboxID, "error", err)
		}
	}

	refs := make([]store.AgentRef, target)
	copy(refs, sw.Agents[:target])
	if err := p.store.UpdateSwarmAgents(sw.ID, refs, sw.TotalCost); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	sw.Agents = refs
	p.cacheSwarm(sw)

	p.event(natsbus.SwarmSubject(sw.ID), map[string]any{
		"event":    "swarm_scaled",
		"swarm_id": sw.ID,
		"from":     current,
		"to":       target,
	})

	balance, err := p.ledger.Balance(ctx, sw.UserID)
	if err != nil {
		slog.Warn("balance read failed after scale down", "user", sw.UserID, "error", err)
	}

	slog.Info("swarm scaled down", "swarm", sw.ID, "from", current, "to", target)
	return &ScaleResult{
		SwarmID:          sw.ID,
		PreviousAgents:   current,
		CurrentAgents:    target,
		RemainingBalance: balance,
	}, nil
}

// scaleRole picks the type for agents added by a scale-up. Coordinators are
// singular; everything grows with workers.
func scaleRole(sw *store.Swarm) string {
	for _, ref := range sw.Agents {
		if ref.Role != string(hive.TypeCoordinator) {
			return ref.Role
		}
	}
	return string(hive.TypeWorker)
}
