package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hivegate/hivegate/internal/natsbus"
	"github.com/hivegate/hivegate/internal/store"
)

type DestroyResult struct {
	SwarmID        string  `json:"swarm_id"`
	Status         string  `json:"status"`
	AgentsReleased int     `json:"agents_released"`
	FinalCost      float64 `json:"final_cost"`
}

// DestroySwarm tears a swarm down and settles its runtime charge. Destroying
// an already-destroyed swarm is a no-op success; an unknown id is an error.
// Teardown is forward-only: individual sandbox failures are logged, never
// retried, and never block marking the swarm destroyed. The runtime debit is
// best-effort too, since a drained balance must not make a swarm immortal.
func (p *Provisioner) DestroySwarm(ctx context.Context, swarmID string) (*DestroyResult, error) {
	sw, err := p.loadSwarm(swarmID)
	if err != nil {
		return nil, err
	}
	if sw == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, swarmID)
	}
	if sw.Status == store.SwarmDestroyed {
		return &DestroyResult{
			SwarmID:   sw.ID,
			Status:    store.SwarmDestroyed,
			FinalCost: sw.TotalCost,
		}, nil
	}

	finalCost := sw.TotalCost
	if usage := p.meter.RuntimeCost(sw.CreatedAt, time.Now()); usage > 0 {
		if _, err := p.ledger.Debit(ctx, sw.UserID, usage, "runtime swarm "+sw.ID); err != nil {
			slog.Warn("runtime settlement failed", "swarm", sw.ID, "usage", usage, "error", err)
		} else {
			finalCost += usage
			if err := p.store.UpdateSwarmCost(sw.ID, finalCost); err != nil {
				slog.Warn("final cost update failed", "swarm", sw.ID, "error", err)
			}
		}
	}

	// Release newest-first, mirroring how provisioning unwinds.
	ctx = context.WithoutCancel(ctx)
	released := 0
	for i := len(sw.Agents) - 1; i >= 0; i-- {
		ref := sw.Agents[i]
		if ref.AgentID != "" {
			_ = p.pool.Terminate(ref.AgentID)
		}
		if err := p.sandboxes.Terminate(ctx, ref.SandboxID); err != nil {
			slog.Warn("sandbox teardown failed", "swarm", sw.ID, "sandbox", ref.SandboxID, "error", err)
		}
		released++
	}

	if err := p.store.UpdateSwarmStatus(sw.ID, store.SwarmDestroyed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	p.dropCached(sw.ID)

	p.event(natsbus.SwarmSubject(sw.ID), map[string]any{
		"event":      "swarm_destroyed",
		"swarm_id":   sw.ID,
		"user_id":    sw.UserID,
		"final_cost": finalCost,
	})

	slog.Info("swarm destroyed", "swarm", sw.ID, "agents", released, "final_cost", finalCost)
	return &DestroyResult{
		SwarmID:        sw.ID,
		Status:         store.SwarmDestroyed,
		AgentsReleased: released,
		FinalCost:      finalCost,
	}, nil
}

// ReapExpired destroys active swarms whose TTL has passed. Called on the
// scheduler's poll tick.
func (p *Provisioner) ReapExpired(ctx context.Context, now time.Time) int {
	expired, err := p.store.ListExpiredSwarms(now)
	if err != nil {
		slog.Error("list expired swarms", "error", err)
		return 0
	}

	reaped := 0
	for _, sw := range expired {
		if _, err := p.DestroySwarm(ctx, sw.ID); err != nil {
			slog.Warn("could not reap expired swarm", "swarm", sw.ID, "error", err)
			continue
		}
		slog.Info("reaped expired swarm", "swarm", sw.ID, "expired_at", sw.ExpiresAt)
		reaped++
	}
	return reaped
}
