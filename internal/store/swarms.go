package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Swarm lifecycle states. A swarm record is never deleted on teardown; it is
// marked destroyed so repeat destroys stay idempotent.
const (
	SwarmInitializing = "initializing"
	SwarmActive       = "active"
	SwarmDestroyed    = "destroyed"
)

// AgentRef is the weak reference a swarm record keeps to a pool agent. The
// live instance is owned by the pool runtime; this is display/billing data.
type AgentRef struct {
	AgentID   string `json:"agent_id"`
	SandboxID string `json:"sandbox_id"`
	Role      string `json:"role"`
}

type Swarm struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	Topology  string     `json:"topology"`
	Strategy  string     `json:"strategy"`
	MaxAgents int        `json:"max_agents"`
	Status    string     `json:"status"`
	Agents    []AgentRef `json:"agents"`
	TotalCost float64    `json:"total_cost"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

const swarmColumns = `id, user_id, name, topology, strategy, max_agents, status, agents, total_cost, created_at, updated_at, expires_at`

func scanSwarm(scanner interface {
	Scan(dest ...any) error
}) (*Swarm, error) {
	sw := &Swarm{}
	var agents []byte
	err := scanner.Scan(&sw.ID, &sw.UserID, &sw.Name, &sw.Topology, &sw.Strategy,
		&sw.MaxAgents, &sw.Status, &agents, &sw.TotalCost,
		&sw.CreatedAt, &sw.UpdatedAt, &sw.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if len(agents) > 0 {
		if err := json.Unmarshal(agents, &sw.Agents); err != nil {
			return nil, fmt.Errorf("decode agent refs: %w", err)
		}
	}
	return sw, nil
}

func (s *Store) UpsertSwarm(sw *Swarm) error {
	agents, err := json.Marshal(sw.Agents)
	if err != nil {
		return fmt.Errorf("encode agent refs: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO swarms (id, user_id, name, topology, strategy, max_agents, status, agents, total_cost, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			max_agents = excluded.max_agents,
			agents = excluded.agents,
			total_cost = excluded.total_cost,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP`,
		sw.ID, sw.UserID, sw.Name, sw.Topology, sw.Strategy, sw.MaxAgents,
		sw.Status, agents, sw.TotalCost, sw.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert swarm: %w", err)
	}
	return nil
}

func (s *Store) GetSwarm(id string) (*Swarm, error) {
	row := s.db.QueryRow(`SELECT `+swarmColumns+` FROM swarms WHERE id = ?`, id)
	sw, err := scanSwarm(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	return sw, nil
}

func (s *Store) ListSwarms(userID string) ([]Swarm, error) {
	query := `SELECT ` + swarmColumns + ` FROM swarms ORDER BY created_at DESC`
	args := []any{}
	if userID != "" {
		query = `SELECT ` + swarmColumns + ` FROM swarms WHERE user_id = ? ORDER BY created_at DESC`
		args = append(args, userID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list swarms: %w", err)
	}
	defer rows.Close()

	var swarms []Swarm
	for rows.Next() {
		sw, err := scanSwarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		swarms = append(swarms, *sw)
	}
	return swarms, rows.Err()
}

// ListExpiredSwarms returns active swarms whose expiry has passed.
func (s *Store) ListExpiredSwarms(now time.Time) ([]Swarm, error) {
	rows, err := s.db.Query(`
		SELECT `+swarmColumns+` FROM swarms
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired swarms: %w", err)
	}
	defer rows.Close()

	var swarms []Swarm
	for rows.Next() {
		sw, err := scanSwarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		swarms = append(swarms, *sw)
	}
	return swarms, rows.Err()
}

func (s *Store) UpdateSwarmStatus(id, status string) error {
	res, err := s.db.Exec(`
		UPDATE swarms SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, id)
	if err != nil {
		return fmt.Errorf("update swarm status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update swarm status: no swarm %s", id)
	}
	return nil
}

// UpdateSwarmAgents replaces the agent list and accumulated cost, used by
// scale operations.
func (s *Store) UpdateSwarmAgents(id string, agents []AgentRef, totalCost float64) error {
	data, err := json.Marshal(agents)
	if err != nil {
		return fmt.Errorf("encode agent refs: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE swarms SET agents = ?, total_cost = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		data, totalCost, id)
	if err != nil {
		return fmt.Errorf("update swarm agents: %w", err)
	}
	return nil
}

func (s *Store) UpdateSwarmCost(id string, totalCost float64) error {
	_, err := s.db.Exec(`
		UPDATE swarms SET total_cost = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		totalCost, id)
	if err != nil {
		return fmt.Errorf("update swarm cost: %w", err)
	}
	return nil
}

func (s *Store) DeleteSwarm(id string) error {
	_, err := s.db.Exec(`DELETE FROM swarms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete swarm: %w", err)
	}
	return nil
}
