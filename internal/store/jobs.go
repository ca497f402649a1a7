package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SwarmJob is a scheduled swarm creation: the stored request is replayed
// through the provisioning saga whenever the schedule fires.
type SwarmJob struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Name       string          `json:"name"`
	Schedule   string          `json:"schedule"`
	Request    json.RawMessage `json:"request"`
	Status     string          `json:"status"`
	NextRunAt  *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
	LastStatus string          `json:"last_status,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

const jobColumns = `id, user_id, name, schedule, request, status, next_run_at, last_run_at, last_status, last_error, created_at`

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*SwarmJob, error) {
	j := &SwarmJob{}
	var request string
	var lastStatus, lastError sql.NullString
	err := scanner.Scan(&j.ID, &j.UserID, &j.Name, &j.Schedule, &request,
		&j.Status, &j.NextRunAt, &j.LastRunAt, &lastStatus, &lastError, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	j.Request = json.RawMessage(request)
	j.LastStatus = lastStatus.String
	j.LastError = lastError.String
	return j, nil
}

func (s *Store) SaveJob(j *SwarmJob) error {
	_, err := s.db.Exec(`
		INSERT INTO swarm_jobs (id, user_id, name, schedule, request, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			request = excluded.request,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		j.ID, j.UserID, j.Name, j.Schedule, string(j.Request), j.Status, j.NextRunAt)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(id string) (*SwarmJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM swarm_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs() ([]SwarmJob, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM swarm_jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []SwarmJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *Store) GetDueJobs(now time.Time) ([]SwarmJob, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM swarm_jobs
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("get due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []SwarmJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *Store) UpdateJobRun(id, lastStatus, lastError string, nextRun *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE swarm_jobs
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRun, id)
	if err != nil {
		return fmt.Errorf("update job run: %w", err)
	}
	return nil
}

func (s *Store) UpdateJobNextRun(id string, nextRun *time.Time) error {
	_, err := s.db.Exec(`UPDATE swarm_jobs SET next_run_at = ? WHERE id = ?`, nextRun, id)
	if err != nil {
		return fmt.Errorf("update job next run: %w", err)
	}
	return nil
}

func (s *Store) UpdateJobStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE swarm_jobs SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

func (s *Store) DeleteJob(id string) error {
	_, err := s.db.Exec(`DELETE FROM swarm_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}
