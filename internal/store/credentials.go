package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Credential is a named secret stored encrypted at rest. Value and Nonce hold
// the AES-GCM ciphertext produced by the vault; plaintext never touches disk.
type Credential struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Value       []byte    `json:"-"`
	Nonce       []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Store) SaveCredential(c *Credential) error {
	_, err := s.db.Exec(`
		INSERT INTO credentials (name, description, value, nonce)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			value = excluded.value,
			nonce = excluded.nonce,
			updated_at = CURRENT_TIMESTAMP`,
		c.Name, c.Description, c.Value, c.Nonce)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(name string) (*Credential, error) {
	c := &Credential{}
	var desc sql.NullString
	err := s.db.QueryRow(`
		SELECT name, description, value, nonce, created_at, updated_at
		FROM credentials WHERE name = ?`, name).
		Scan(&c.Name, &desc, &c.Value, &c.Nonce, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	c.Description = desc.String
	return c, nil
}

// ListCredentials returns credential metadata without ciphertext.
func (s *Store) ListCredentials() ([]Credential, error) {
	rows, err := s.db.Query(`
		SELECT name, description, created_at, updated_at
		FROM credentials ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var c Credential
		var desc sql.NullString
		if err := rows.Scan(&c.Name, &desc, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.Description = desc.String
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (s *Store) DeleteCredential(name string) error {
	_, err := s.db.Exec(`DELETE FROM credentials WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
