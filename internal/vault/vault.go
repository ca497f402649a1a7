// Package vault keeps named credentials encrypted at rest. Swarm environment
// variables reference them as "secret:<name>"; the plaintext only ever exists
// in memory on its way into a sandbox.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/hivegate/hivegate/internal/store"
)

// cipherKey is an AES-256 key derived from the configured passphrase via
// Argon2id. The salt is deterministic (SHA-256 of the passphrase) so the same
// passphrase opens the same credentials across restarts.
type cipherKey [32]byte

func deriveKey(passphrase string) cipherKey {
	salt := sha256.Sum256([]byte(passphrase))
	derived := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	var key cipherKey
	copy(key[:], derived)
	return key
}

// Keeper stores and resolves credentials, holding only the derived key.
type Keeper struct {
	key   cipherKey
	store *store.Store
}

func New(passphrase string, s *store.Store) *Keeper {
	return &Keeper{key: deriveKey(passphrase), store: s}
}

// Put encrypts and stores a credential, overwriting any existing one with the
// same name.
func (k *Keeper) Put(name, description, plaintext string) error {
	if name == "" {
		return fmt.Errorf("credential name is required")
	}
	ciphertext, nonce, err := k.seal([]byte(plaintext))
	if err != nil {
		return fmt.Errorf("encrypt credential %s: %w", name, err)
	}
	return k.store.SaveCredential(&store.Credential{
		Name:        name,
		Description: description,
		Value:       ciphertext,
		Nonce:       nonce,
	})
}

// Resolve returns the plaintext of a stored credential. Its signature matches
// what the provisioning saga expects for secret references.
func (k *Keeper) Resolve(name string) (string, error) {
	cred, err := k.store.GetCredential(name)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", fmt.Errorf("credential %s not found", name)
	}
	plaintext, err := k.open(cred.Value, cred.Nonce)
	if err != nil {
		return "", fmt.Errorf("decrypt credential %s: %w", name, err)
	}
	return string(plaintext), nil
}

// List returns credential metadata; ciphertext stays in the store.
func (k *Keeper) List() ([]store.Credential, error) {
	return k.store.ListCredentials()
}

func (k *Keeper) Delete(name string) error {
	return k.store.DeleteCredential(name)
}

func (k *Keeper) seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(k.key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("create gcm: %w", err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

func (k *Keeper) open(ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
