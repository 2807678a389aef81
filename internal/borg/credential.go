package borg

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// Credential holds the passphrase protecting an encrypted repository. It is
// delivered to borg exclusively through an anonymous pipe, never through argv
// or the environment. Call Zero once the process has exited or failed to
// spawn.
type Credential struct {
	secret []byte
}

// NewCredential copies b into a fresh credential.
func NewCredential(b []byte) *Credential {
	c := &Credential{secret: make([]byte, len(b))}
	copy(c.secret, b)
	return c
}

// Empty reports whether the credential holds no secret. An empty credential
// is still written to the pipe, it just carries zero bytes.
func (c *Credential) Empty() bool {
	return c == nil || len(c.secret) == 0
}

// Zero wipes the secret from memory.
func (c *Credential) Zero() {
	if c == nil {
		return
	}
	for i := range c.secret {
		c.secret[i] = 0
	}
	c.secret = nil
}

func (c *Credential) bytes() []byte {
	if c == nil {
		return nil
	}
	return c.secret
}

// SecretResolver looks up a job's passphrase in an external secret store.
type SecretResolver interface {
	Secret(jobID string) (*Credential, error)
}

// KeyringResolver resolves passphrases from the system keyring, keyed by the
// program name and the job identifier.
type KeyringResolver struct {
	// Service is the keyring service name. Defaults to the program name.
	Service string
}

func (r KeyringResolver) service() string {
	if r.Service != "" {
		return r.Service
	}
	return "keeper"
}

func (r KeyringResolver) Secret(jobID string) (*Credential, error) {
	secret, err := keyring.Get(r.service(), jobID)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrCredentialMissing
	}
	if err != nil {
		return nil, fmt.Errorf("reading keyring entry for job %s: %w", jobID, err)
	}
	return NewCredential([]byte(secret)), nil
}

// StoreSecret saves the passphrase for a job, overwriting any existing entry.
func (r KeyringResolver) StoreSecret(jobID string, c *Credential) error {
	if err := keyring.Set(r.service(), jobID, string(c.bytes())); err != nil {
		return fmt.Errorf("writing keyring entry for job %s: %w", jobID, err)
	}
	return nil
}
