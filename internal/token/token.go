// Package token supplies per-account credentials to network call sites.
// Secrets live in the OS keyring, never in the mail store.
package token

import (
	"fmt"

	"github.com/99designs/keyring"
)

// Credentials is a valid credential pair for one account.
type Credentials struct {
	Username string
	Secret   string
}

// AuthError signals an expired or invalid credential. Callers treat it as
// requiring account re-authentication, never as retryable.
type AuthError struct {
	AccountID string
	Reason    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("account %s requires re-authentication: %s", e.AccountID, e.Reason)
}

// Provider yields valid credentials for an account, consulted before each
// network operation.
type Provider interface {
	Credentials(accountID string) (Credentials, error)
}

const serviceName = "mailkeep"

// KeyringProvider stores account secrets in the system keyring.
type KeyringProvider struct {
	fileDir string
}

// NewKeyringProvider creates a keyring-backed provider. fileDir is the
// fallback location when no native keyring backend is available.
func NewKeyringProvider(fileDir string) *KeyringProvider {
	return &KeyringProvider{fileDir: fileDir}
}

func (p *KeyringProvider) open() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  p.fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(serviceName + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Credentials returns the stored credentials for an account. A missing
// entry is an AuthError: the account must be signed in again.
func (p *KeyringProvider) Credentials(accountID string) (Credentials, error) {
	ring, err := p.open()
	if err != nil {
		return Credentials{}, err
	}

	user, err := ring.Get(accountID + "/username")
	if err != nil {
		return Credentials{}, &AuthError{AccountID: accountID, Reason: "no stored username"}
	}
	secret, err := ring.Get(accountID + "/secret")
	if err != nil {
		return Credentials{}, &AuthError{AccountID: accountID, Reason: "no stored secret"}
	}

	return Credentials{Username: string(user.Data), Secret: string(secret.Data)}, nil
}

// Store saves credentials for an account.
func (p *KeyringProvider) Store(accountID string, creds Credentials) error {
	ring, err := p.open()
	if err != nil {
		return err
	}
	if err := ring.Set(keyring.Item{Key: accountID + "/username", Data: []byte(creds.Username)}); err != nil {
		return fmt.Errorf("storing username for %s: %w", accountID, err)
	}
	if err := ring.Set(keyring.Item{Key: accountID + "/secret", Data: []byte(creds.Secret)}); err != nil {
		return fmt.Errorf("storing secret for %s: %w", accountID, err)
	}
	return nil
}

// Delete removes an account's credentials.
func (p *KeyringProvider) Delete(accountID string) error {
	ring, err := p.open()
	if err != nil {
		return err
	}
	if err := ring.Remove(accountID + "/username"); err != nil && err != keyring.ErrKeyNotFound {
		return fmt.Errorf("deleting username for %s: %w", accountID, err)
	}
	if err := ring.Remove(accountID + "/secret"); err != nil && err != keyring.ErrKeyNotFound {
		return fmt.Errorf("deleting secret for %s: %w", accountID, err)
	}
	return nil
}
