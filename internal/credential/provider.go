package credential

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNeedsReauth signals that an account's stored credential is no longer
// usable and the user must sign in again. Callers must not retry until
// the credential is replaced.
var ErrNeedsReauth = errors.New("credential: account needs reauthentication")

// Provider supplies a valid secret per account on demand.
type Provider interface {
	// Secret returns the stored secret for the account, or
	// ErrNeedsReauth when none is usable.
	Secret(accountID string) (string, error)

	// MarkInvalid records that the account's secret was rejected by the
	// provider; subsequent Secret calls return ErrNeedsReauth until
	// Refresh is called.
	MarkInvalid(accountID string)

	// Refresh clears the invalid mark after the credential has been
	// replaced externally.
	Refresh(accountID string)
}

// passwordKey is the keyring key for an account's password.
func passwordKey(accountID string) string {
	return "account:" + accountID + ":password"
}

// KeyringProvider is a Provider backed by the system keyring.
type KeyringProvider struct {
	mu      sync.Mutex
	invalid map[string]bool
}

// NewKeyringProvider creates a keyring-backed credential provider.
func NewKeyringProvider() *KeyringProvider {
	return &KeyringProvider{invalid: make(map[string]bool)}
}

// Secret implements Provider.
func (p *KeyringProvider) Secret(accountID string) (string, error) {
	p.mu.Lock()
	bad := p.invalid[accountID]
	p.mu.Unlock()
	if bad {
		return "", ErrNeedsReauth
	}

	secret, err := Get(passwordKey(accountID))
	if err != nil {
		return "", fmt.Errorf("loading secret for account %s: %w", accountID, err)
	}
	return secret, nil
}

// MarkInvalid implements Provider.
func (p *KeyringProvider) MarkInvalid(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalid[accountID] = true
}

// Refresh implements Provider.
func (p *KeyringProvider) Refresh(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.invalid, accountID)
}

// StorePassword writes an account password into the keyring.
func StorePassword(accountID, password string) error {
	return Set(passwordKey(accountID), password)
}

// DeletePassword removes an account password from the keyring.
func DeletePassword(accountID string) error {
	return Delete(passwordKey(accountID))
}
