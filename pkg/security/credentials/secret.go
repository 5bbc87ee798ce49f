package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"gocloud.dev/secrets"
	// base64key:// keepers for local development; cloud keepers (awskms,
	// gcpkms, azurekeyvault, hashivault) are imported by the application.
	_ "gocloud.dev/secrets/localsecrets"
)

// SecretProvider decrypts credentials sealed with a gocloud.dev secrets
// keeper. The ciphertext is decrypted on first use and whenever the
// decrypted credentials have expired.
type SecretProvider struct {
	keeper     *secrets.Keeper
	ciphertext []byte

	mu     sync.Mutex
	cached *Credentials
	closed bool
}

// NewSecretProvider opens the keeper at keeperURL (for example
// "base64key://<key>" or "awskms://<key-id>?region=eu-west-1") and checks
// that ciphertext decrypts to valid credentials.
func NewSecretProvider(ctx context.Context, keeperURL string, ciphertext []byte) (*SecretProvider, error) {
	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}

	p := &SecretProvider{keeper: keeper, ciphertext: ciphertext}
	if _, err := p.GetCredentials(ctx); err != nil {
		keeper.Close()
		return nil, err
	}
	return p, nil
}

// NewSecretFileProvider reads the ciphertext from path.
func NewSecretFileProvider(ctx context.Context, keeperURL, path string) (*SecretProvider, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}
	return NewSecretProvider(ctx, keeperURL, ciphertext)
}

// GetCredentials implements Provider.
func (p *SecretProvider) GetCredentials(ctx context.Context) (Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Credentials{}, ErrProviderClosed
	}
	if p.cached != nil && !p.cached.IsExpired() {
		return *p.cached, nil
	}

	plaintext, err := p.keeper.Decrypt(ctx, p.ciphertext)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to decrypt secret: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	creds, err = checked(creds)
	if err != nil {
		return Credentials{}, err
	}

	p.cached = &creds
	return creds, nil
}

// Close implements Provider.
func (p *SecretProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.keeper.Close()
}

// Seal encrypts creds with the keeper at keeperURL, producing the
// ciphertext a SecretProvider reads.
func Seal(ctx context.Context, keeperURL string, creds Credentials) ([]byte, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}
	defer keeper.Close()

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	return ciphertext, nil
}
