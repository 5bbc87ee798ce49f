package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// StaticProvider returns fixed credentials. Meant for development and tests.
type StaticProvider struct {
	creds Credentials
}

// NewStaticTokenProvider returns a token provider. A positive ttl makes the
// token expire.
func NewStaticTokenProvider(token string, ttl time.Duration) *StaticProvider {
	creds := Credentials{Type: TypeToken, Token: token}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		creds.ExpiresAt = &exp
	}
	return &StaticProvider{creds: creds}
}

// NewStaticUserPasswordProvider returns a username/password provider.
func NewStaticUserPasswordProvider(user, password string) *StaticProvider {
	return &StaticProvider{creds: Credentials{Type: TypeUserPassword, User: user, Password: password}}
}

// GetCredentials implements Provider.
func (p *StaticProvider) GetCredentials(context.Context) (Credentials, error) {
	return checked(p.creds)
}

// Close implements Provider.
func (p *StaticProvider) Close() error {
	return nil
}

// EnvProvider reads credentials from environment variables on every call,
// so rotated values are picked up without a restart.
type EnvProvider struct {
	typ         Type
	tokenVar    string
	userVar     string
	passwordVar string
}

// NewEnvTokenProvider reads a token from tokenVar.
func NewEnvTokenProvider(tokenVar string) *EnvProvider {
	return &EnvProvider{typ: TypeToken, tokenVar: tokenVar}
}

// NewEnvUserPasswordProvider reads a username and password from userVar
// and passwordVar.
func NewEnvUserPasswordProvider(userVar, passwordVar string) *EnvProvider {
	return &EnvProvider{typ: TypeUserPassword, userVar: userVar, passwordVar: passwordVar}
}

// GetCredentials implements Provider.
func (p *EnvProvider) GetCredentials(context.Context) (Credentials, error) {
	switch p.typ {
	case TypeToken:
		token, ok := os.LookupEnv(p.tokenVar)
		if !ok || token == "" {
			return Credentials{}, fmt.Errorf("%w: environment variable %s not set", ErrInvalidCredentials, p.tokenVar)
		}
		return checked(Credentials{Type: TypeToken, Token: token})
	default:
		user, password := os.Getenv(p.userVar), os.Getenv(p.passwordVar)
		if user == "" || password == "" {
			return Credentials{}, fmt.Errorf("%w: environment variables %s and %s must be set", ErrInvalidCredentials, p.userVar, p.passwordVar)
		}
		return checked(Credentials{Type: TypeUserPassword, User: user, Password: password})
	}
}

// Close implements Provider.
func (p *EnvProvider) Close() error {
	return nil
}

// ChainProvider returns the credentials of the first provider that has
// them, e.g. a secret store with an environment fallback.
type ChainProvider struct {
	providers []Provider
}

// NewChainProvider chains providers in priority order.
func NewChainProvider(providers ...Provider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

// GetCredentials implements Provider.
func (p *ChainProvider) GetCredentials(ctx context.Context) (Credentials, error) {
	if len(p.providers) == 0 {
		return Credentials{}, fmt.Errorf("%w: no providers configured", ErrInvalidCredentials)
	}

	var errs []error
	for i, provider := range p.providers {
		creds, err := provider.GetCredentials(ctx)
		if err == nil {
			return creds, nil
		}
		errs = append(errs, fmt.Errorf("provider %d: %w", i, err))
	}
	return Credentials{}, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// Close closes every provider.
func (p *ChainProvider) Close() error {
	var errs []error
	for _, provider := range p.providers {
		errs = append(errs, provider.Close())
	}
	return errors.Join(errs...)
}
