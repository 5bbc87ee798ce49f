// Package credentials supplies the event bus with authentication
// credentials from static values, the environment or an encrypted secret
// opened through gocloud.dev/secrets.
//
//	provider, err := credentials.NewSecretProvider(ctx, "base64key://...", ciphertext)
//	bus, err := nats.NewEventBus(ctx, config, nats.WithCredentials(provider))
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCredentialsExpired is returned when credentials have expired.
	ErrCredentialsExpired = errors.New("credentials expired")

	// ErrInvalidCredentials is returned when credentials are malformed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderClosed is returned when a closed provider is used.
	ErrProviderClosed = errors.New("provider is closed")
)

// Type is the authentication scheme of a credential.
type Type string

const (
	// TypeToken is a bearer token.
	TypeToken Type = "token"

	// TypeUserPassword is a username and password pair.
	TypeUserPassword Type = "user_password"
)

// Credentials authenticate a bus connection.
type Credentials struct {
	Type     Type   `json:"type"`
	Token    string `json:"token,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`

	// ExpiresAt is optional.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the credentials have an expiry in the past.
func (c Credentials) IsExpired() bool {
	return c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt)
}

// Validate ensures the fields required by Type are set.
func (c Credentials) Validate() error {
	switch c.Type {
	case TypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidCredentials)
		}
	case TypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
		}
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidCredentials)
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidCredentials, c.Type)
	}
	return nil
}

// String redacts secrets so credentials can be logged.
func (c Credentials) String() string {
	switch c.Type {
	case TypeUserPassword:
		return fmt.Sprintf("user_password(%s:***)", c.User)
	default:
		return fmt.Sprintf("%s(***)", c.Type)
	}
}

// Provider supplies credentials.
type Provider interface {
	// GetCredentials returns valid, unexpired credentials.
	GetCredentials(ctx context.Context) (Credentials, error)

	// Close releases any resources held by the provider.
	Close() error
}

func checked(c Credentials) (Credentials, error) {
	if err := c.Validate(); err != nil {
		return Credentials{}, err
	}
	if c.IsExpired() {
		return Credentials{}, ErrCredentialsExpired
	}
	return c, nil
}
