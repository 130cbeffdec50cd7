// Package secret resolves the BigFix password from the first provider that
// has it: an explicit value, the environment, the OS keyring, or an
// interactive prompt.
package secret

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/mattjoyce/actionarchiver/internal/log"
)

// EnvVar is read by the Env provider when no variable is named.
const EnvVar = "ACTIONARCHIVER_PASSWORD"

// ErrNotFound is returned by Chain when no provider has the password.
var ErrNotFound = errors.New("no password available")

// Request identifies the credential to resolve.
type Request struct {
	// Key names the keyring entry (--keycreds). Empty disables keyring lookup.
	Key  string
	User string
}

// Provider looks up a password. ok is false when the provider simply does not
// have it; err is reserved for provider failures.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, req Request) (password string, ok bool, err error)
}

// Static returns a fixed password, typically from --bfpass.
type Static string

func (Static) Name() string { return "flag" }

func (s Static) Lookup(context.Context, Request) (string, bool, error) {
	return string(s), s != "", nil
}

// Env reads the password from an environment variable.
type Env struct {
	Var string
}

func (Env) Name() string { return "environment" }

func (e Env) Lookup(context.Context, Request) (string, bool, error) {
	name := e.Var
	if name == "" {
		name = EnvVar
	}
	v, ok := os.LookupEnv(name)
	return v, ok && v != "", nil
}

// Keyring reads the password stored under Request.Key for Request.User.
type Keyring struct{}

func (Keyring) Name() string { return "keyring" }

func (Keyring) Lookup(_ context.Context, req Request) (string, bool, error) {
	if strings.TrimSpace(req.Key) == "" {
		return "", false, nil
	}
	pw, err := keyring.Get(req.Key, req.User)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read keyring entry %q for %q: %w", req.Key, req.User, err)
	}
	return pw, pw != "", nil
}

// Store saves password in the OS keyring under key for user.
func Store(key, user, password string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("keyring key name is empty")
	}
	if strings.TrimSpace(user) == "" {
		return fmt.Errorf("user is empty")
	}
	if err := keyring.Set(key, user, password); err != nil {
		return fmt.Errorf("store keyring entry %q for %q: %w", key, user, err)
	}
	return nil
}

// Chain tries providers in order and returns the first password found. A
// failing provider is logged and skipped.
type Chain struct {
	providers []Provider
	logger    *slog.Logger
}

func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers, logger: log.WithComponent("secret")}
}

// Resolve returns the password, or ErrNotFound joined with any provider
// failures.
func (c *Chain) Resolve(ctx context.Context, req Request) (string, error) {
	var errs []error
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		pw, ok, err := p.Lookup(ctx, req)
		if err != nil {
			c.logger.Warn("password provider failed", "provider", p.Name(), "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			c.logger.Debug("password resolved", "provider", p.Name(), "user", req.User)
			return pw, nil
		}
	}
	return "", errors.Join(append([]error{ErrNotFound}, errs...)...)
}
