package services

import (
	"context"
	"fmt"
	"os"

	"github.com/tubewise/tube-web-ui/internal/generation"
)

// SettingsStore is the key-value settings surface the credential helpers and
// handlers read from. BoltDB implements it.
type SettingsStore interface {
	Setting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// KeySource provides the API key for a provider at request time, so a key
// saved through settings takes effect without restarting anything.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// KeyCredentials resolves an API key from the settings store, falling back to
// an environment variable. It implements both KeySource for the providers and
// generation.Credentials for the controller; Invalidate removes the stored key
// so the overlay re-prompts instead of repeating the same failure.
type KeyCredentials struct {
	store   SettingsStore
	setting string
	envVar  string
}

// NewKeyCredentials creates a KeyCredentials reading the given setting name,
// with envVar as fallback when the store holds no key.
func NewKeyCredentials(store SettingsStore, setting, envVar string) KeyCredentials {
	return KeyCredentials{store: store, setting: setting, envVar: envVar}
}

// APIKey returns the configured key, or generation.ErrMissingCredential when
// neither the store nor the environment holds one.
func (k KeyCredentials) APIKey(ctx context.Context) (string, error) {
	v, err := k.store.Setting(ctx, k.setting)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", k.setting, err)
	}
	if v != "" {
		return v, nil
	}
	if env := os.Getenv(k.envVar); env != "" {
		return env, nil
	}
	return "", generation.ErrMissingCredential
}

// Resolve reports whether a usable key exists.
func (k KeyCredentials) Resolve(ctx context.Context) error {
	_, err := k.APIKey(ctx)
	return err
}

// Invalidate deletes the stored key. A key coming from the environment cannot
// be cleared here; the next resolve will pick it up again.
func (k KeyCredentials) Invalidate(ctx context.Context) error {
	return k.store.DeleteSetting(ctx, k.setting)
}

// NoCredentials satisfies generation.Credentials for providers that need no
// API key, such as a local Ollama server.
type NoCredentials struct{}

func (NoCredentials) Resolve(context.Context) error    { return nil }
func (NoCredentials) Invalidate(context.Context) error { return nil }
