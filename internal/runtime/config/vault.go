package config

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"

	errspkg "github.com/drblury/amqp2nats/internal/runtime/errors"
)

// VaultConfig enables resolving broker credentials from HashiCorp Vault.
type VaultConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	Namespace string `yaml:"namespace"`
	// Mount is the KV v2 mount path, "secret" by default.
	Mount string `yaml:"mount"`
}

// SecretReader reads a KV secret. VaultClient is the production implementation.
type SecretReader interface {
	GetSecret(ctx context.Context, path string) (map[string]any, error)
}

// VaultClient wraps the HashiCorp Vault API client.
type VaultClient struct {
	client *vault.Client
	mount  string
}

// NewVaultClient returns nil when Vault is disabled.
func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	vaultCfg := vault.DefaultConfig()
	if cfg.Address != "" {
		vaultCfg.Address = cfg.Address
	}

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = DefaultVaultMount
	}
	return &VaultClient{client: client, mount: mount}, nil
}

// GetSecret retrieves the data of a KV v2 secret.
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]any, error) {
	if vc == nil {
		return nil, errspkg.ErrVaultNotInitialized
	}

	secret, err := vc.client.KVv2(vc.mount).Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret not found: %s", path)
	}
	return secret.Data, nil
}

// ApplyVaultSecrets overwrites credentials with the values stored at the
// profiles' vault paths. A nil reader is a no-op. Keys missing from a secret
// leave the configured value untouched.
func ApplyVaultSecrets(ctx context.Context, cfg *Config, reader SecretReader) error {
	if reader == nil || cfg == nil {
		return nil
	}

	if cfg.Queue.VaultPath != "" {
		secret, err := reader.GetSecret(ctx, cfg.Queue.VaultPath)
		if err != nil {
			return fmt.Errorf("failed to get rabbitmq secrets: %w", err)
		}
		setString(secret, "user", &cfg.Queue.User)
		setString(secret, "password", &cfg.Queue.Password)
	}

	if cfg.PubSub.VaultPath != "" {
		secret, err := reader.GetSecret(ctx, cfg.PubSub.VaultPath)
		if err != nil {
			return fmt.Errorf("failed to get nats secrets: %w", err)
		}
		setString(secret, "secret", &cfg.PubSub.Secret)
		setString(secret, "user", &cfg.PubSub.User)
		setString(secret, "password", &cfg.PubSub.Password)
	}

	return nil
}

func setString(secret map[string]any, key string, dst *string) {
	if v, ok := secret[key].(string); ok && v != "" {
		*dst = v
	}
}
