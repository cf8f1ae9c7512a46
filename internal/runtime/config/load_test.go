package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	errspkg "github.com/drblury/amqp2nats/internal/runtime/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
rabbitmq:
  host: q.local
  queue_name: orders
  heartbeat: 10s
nats:
  url: nats://p.local:4222
  subject: orders.out
  secret: tok123
  user: alice
  password: secret
relay:
  ordering: ack-after-forward
  log_bodies: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.Host != "q.local" || cfg.Queue.QueueName != "orders" {
		t.Fatalf("unexpected queue profile: %+v", cfg.Queue)
	}
	if cfg.Queue.Heartbeat != 10*time.Second {
		t.Fatalf("Heartbeat = %v, want 10s", cfg.Queue.Heartbeat)
	}
	if cfg.Queue.Port != DefaultQueuePort || cfg.Queue.VirtualHost != "/" {
		t.Fatalf("defaults not applied: %+v", cfg.Queue)
	}
	if cfg.PubSub.AuthMode() != AuthToken {
		t.Fatalf("expected token auth, got %v", cfg.PubSub.AuthMode())
	}
	if cfg.Relay.Ordering != AckAfterForward || !cfg.Relay.LogBodies {
		t.Fatalf("unexpected relay config: %+v", cfg.Relay)
	}
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
rabbitmq:
  host: q.local
  queue_name: orders
nats:
  url: nats://p.local:4222
  subject: orders.out
`)
	t.Setenv("AMQP2NATS_RABBITMQ_QUEUE_NAME", "invoices")
	t.Setenv("AMQP2NATS_NATS_SUBJECT", "invoices.out")
	t.Setenv("AMQP2NATS_RELAY_HICCUP_THRESHOLD", "250ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.QueueName != "invoices" {
		t.Fatalf("QueueName = %q, want invoices", cfg.Queue.QueueName)
	}
	if cfg.PubSub.Subject != "invoices.out" || cfg.PubSub.ReplyTo() != "r-invoices.out" {
		t.Fatalf("Subject = %q", cfg.PubSub.Subject)
	}
	if cfg.Relay.HiccupThreshold != 250*time.Millisecond {
		t.Fatalf("HiccupThreshold = %v", cfg.Relay.HiccupThreshold)
	}
}

func TestLoadEnvironmentOnly(t *testing.T) {
	t.Setenv("AMQP2NATS_RABBITMQ_HOST", "q.local")
	t.Setenv("AMQP2NATS_RABBITMQ_QUEUE_NAME", "orders")
	t.Setenv("AMQP2NATS_NATS_URL", "nats://p.local:4222")
	t.Setenv("AMQP2NATS_NATS_SUBJECT", "orders.out")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PubSub.AuthMode() != AuthNone {
		t.Fatalf("expected unauthenticated profile, got %v", cfg.PubSub.AuthMode())
	}
}

func TestLoadFailsFastOnMissingQueueName(t *testing.T) {
	path := writeConfig(t, `
rabbitmq:
  host: q.local
nats:
  url: nats://p.local:4222
  subject: orders.out
`)
	_, err := Load(path)
	if !errors.Is(err, errspkg.ErrQueueNameRequired) {
		t.Fatalf("expected ErrQueueNameRequired, got %v", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
rabbitmq:
  hostname: q.local
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected strict decoding to reject unknown field")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

type fakeSecrets map[string]map[string]any

func (f fakeSecrets) GetSecret(_ context.Context, path string) (map[string]any, error) {
	s, ok := f[path]
	if !ok {
		return nil, errors.New("secret not found: " + path)
	}
	return s, nil
}

func TestApplyVaultSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.VaultPath = "relay/rabbitmq"
	cfg.PubSub.VaultPath = "relay/nats"
	cfg.PubSub.User = "keep-me"

	secrets := fakeSecrets{
		"relay/rabbitmq": {"user": "rabbit", "password": "r-pass"},
		"relay/nats":     {"secret": "tok123", "password": 42},
	}
	if err := ApplyVaultSecrets(context.Background(), &cfg, secrets); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.User != "rabbit" || cfg.Queue.Password != "r-pass" {
		t.Fatalf("queue credentials not applied: %+v", cfg.Queue)
	}
	if cfg.PubSub.Secret != "tok123" || cfg.PubSub.User != "keep-me" || cfg.PubSub.Password != "" {
		t.Fatalf("unexpected pub/sub credentials: %+v", cfg.PubSub)
	}
}

func TestApplyVaultSecretsPropagatesErrors(t *testing.T) {
	cfg := validConfig()
	cfg.PubSub.VaultPath = "relay/missing"
	if err := ApplyVaultSecrets(context.Background(), &cfg, fakeSecrets{}); err == nil {
		t.Fatal("expected error for missing secret")
	}
}

func TestApplyVaultSecretsNilReader(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.VaultPath = "relay/rabbitmq"
	if err := ApplyVaultSecrets(context.Background(), &cfg, nil); err != nil {
		t.Fatalf("expected nil reader to be a no-op, got %v", err)
	}
}

func TestNewVaultClientDisabled(t *testing.T) {
	client, err := NewVaultClient(VaultConfig{})
	if err != nil || client != nil {
		t.Fatalf("expected nil client and nil error, got %v, %v", client, err)
	}
	var nilClient *VaultClient
	if _, err := nilClient.GetSecret(context.Background(), "x"); !errors.Is(err, errspkg.ErrVaultNotInitialized) {
		t.Fatalf("expected ErrVaultNotInitialized, got %v", err)
	}
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "..", "examples", "config.yaml"))
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	if cfg.Queue.QueueName != "orders" || cfg.PubSub.Subject != "orders.out" {
		t.Fatalf("unexpected profiles: %+v / %+v", cfg.Queue, cfg.PubSub)
	}
	if cfg.Relay.Ordering != AckBeforeForward {
		t.Fatalf("unexpected ordering %q", cfg.Relay.Ordering)
	}
	if cfg.Queue.ReconnectInterval != 25*time.Millisecond {
		t.Fatalf("unexpected reconnect interval %s", cfg.Queue.ReconnectInterval)
	}
	if cfg.PubSub.AuthMode() != AuthNone {
		t.Fatalf("expected no auth, got %s", cfg.PubSub.AuthMode())
	}
}
