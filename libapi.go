package amqp2nats

import (
	runtimepkg "github.com/drblury/amqp2nats/internal/runtime"
	configpkg "github.com/drblury/amqp2nats/internal/runtime/config"
	errspkg "github.com/drblury/amqp2nats/internal/runtime/errors"
	idspkg "github.com/drblury/amqp2nats/internal/runtime/ids"
	"github.com/drblury/amqp2nats/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/amqp2nats/internal/runtime/logging"
	"github.com/drblury/amqp2nats/transport"
)

type (
	Config         = configpkg.Config
	QueueProfile   = configpkg.QueueProfile
	PubSubProfile  = configpkg.PubSubProfile
	RelayConfig    = configpkg.RelayConfig
	LogConfig      = configpkg.LogConfig
	StatusConfig   = configpkg.StatusConfig
	VaultConfig    = configpkg.VaultConfig
	OrderingPolicy = configpkg.OrderingPolicy
	AuthMode       = configpkg.AuthMode
	SecretReader   = configpkg.SecretReader
	VaultClient    = configpkg.VaultClient

	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ConsumerBridge      = runtimepkg.ConsumerBridge
	BridgeDependencies  = runtimepkg.BridgeDependencies
	Supervisor          = runtimepkg.Supervisor
	Runner              = runtimepkg.Runner
	ProgressCounter     = runtimepkg.ProgressCounter
	RelayError          = runtimepkg.RelayError
	RelayStage          = runtimepkg.RelayStage

	// Relay lifecycle hooks
	RelayContext = runtimepkg.RelayContext
	RelayHooks   = runtimepkg.RelayHooks

	// Relay metrics
	RelayMetrics         = runtimepkg.RelayMetrics
	RelayMetricsSnapshot = runtimepkg.RelayMetricsSnapshot
	RelayCounters        = runtimepkg.RelayCounters
	LinkMetrics          = runtimepkg.LinkMetrics

	// Status server
	StatusServer       = runtimepkg.StatusServer
	StatusDependencies = runtimepkg.StatusDependencies
	StatusReport       = runtimepkg.StatusReport
	LinkReport         = runtimepkg.LinkReport

	LifecycleTracker  = lifecycle.Tracker
	LifecycleListener = lifecycle.Listener
	ConnectionState   = lifecycle.State

	Delivery           = transport.Delivery
	Acknowledger       = transport.Acknowledger
	Source             = transport.Source
	Publisher          = transport.Publisher
	ConnectionObserver = transport.ConnectionObserver

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
)

var (
	NewService         = runtimepkg.NewService
	NewConsumerBridge  = runtimepkg.NewConsumerBridge
	NewSupervisor      = runtimepkg.NewSupervisor
	NewProgressCounter = runtimepkg.NewProgressCounter
	NewStatusServer    = runtimepkg.NewStatusServer
	NewRelayMetrics    = runtimepkg.NewRelayMetrics
	AlertingHooks      = runtimepkg.AlertingHooks

	NewLifecycleTracker = lifecycle.New

	LoadConfig        = configpkg.Load
	ValidateConfig    = configpkg.ValidateConfig
	NewVaultClient    = configpkg.NewVaultClient
	ApplyVaultSecrets = configpkg.ApplyVaultSecrets

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewLogHandler             = loggingpkg.NewHandler

	NewMessageID = idspkg.NewMessageID

	ErrQueueHostRequired = errspkg.ErrQueueHostRequired
	ErrQueueNameRequired = errspkg.ErrQueueNameRequired
	ErrPubSubURLRequired = errspkg.ErrPubSubURLRequired
	ErrSubjectRequired   = errspkg.ErrSubjectRequired
	ErrSourceRequired    = errspkg.ErrSourceRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrConsumerCancelled = errspkg.ErrConsumerCancelled
	ErrSourceClosed      = errspkg.ErrSourceClosed
	ErrAlreadyStarted    = errspkg.ErrAlreadyStarted
	ErrNotStarted        = errspkg.ErrNotStarted
	ErrUnknownOrdering   = errspkg.ErrUnknownOrdering
	ErrPublisherClosed   = errspkg.ErrPublisherClosed
)

// Ordering policies.
const (
	AckBeforeForward = configpkg.AckBeforeForward
	AckAfterForward  = configpkg.AckAfterForward
)

// Authentication modes selected by PubSubProfile.AuthMode.
const (
	AuthNone         = configpkg.AuthNone
	AuthToken        = configpkg.AuthToken
	AuthUserPassword = configpkg.AuthUserPassword
)

// Log levels beyond the slog defaults.
const (
	LevelTrace    = loggingpkg.LevelTrace
	LevelCritical = loggingpkg.LevelCritical
)
