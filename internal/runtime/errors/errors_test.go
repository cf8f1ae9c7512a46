package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSentinelErrorsArePrefixed(t *testing.T) {
	all := []error{
		ErrQueueHostRequired,
		ErrQueueNameRequired,
		ErrPubSubURLRequired,
		ErrSubjectRequired,
		ErrSourceRequired,
		ErrPublisherRequired,
		ErrLoggerRequired,
		ErrConsumerCancelled,
		ErrSourceClosed,
		ErrAlreadyStarted,
		ErrNotStarted,
		ErrUnknownOrdering,
		ErrPublisherClosed,
		ErrVaultNotInitialized,
	}
	for _, err := range all {
		if !strings.HasPrefix(err.Error(), "amqp2nats: ") {
			t.Errorf("expected amqp2nats prefix, got %q", err.Error())
		}
	}
}

func TestSentinelErrorsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("relay loop: %w", ErrConsumerCancelled)
	if !errors.Is(wrapped, ErrConsumerCancelled) {
		t.Fatal("expected wrapped error to match ErrConsumerCancelled")
	}
	if errors.Is(wrapped, ErrSourceClosed) {
		t.Fatal("did not expect wrapped error to match ErrSourceClosed")
	}
}

func TestConfigValidationError(t *testing.T) {
	err := &ConfigValidationError{Field: "queue.port", Reason: "must be between 1 and 65535"}
	want := "amqp2nats: invalid config queue.port: must be between 1 and 65535"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	var target *ConfigValidationError
	if !errors.As(fmt.Errorf("load: %w", err), &target) {
		t.Fatal("expected errors.As to find ConfigValidationError")
	}
	if target.Field != "queue.port" {
		t.Errorf("Field = %q, want queue.port", target.Field)
	}
}
