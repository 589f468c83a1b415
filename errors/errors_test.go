package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"schema unavailable", ErrSchemaUnavailable, true},
		{"state locked", ErrStateLocked, true},
		{"rate limited", ErrRateLimited, true},
		{"circuit open", ErrCircuitOpen, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"invalid data", ErrInvalidData, false},
		{"resource exhausted", ErrResourceExhausted, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"network error", fmt.Errorf("network connection failed"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransient(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid data", ErrInvalidData, true},
		{"parsing failed", ErrParsingFailed, true},
		{"composition conflict", ErrCompositionConflict, true},
		{"invalid transition", ErrInvalidTransition, true},
		{"connection timeout", ErrConnectionTimeout, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsInvalid(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"resource exhausted", ErrResourceExhausted, true},
		{"fatal in message", fmt.Errorf("fatal disk corruption"), true},
		{"plain error", fmt.Errorf("something odd"), false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsFatal(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil defaults transient", nil, ErrorTransient},
		{"transient error", ErrConnectionTimeout, ErrorTransient},
		{"invalid error", ErrInvalidData, ErrorInvalid},
		{"fatal error", ErrMissingConfig, ErrorFatal},
		{"unknown defaults transient", fmt.Errorf("mystery"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := Classify(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v", test.expected, result)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if Wrap(nil, "Orchestrator", "Deploy", "phase one") != nil {
			t.Error("Wrap(nil) should return nil")
		}
	})

	t.Run("format follows component.method pattern", func(t *testing.T) {
		base := errors.New("boom")
		wrapped := Wrap(base, "Orchestrator", "Deploy", "phase one")

		expected := "Orchestrator.Deploy: phase one failed: boom"
		if wrapped.Error() != expected {
			t.Errorf("expected %q, got %q", expected, wrapped.Error())
		}

		if !errors.Is(wrapped, base) {
			t.Error("wrapped error should match base via errors.Is")
		}
	})
}

func TestClassifiedWrappers(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name     string
		wrap     func(error, string, string, string) error
		expected ErrorClass
	}{
		{"WrapTransient", WrapTransient, ErrorTransient},
		{"WrapInvalid", WrapInvalid, ErrorInvalid},
		{"WrapFatal", WrapFatal, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if test.wrap(nil, "C", "M", "a") != nil {
				t.Fatal("wrapping nil should return nil")
			}

			wrapped := test.wrap(base, "Registry", "Register", "validate spec")

			var ce *ClassifiedError
			if !errors.As(wrapped, &ce) {
				t.Fatal("expected ClassifiedError in chain")
			}
			if ce.Class != test.expected {
				t.Errorf("expected class %v, got %v", test.expected, ce.Class)
			}
			if ce.Component != "Registry" {
				t.Errorf("expected component Registry, got %s", ce.Component)
			}
			if !errors.Is(wrapped, base) {
				t.Error("classification must preserve the error chain")
			}
			if !strings.Contains(wrapped.Error(), "Registry.Register: validate spec failed") {
				t.Errorf("unexpected message: %s", wrapped.Error())
			}
		})
	}
}

func TestClassificationPreservedThroughWrap(t *testing.T) {
	inner := WrapInvalid(ErrCompositionConflict, "Composer", "Compose", "merge Query fields")
	outer := Wrap(inner, "Orchestrator", "Deploy", "phase two")

	if !IsInvalid(outer) {
		t.Error("Invalid classification should survive generic Wrap")
	}
	if !errors.Is(outer, ErrCompositionConflict) {
		t.Error("sentinel should survive double wrapping")
	}
}

func TestRetryConfig_ShouldRetry(t *testing.T) {
	config := DefaultRetryConfig()

	tests := []struct {
		name     string
		err      error
		attempt  int
		expected bool
	}{
		{"nil error", nil, 0, false},
		{"transient within budget", ErrConnectionTimeout, 0, true},
		{"transient at limit", ErrConnectionTimeout, 3, false},
		{"invalid never retried", ErrInvalidData, 0, false},
		{"fatal never retried", ErrMissingConfig, 0, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := config.ShouldRetry(test.err, test.attempt)
			if result != test.expected {
				t.Errorf("expected %v, got %v", test.expected, result)
			}
		})
	}

	t.Run("retryable whitelist", func(t *testing.T) {
		cfg := DefaultRetryConfig()
		cfg.RetryableErrors = []error{ErrStateLocked}

		if !cfg.ShouldRetry(ErrStateLocked, 0) {
			t.Error("whitelisted error should retry")
		}
		if cfg.ShouldRetry(ErrConnectionTimeout, 0) {
			t.Error("non-whitelisted transient should not retry")
		}
	})
}

func TestRetryConfig_BackoffDelay(t *testing.T) {
	config := RetryConfig{
		MaxRetries:    5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      1 * time.Second,
		BackoffFactor: 2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second}, // capped at MaxDelay
		{10, 1 * time.Second},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("attempt_%d", test.attempt), func(t *testing.T) {
			delay := config.BackoffDelay(test.attempt)
			if delay != test.expected {
				t.Errorf("attempt %d: expected %v, got %v", test.attempt, test.expected, delay)
			}
		})
	}
}

func TestRetryConfig_ToRetryConfig(t *testing.T) {
	rc := RetryConfig{
		MaxRetries:    3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 1.5,
	}

	converted := rc.ToRetryConfig()

	if converted.MaxAttempts != 4 {
		t.Errorf("expected 4 total attempts, got %d", converted.MaxAttempts)
	}
	if converted.InitialDelay != rc.InitialDelay {
		t.Errorf("initial delay mismatch: %v", converted.InitialDelay)
	}
	if !converted.AddJitter {
		t.Error("jitter should be enabled by default")
	}
}
