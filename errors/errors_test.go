package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
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
		{"queue full", ErrQueueFull, true},
		{"request timeout", ErrTimeout, true},
		{"publish rejected", ErrPublish, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"request cancelled", ErrCancelled, false},
		{"type mismatch", ErrTopicTypeMismatch, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
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

func TestIsFatalAndInvalid(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		fatal   bool
		invalid bool
	}{
		{"nil error", nil, false, false},
		{"participant creation", ErrParticipantCreation, true, false},
		{"invalid config", ErrInvalidConfig, true, false},
		{"profile not found", ErrQosProfileNotFound, false, true},
		{"type mismatch", ErrTopicTypeMismatch, false, true},
		{"wrapped mismatch", fmt.Errorf("outer: %w", ErrTopicTypeMismatch), false, true},
		{"remote failure", ErrRemoteFailure, false, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsFatal(test.err); got != test.fatal {
				t.Errorf("IsFatal: expected %v, got %v", test.fatal, got)
			}
			if got := IsInvalid(test.err); got != test.invalid {
				t.Errorf("IsInvalid: expected %v, got %v", test.invalid, got)
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
		{"participant creation", ErrParticipantCreation, ErrorFatal},
		{"profile not found", ErrQosProfileNotFound, ErrorInvalid},
		{"queue full", ErrQueueFull, ErrorTransient},
		{"unknown error", errors.New("something odd"), ErrorTransient},
		{"explicit class wins", WrapTransient(ErrParticipantCreation, "Manager", "Create", "middleware call"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "C", "m", "a") != nil {
		t.Fatal("wrapping nil should return nil")
	}

	err := Wrap(ErrPublish, "Publisher", "Publish", "write sample")
	expected := "Publisher.Publish: write sample failed: publish failed"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	if !errors.Is(err, ErrPublish) {
		t.Error("wrapped error should match its sentinel")
	}
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if test.wrap(nil, "C", "m", "a") != nil {
				t.Fatal("wrapping nil should return nil")
			}

			err := test.wrap(base, "Registry", "Create", "topic insert")
			var ce *ClassifiedError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ClassifiedError, got %T", err)
			}
			if ce.Class != test.class {
				t.Errorf("expected class %s, got %s", test.class, ce.Class)
			}
			if ce.Component != "Registry" || ce.Operation != "Create" {
				t.Errorf("unexpected context %s.%s", ce.Component, ce.Operation)
			}
			if !errors.Is(err, base) {
				t.Error("classified error should unwrap to its cause")
			}
			if !strings.HasPrefix(err.Error(), "Registry.Create: topic insert failed") {
				t.Errorf("unexpected message %q", err.Error())
			}
		})
	}
}

func TestJoin(t *testing.T) {
	cause := errors.New("domain 999 out of range")
	err := Join(ErrParticipantCreation, cause)

	if !errors.Is(err, ErrParticipantCreation) || !errors.Is(err, cause) {
		t.Fatal("joined error should match both sentinel and cause")
	}
	if err.Error() != "participant creation failed: domain 999 out of range" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if Join(ErrTimeout, nil) != ErrTimeout {
		t.Error("joining a nil cause should return the sentinel")
	}
}
