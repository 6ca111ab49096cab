package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"configuration", NewConfigurationError("bad params", nil), IsConfiguration},
		{"resolution", NewResolutionError("unknown role", nil), IsResolution},
		{"staging", NewStagingError("refused", nil), IsStaging},
		{"transient", NewTransientError("glitch", nil), IsTransient},
		{"fatal", NewFatalError("broken", nil), IsFatal},
		{"cancelled", NewCancelledError("abort"), IsCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !tc.check(tc.err) {
				t.Errorf("predicate rejected its own class: %v", tc.err)
			}
			for _, other := range cases {
				if other.name == tc.name {
					continue
				}
				if other.check(tc.err) {
					t.Errorf("%s predicate accepted %s error", other.name, tc.name)
				}
			}
		})
	}
}

func TestUnclassifiedErrorsAreFatal(t *testing.T) {
	if !IsFatal(errors.New("raw driver error")) {
		t.Error("unclassified errors must be treated as fatal")
	}
	if IsFatal(nil) {
		t.Error("nil is not an error")
	}
	if IsTransient(errors.New("raw")) {
		t.Error("unclassified errors must not pass as transient")
	}
}

func TestErrorWrappingPreservesCause(t *testing.T) {
	cause := errors.New("serial port closed")
	err := NewTransientError("read failed", cause).
		WithDevice("pm").WithOperation("read").WithCode(ErrCodeDeviceTimeout)

	if !errors.Is(err, cause) {
		t.Error("cause lost through wrapping")
	}
	wrapped := fmt.Errorf("command failed: %w", err)
	if !IsTransient(wrapped) {
		t.Error("classification lost through fmt.Errorf wrapping")
	}
	if !errors.Is(wrapped, &Error{Class: ErrorClassTransient, Code: ErrCodeDeviceTimeout}) {
		t.Error("class+code match failed through wrapping")
	}
	if errors.Is(wrapped, &Error{Class: ErrorClassTransient, Code: ErrCodeRetryExhausted}) {
		t.Error("matched wrong code")
	}
}

func TestErrorMessageIncludesContext(t *testing.T) {
	err := NewFatalError("encoder fault", nil).WithDevice("stage_x").WithOperation("move_abs")
	msg := err.Error()
	for _, want := range []string{"fatal", "encoder fault", "stage_x", "move_abs"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}
