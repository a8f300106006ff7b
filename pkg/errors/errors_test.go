// SPDX-License-Identifier: Apache-2.0

package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := New(CodeCapabilityDenied, "tool outside declared set", nil)
	if !strings.Contains(err.Error(), "CAPABILITY_DENIED") {
		t.Errorf("expected code in message, got %q", err.Error())
	}

	cause := stderrors.New("dial tcp: refused")
	wrapped := New(CodeInvocationFailed, "plugin call failed", cause)
	if !strings.Contains(wrapped.Error(), "refused") {
		t.Errorf("expected cause in message, got %q", wrapped.Error())
	}
	if !stderrors.Is(wrapped, cause) {
		t.Errorf("expected errors.Is to traverse the chain")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(CodeRateLimited, "quota exhausted", nil)); got != CodeRateLimited {
		t.Errorf("CodeOf = %s, want %s", got, CodeRateLimited)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeInternal {
		t.Errorf("CodeOf untyped = %s, want %s", got, CodeInternal)
	}
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %s, want empty", got)
	}
}

func TestIsCode(t *testing.T) {
	err := New(CodeBusy, "ready queue saturated", nil)
	if !IsCode(err, CodeBusy) {
		t.Errorf("expected IsCode to match")
	}
	if IsCode(err, CodeTimeout) {
		t.Errorf("expected IsCode mismatch")
	}
}

func TestRecoverable(t *testing.T) {
	if Recoverable(nil) {
		t.Errorf("nil error must not be recoverable")
	}
	if Recoverable(New(CodeCapabilityDenied, "denied", nil)) {
		t.Errorf("typed errors default to non-recoverable")
	}
	if !Recoverable(New(CodeTimeout, "deadline", nil).WithRecoverable(true)) {
		t.Errorf("explicit recoverable flag ignored")
	}
	if !Recoverable(stderrors.New("transient")) {
		t.Errorf("untyped errors are recoverable by default")
	}
}

func TestAsNexusError(t *testing.T) {
	plain := stderrors.New("plain failure")
	ne := AsNexusError(plain)
	if ne.Code != CodeInternal {
		t.Errorf("wrapped code = %s, want %s", ne.Code, CodeInternal)
	}
	typed := New(CodeCancelled, "agent cancelled", nil)
	if AsNexusError(typed) != typed {
		t.Errorf("expected identity for typed errors")
	}
	if AsNexusError(nil) != nil {
		t.Errorf("expected nil for nil input")
	}
}
