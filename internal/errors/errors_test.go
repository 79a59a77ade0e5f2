package errors

import (
	"bytes"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestErrorMatchesByCode(t *testing.T) {
	base := New(CodeConflict, "first")
	wrapped := fmt.Errorf("outer: %w", Wrap(CodeConflict, stdErrors.New("boom"), "second"))

	if !stdErrors.Is(wrapped, base) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if CodeOf(wrapped) != CodeConflict {
		t.Fatalf("unexpected code %s", CodeOf(wrapped))
	}
	if stdErrors.Is(wrapped, New(CodeNotFound, "")) {
		t.Fatalf("different codes must not match")
	}
}

func TestRegisteredAttributes(t *testing.T) {
	const code Code = "TEST_AMBIGUOUS"
	Register(code, Attributes{Message: "maybe", Severity: SeverityWarning, Retryable: true, Ambiguous: true})

	err := New(code, "")
	if err.Message() != "maybe" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if !AmbiguousError(err) || !RetryableError(err) {
		t.Fatalf("expected registered attributes to apply")
	}
	if AmbiguousError(New(CodeInvalidArgument, "x")) {
		t.Fatalf("invalid argument must not be ambiguous")
	}
	if SeverityOf(stdErrors.New("plain")) != SeverityCritical {
		t.Fatalf("plain errors fall back to UNKNOWN severity")
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeStorageFailure, "db", WithRetryable(false), WithAlert(false), WithSeverity(SeverityInfo), WithMetadata("table", "tasks"))
	if err.Retryable() || err.ShouldAlert() || err.Severity() != SeverityInfo {
		t.Fatalf("options were not applied: %+v", err)
	}
	if err.Metadata()["table"] != "tasks" {
		t.Fatalf("metadata missing")
	}
}

func TestRecoveryDerivation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Recovery
	}{
		{"ambiguous", New(CodeTimeout, ""), RecoveryReverify},
		{"retryable", New(CodeStorageFailure, ""), RecoveryRetry},
		{"override retryable", New(CodeConflict, "", WithRetryable(true)), RecoveryRetry},
		{"explicit", New(CodeInvalidArgument, ""), RecoveryUserAction},
		{"terminal", New(CodeNotFound, ""), RecoveryNone},
		{"plain", stdErrors.New("boom"), RecoveryNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RecoveryOf(tc.err); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestLogValueGroupsMetadata(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	err := Wrap(CodeStorageFailure, stdErrors.New("disk"), "write failed", WithMetadata("task_id", "t-1"))
	log.Info("x", slog.Any("error", fmt.Errorf("outer: %w", err)))
	log.Info("y", slog.Any("error", err))

	out := buf.String()
	if !strings.Contains(out, "error.code=STORAGE_FAILURE") || !strings.Contains(out, "error.task_id=t-1") {
		t.Fatalf("expected grouped error attributes, got %s", out)
	}
}

func TestRegisteredListsBuiltins(t *testing.T) {
	codes := Registered()
	found := false
	for _, c := range codes {
		if c == CodeTimeout {
			found = true
		}
	}
	if !found {
		t.Fatalf("builtin codes missing from %v", codes)
	}
}
