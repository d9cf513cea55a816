package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOfWrappedChain(t *testing.T) {
	base := Coded(KindPrecondition, CodeQueueFull, "submit_job", "stream depth %d at ceiling", 1000)
	wrapped := fmt.Errorf("orchestrator: %w", base)

	if got := KindOf(wrapped); got != KindPrecondition {
		t.Fatalf("KindOf = %q, want %q", got, KindPrecondition)
	}
	if got := CodeOf(wrapped); got != CodeQueueFull {
		t.Fatalf("CodeOf = %q, want %q", got, CodeQueueFull)
	}
	if !Retryable(wrapped) {
		t.Error("queue_full should be retryable")
	}
}

func TestKindOfUntyped(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != "" {
		t.Fatalf("untyped error reported kind %q", got)
	}
	if Retryable(errors.New("plain")) {
		t.Error("untyped errors must not be retryable")
	}
}

func TestKindOfDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	err := fmt.Errorf("call analyst: %w", ctx.Err())
	if got := KindOf(err); got != KindDeadline {
		t.Fatalf("KindOf(deadline) = %q, want %q", got, KindDeadline)
	}
}

func TestWrapNilPassesThrough(t *testing.T) {
	if Wrap(KindTransient, "op", nil) != nil {
		t.Fatal("Wrap(nil) should return nil")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindPrecondition, http.StatusConflict},
		{KindConflict, http.StatusConflict},
		{KindUpstream, http.StatusBadGateway},
		{KindTransient, http.StatusServiceUnavailable},
		{KindDeadline, http.StatusGatewayTimeout},
		{KindFatal, http.StatusInternalServerError},
		{Kind("unmapped"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.kind); got != tc.want {
			t.Errorf("HTTPStatus(%q) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestFromStatusPreservesSemantics(t *testing.T) {
	if e := FromStatus("call", 404, "no such tool"); e.Kind != KindNotFound {
		t.Errorf("404 mapped to %q", e.Kind)
	}
	if e := FromStatus("call", 409, "duplicate"); e.Kind != KindConflict {
		t.Errorf("409 mapped to %q", e.Kind)
	}
	if e := FromStatus("call", 502, "bad gateway"); e.Kind != KindUpstream {
		t.Errorf("502 mapped to %q", e.Kind)
	}
}

func TestErrorStringIncludesOp(t *testing.T) {
	e := New(KindNotFound, "get_job", "job %s not found", "j-1")
	want := "get_job: job j-1 not found"
	if e.Error() != want {
		t.Fatalf("Error() = %q, want %q", e.Error(), want)
	}

	inner := errors.New("disk gone")
	if got := Wrap(KindTransient, "persist", inner).Error(); got != "persist: disk gone" {
		t.Fatalf("Error() = %q", got)
	}
	if !errors.Is(Wrap(KindTransient, "persist", inner), inner) {
		t.Error("Unwrap chain broken")
	}
}
