package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation(CodeEmptyContent, "empty"), http.StatusBadRequest},
		{"rate limit", RateLimited(time.Second), http.StatusTooManyRequests},
		{"policy", Policy(CodeModelNotAllowed, "nope"), http.StatusForbidden},
		{"budget", Policy(CodeBudgetExceeded, "Daily cost limit exceeded"), http.StatusPaymentRequired},
		{"upstream", Upstream(errors.New("boom")), http.StatusInternalServerError},
		{"plain", errors.New("plain"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("stage: %w", Validation(CodeMalformedRequest, "bad")), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPublicHidesInternals(t *testing.T) {
	code, msg := Public(Upstream(errors.New("api key sk-secret rejected")))
	if code != CodeUpstream {
		t.Errorf("code = %q", code)
	}
	if msg != "The assistant is temporarily unavailable" {
		t.Errorf("message leaked details: %q", msg)
	}

	code, msg = Public(errors.New("stack trace here"))
	if code != CodeInternal || msg != "Internal error" {
		t.Errorf("unclassified error leaked: %q %q", code, msg)
	}
}

func TestIsAndKindOf(t *testing.T) {
	err := fmt.Errorf("gate: %w", Policy(CodeContentBlocked, "blocked"))
	if !Is(err, KindPolicy, CodeContentBlocked) {
		t.Error("Is should match kind and code")
	}
	if !Is(err, KindPolicy, "") {
		t.Error("empty code should match any code")
	}
	if Is(err, KindPolicy, CodeBudgetExceeded) {
		t.Error("Is matched the wrong code")
	}
	if KindOf(errors.New("x")) != KindUnknown {
		t.Error("plain errors are KindUnknown")
	}
	if !errors.Is(Upstream(errCanceled), errCanceled) {
		t.Error("Upstream must unwrap to its cause")
	}
}

var errCanceled = errors.New("context canceled")
