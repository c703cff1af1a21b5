package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(QuoteTimeout, "no quote within %ds", 30)
	if got := KindOf(err); got != QuoteTimeout {
		t.Fatalf("KindOf = %q, want %q", got, QuoteTimeout)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("plain error should have no kind")
	}
	if KindOf(nil) != "" {
		t.Fatalf("nil error should have no kind")
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(BadProof, "preimage does not match")
	outer := fmt.Errorf("verify proof: %w", inner)
	if !IsKind(outer, BadProof) {
		t.Fatalf("kind lost through fmt.Errorf wrapping: %v", outer)
	}
	if got := KindOf(outer); got != BadProof {
		t.Fatalf("KindOf = %q, want %q", got, BadProof)
	}
}

func TestOutermostKindWins(t *testing.T) {
	inner := New(InsufficientBalance, "balance 3 sats")
	outer := Wrap(PaymentFailed, inner, "pay invoice")
	if got := KindOf(outer); got != PaymentFailed {
		t.Fatalf("KindOf = %q, want outermost %q", got, PaymentFailed)
	}
	// The inner kind is still reachable through errors.As on the unwrapped chain.
	if !errors.Is(outer, outer) {
		t.Fatalf("errors.Is identity failed")
	}
}

func TestErrorString(t *testing.T) {
	cause := errors.New("socket closed")
	cases := []struct {
		err  *Error
		want string
	}{
		{New(RelayTimeout, "no relay answered"), "RELAY_TIMEOUT: no relay answered"},
		{Wrap(PaymentFailed, cause, "pay"), "PAYMENT_FAILED: pay: socket closed"},
		{&Error{Kind: NoWorkers}, "NO_WORKERS"},
		{&Error{Kind: DecryptFailure, Err: cause}, "DECRYPT_FAILURE: socket closed"},
	}
	for _, c := range cases {
		if got := c.err.Error(); got != c.want {
			t.Errorf("Error() = %q, want %q", got, c.want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(DecryptFailure, cause, "open payload")
	if !errors.Is(err, cause) {
		t.Fatalf("wrapped cause not reachable via errors.Is")
	}
}
