package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindRoundTrip(t *testing.T) {
	err := New(Validation, "empty_order", "Order must contain at least one line")

	if !Is(err, Validation) {
		t.Error("Expected Is to match the fault's kind")
	}
	if Is(err, NotFound) {
		t.Error("Is matched the wrong kind")
	}
	if CodeOf(err) != "empty_order" {
		t.Errorf("Expected code empty_order, got %s", CodeOf(err))
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, ExternalDependency, "provider_unavailable", "Payment provider unavailable")

	if !errors.Is(err, cause) {
		t.Error("Expected wrapped fault to unwrap to its cause")
	}
	if !Is(err, ExternalDependency) {
		t.Error("Expected ExternalDependency kind")
	}
}

func TestKindSurvivesFmtWrapping(t *testing.T) {
	inner := New(StateConflict, "order_not_pending", "Order ORD-1 is not pending")
	outer := fmt.Errorf("applying webhook: %w", inner)

	if !Is(outer, StateConflict) {
		t.Error("Expected kind to survive fmt.Errorf wrapping")
	}
	if CodeOf(outer) != "order_not_pending" {
		t.Errorf("Expected code to survive wrapping, got %s", CodeOf(outer))
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{New(Validation, "invalid_quantity", "bad quantity"), http.StatusBadRequest},
		{New(NotFound, "tier_not_found", "no such tier"), http.StatusNotFound},
		{New(StateConflict, "insufficient_capacity", "sold out"), http.StatusConflict},
		{New(DuplicateOutcome, "outcome_already_applied", "already applied"), http.StatusOK},
		{New(ExternalDependency, "provider_unavailable", "provider down"), http.StatusBadGateway},
		{New(PersistenceConflict, "busy", "database busy"), http.StatusServiceUnavailable},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
