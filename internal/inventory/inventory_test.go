package inventory

import (
	"testing"
	"time"

	"boxoffice/internal/data"
	"boxoffice/internal/fault"
)

func testEvent() *data.Event {
	return &data.Event{
		ID:            "evt-001",
		Name:          "Fall Showcase",
		Status:        data.EventPublished,
		SaleStartsAt:  time.Now().Add(-24 * time.Hour),
		SaleEndsAt:    time.Now().Add(24 * time.Hour),
		ServiceFeePct: -1,
	}
}

func testTiers() map[string]data.Tier {
	return map[string]data.Tier{
		"tier-ga": {
			ID: "tier-ga", EventID: "evt-001", Name: "General Admission",
			Price: 4500, Quantity: 100, QuantitySold: 0, Status: data.TierActive, MaxPerOrder: 8,
		},
		"tier-vip": {
			ID: "tier-vip", EventID: "evt-001", Name: "VIP",
			Price: 8500, Quantity: 20, QuantitySold: 0, Status: data.TierActive, MaxPerOrder: 4,
		},
	}
}

func TestBuildQuote(t *testing.T) {
	svc := NewService(4.0)

	t.Run("single ticket per tier", func(t *testing.T) {
		quote, err := svc.BuildQuote(testEvent(), testTiers(), []Line{
			{TierID: "tier-ga", Quantity: 1},
			{TierID: "tier-vip", Quantity: 1},
		}, time.Now())
		if err != nil {
			t.Fatalf("BuildQuote failed: %v", err)
		}

		if quote.Subtotal != 13000 {
			t.Errorf("expected subtotal 13000, got %d", quote.Subtotal)
		}
		if quote.ServiceFee != 520 {
			t.Errorf("expected service fee 520, got %d", quote.ServiceFee)
		}
		if quote.Total != 13520 {
			t.Errorf("expected total 13520, got %d", quote.Total)
		}

		var paid int64
		for _, p := range quote.TicketPrices {
			paid += p
		}
		if paid != quote.Total {
			t.Errorf("per-ticket prices sum to %d, want total %d", paid, quote.Total)
		}
	})

	t.Run("per-ticket shares sum to total with odd fee", func(t *testing.T) {
		tiers := testTiers()
		quote, err := svc.BuildQuote(testEvent(), tiers, []Line{
			{TierID: "tier-ga", Quantity: 3},
			{TierID: "tier-vip", Quantity: 2},
		}, time.Now())
		if err != nil {
			t.Fatalf("BuildQuote failed: %v", err)
		}

		if len(quote.TicketPrices) != 5 {
			t.Fatalf("expected 5 ticket prices, got %d", len(quote.TicketPrices))
		}

		var paid int64
		for _, p := range quote.TicketPrices {
			paid += p
		}
		if paid != quote.Total {
			t.Errorf("per-ticket prices sum to %d, want total %d", paid, quote.Total)
		}

		// Each ticket must carry at least its face value.
		for i, p := range quote.TicketPrices {
			if p < quote.TicketFaces[i] {
				t.Errorf("ticket %d paid %d below face %d", i, p, quote.TicketFaces[i])
			}
		}
	})

	t.Run("event fee override", func(t *testing.T) {
		event := testEvent()
		event.ServiceFeePct = 0
		quote, err := svc.BuildQuote(event, testTiers(), []Line{
			{TierID: "tier-ga", Quantity: 2},
		}, time.Now())
		if err != nil {
			t.Fatalf("BuildQuote failed: %v", err)
		}
		if quote.ServiceFee != 0 {
			t.Errorf("expected zero fee with 0%% override, got %d", quote.ServiceFee)
		}
		if quote.Total != 9000 {
			t.Errorf("expected total 9000, got %d", quote.Total)
		}
	})
}

func TestValidateReservation(t *testing.T) {
	svc := NewService(4.0)
	now := time.Now()

	cases := []struct {
		name     string
		mutate   func(e *data.Event, tiers map[string]data.Tier)
		lines    []Line
		wantKind fault.Kind
		wantCode string
	}{
		{
			name:     "draft event rejected",
			mutate:   func(e *data.Event, _ map[string]data.Tier) { e.Status = data.EventDraft },
			lines:    []Line{{TierID: "tier-ga", Quantity: 1}},
			wantKind: fault.StateConflict,
			wantCode: "event_not_on_sale",
		},
		{
			name:     "sale window not started",
			mutate:   func(e *data.Event, _ map[string]data.Tier) { e.SaleStartsAt = now.Add(time.Hour) },
			lines:    []Line{{TierID: "tier-ga", Quantity: 1}},
			wantKind: fault.StateConflict,
			wantCode: "sale_not_started",
		},
		{
			name:     "sale window ended",
			mutate:   func(e *data.Event, _ map[string]data.Tier) { e.SaleEndsAt = now.Add(-time.Hour) },
			lines:    []Line{{TierID: "tier-ga", Quantity: 1}},
			wantKind: fault.StateConflict,
			wantCode: "sale_ended",
		},
		{
			name:     "empty order",
			mutate:   func(_ *data.Event, _ map[string]data.Tier) {},
			lines:    nil,
			wantKind: fault.Validation,
			wantCode: "empty_order",
		},
		{
			name:     "zero quantity",
			mutate:   func(_ *data.Event, _ map[string]data.Tier) {},
			lines:    []Line{{TierID: "tier-ga", Quantity: 0}},
			wantKind: fault.Validation,
			wantCode: "invalid_quantity",
		},
		{
			name:     "unknown tier",
			mutate:   func(_ *data.Event, _ map[string]data.Tier) {},
			lines:    []Line{{TierID: "tier-nope", Quantity: 1}},
			wantKind: fault.NotFound,
			wantCode: "tier_not_found",
		},
		{
			name: "paused tier",
			mutate: func(_ *data.Event, tiers map[string]data.Tier) {
				tier := tiers["tier-ga"]
				tier.Status = data.TierPaused
				tiers["tier-ga"] = tier
			},
			lines:    []Line{{TierID: "tier-ga", Quantity: 1}},
			wantKind: fault.StateConflict,
			wantCode: "tier_unavailable",
		},
		{
			name:     "max per order exceeded",
			mutate:   func(_ *data.Event, _ map[string]data.Tier) {},
			lines:    []Line{{TierID: "tier-vip", Quantity: 5}},
			wantKind: fault.Validation,
			wantCode: "max_per_order_exceeded",
		},
		{
			name: "advisory capacity exceeded",
			mutate: func(_ *data.Event, tiers map[string]data.Tier) {
				tier := tiers["tier-ga"]
				tier.QuantitySold = 98
				tiers["tier-ga"] = tier
			},
			lines:    []Line{{TierID: "tier-ga", Quantity: 3}},
			wantKind: fault.StateConflict,
			wantCode: "insufficient_capacity",
		},
		{
			name:     "duplicate tier lines",
			mutate:   func(_ *data.Event, _ map[string]data.Tier) {},
			lines:    []Line{{TierID: "tier-ga", Quantity: 1}, {TierID: "tier-ga", Quantity: 2}},
			wantKind: fault.Validation,
			wantCode: "duplicate_tier",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event := testEvent()
			tiers := testTiers()
			tc.mutate(event, tiers)

			err := svc.ValidateReservation(event, tiers, tc.lines, now)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if kind := fault.KindOf(err); kind != tc.wantKind {
				t.Errorf("expected kind %s, got %s", tc.wantKind, kind)
			}
			if code := fault.CodeOf(err); code != tc.wantCode {
				t.Errorf("expected code %s, got %s", tc.wantCode, code)
			}
		})
	}

	t.Run("valid reservation passes", func(t *testing.T) {
		err := svc.ValidateReservation(testEvent(), testTiers(), []Line{
			{TierID: "tier-ga", Quantity: 2},
			{TierID: "tier-vip", Quantity: 1},
		}, now)
		if err != nil {
			t.Fatalf("expected valid reservation, got %v", err)
		}
	})
}

func TestApportion(t *testing.T) {
	t.Run("shares sum to fee", func(t *testing.T) {
		faces := []int64{4500, 4500, 8500}
		shares := apportion(700, faces)

		var sum int64
		for _, s := range shares {
			sum += s
		}
		if sum != 700 {
			t.Errorf("shares sum to %d, want 700", sum)
		}
	})

	t.Run("zero fee", func(t *testing.T) {
		shares := apportion(0, []int64{1000, 2000})
		for i, s := range shares {
			if s != 0 {
				t.Errorf("share %d = %d, want 0", i, s)
			}
		}
	})

	t.Run("free tickets split evenly", func(t *testing.T) {
		shares := apportion(10, []int64{0, 0, 0})
		var sum int64
		for _, s := range shares {
			sum += s
		}
		if sum != 10 {
			t.Errorf("shares sum to %d, want 10", sum)
		}
	})
}
