// fulfillment_race_test.go - fulfillment under genuinely concurrent outcomes
package testing

import (
	"context"
	"sync"
	"testing"

	"boxoffice/internal/data"
	"boxoffice/internal/fault"
	"boxoffice/internal/inventory"
)

func TestConcurrentLastUnitRace(t *testing.T) {
	suite := NewTestSuite(t)

	event := suite.SeedEvent(t)
	tier := suite.SeedTier(t, event.ID, "Floor", 8000, 10)

	bulk := suite.PlaceOrder(t, event.ID, []inventory.Line{{TierID: tier.ID, Quantity: 9}}, "bulk-race@example.com")
	suite.FulfillOrder(t, bulk)

	// Two pending orders hold a reservation for the single remaining unit;
	// their success outcomes land at the same time.
	first := suite.PlaceOrder(t, event.ID, []inventory.Line{{TierID: tier.ID, Quantity: 1}}, "first-race@example.com")
	second := suite.PlaceOrder(t, event.ID, []inventory.Line{{TierID: tier.ID, Quantity: 1}}, "second-race@example.com")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, ord := range []*data.Order{first, second} {
		wg.Add(1)
		go func(i int, chargeRef string) {
			defer wg.Done()
			errs[i] = suite.Fulfillment.HandleOutcome(context.Background(), chargeRef, "succeeded", "")
		}(i, ord.ChargeRef)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil && !fault.Is(err, fault.DuplicateOutcome) {
			t.Fatalf("Outcome %d returned unexpected error: %v", i, err)
		}
	}

	tiers, err := data.GetTiersByEvent(event.ID)
	suite.AssertNoError(t, err)
	if tiers[0].QuantitySold != 10 {
		t.Fatalf("Expected quantity_sold 10, got %d", tiers[0].QuantitySold)
	}
	if tiers[0].Status != data.TierSoldOut {
		t.Errorf("Expected tier sold out, got %s", tiers[0].Status)
	}

	completed, failed := 0, 0
	var loser *data.Order
	for _, ord := range []*data.Order{first, second} {
		stored, err := data.GetOrderByID(ord.ID)
		suite.AssertNoError(t, err)
		switch stored.Status {
		case data.OrderCompleted:
			completed++
		case data.OrderFailed:
			failed++
			loser = ord
		default:
			t.Errorf("Order %s left in status %s", ord.ID, stored.Status)
		}
	}
	if completed != 1 || failed != 1 {
		t.Fatalf("Expected exactly one completed and one failed order, got %d/%d", completed, failed)
	}

	refunds, err := data.NewRefundRepository().GetUnsettled(10)
	suite.AssertNoError(t, err)
	if len(refunds) != 1 {
		t.Fatalf("Expected exactly one queued refund, got %d", len(refunds))
	}
	if refunds[0].ChargeRef != loser.ChargeRef || refunds[0].Amount != loser.Total {
		t.Errorf("Refund queued for %s/%d, want %s/%d",
			refunds[0].ChargeRef, refunds[0].Amount, loser.ChargeRef, loser.Total)
	}
}

func TestConcurrentDuplicateDelivery(t *testing.T) {
	suite := NewTestSuite(t)

	event := suite.SeedEvent(t)
	tier := suite.SeedTier(t, event.ID, "General", 5000, 20)
	ord := suite.PlaceOrder(t, event.ID, []inventory.Line{{TierID: tier.ID, Quantity: 3}}, "dup-race@example.com")

	// The provider redelivers the same outcome from several workers at once.
	const deliveries = 6
	var wg sync.WaitGroup
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = suite.Fulfillment.HandleOutcome(context.Background(), ord.ChargeRef, "succeeded", "")
		}(i)
	}
	wg.Wait()

	applied := 0
	for i, err := range errs {
		switch {
		case err == nil:
			applied++
		case fault.Is(err, fault.DuplicateOutcome):
		default:
			t.Fatalf("Delivery %d returned unexpected error: %v", i, err)
		}
	}
	if applied != 1 {
		t.Fatalf("Expected exactly one delivery to apply, got %d", applied)
	}

	count, err := data.NewTicketRepository().CountByOrder(ord.ID)
	suite.AssertNoError(t, err)
	if count != 3 {
		t.Fatalf("Expected exactly 3 tickets, got %d", count)
	}

	ev, err := data.GetEventByID(event.ID)
	suite.AssertNoError(t, err)
	if ev.TicketsSold != 3 {
		t.Errorf("Expected event counters advanced once (3 sold), got %d", ev.TicketsSold)
	}

	tiers, err := data.GetTiersByEvent(event.ID)
	suite.AssertNoError(t, err)
	if tiers[0].QuantitySold != 3 {
		t.Errorf("Expected tier quantity_sold 3, got %d", tiers[0].QuantitySold)
	}
}
