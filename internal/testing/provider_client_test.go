// provider_client_test.go - real provider HTTP client against the mock API
package testing

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"boxoffice/internal/data"
	"boxoffice/internal/payment"
)

func TestProviderClientChargeAndRefund(t *testing.T) {
	suite := NewTestSuite(t)
	provider := NewMockProvider(t)

	client := payment.NewProviderClient()
	ctx := context.Background()

	var chargeRef string

	t.Run("ChargeCapture", func(t *testing.T) {
		result, err := client.RequestCharge(ctx, payment.ChargeRequest{
			OrderID:     "ORD-TEST-PROVIDER",
			Amount:      12500,
			Currency:    "USD",
			Description: "2x General",
			BuyerEmail:  "provider@example.com",
		})
		suite.AssertNoError(t, err)
		if result.ChargeRef == "" {
			t.Fatal("Expected a charge reference from the provider")
		}
		chargeRef = result.ChargeRef

		amount, ok := provider.ChargeAmount(chargeRef)
		if !ok || amount != 12500 {
			t.Errorf("Provider recorded amount %d (found=%v), want 12500", amount, ok)
		}
	})

	t.Run("TokenIsCached", func(t *testing.T) {
		before := provider.TokenRequests

		_, err := client.RequestCharge(ctx, payment.ChargeRequest{
			OrderID: "ORD-TEST-PROVIDER-2", Amount: 500, Currency: "USD",
		})
		suite.AssertNoError(t, err)

		if provider.TokenRequests != before {
			t.Errorf("Expected cached token to be reused, saw %d new token requests",
				provider.TokenRequests-before)
		}
	})

	t.Run("OutcomeLookup", func(t *testing.T) {
		outcome, _, err := client.GetChargeOutcome(ctx, chargeRef)
		suite.AssertNoError(t, err)
		if outcome != payment.OutcomePending {
			t.Errorf("Expected pending before settlement, got %s", outcome)
		}

		provider.SetChargeStatus(chargeRef, "COMPLETED")
		outcome, _, err = client.GetChargeOutcome(ctx, chargeRef)
		suite.AssertNoError(t, err)
		if outcome != payment.OutcomeSucceeded {
			t.Errorf("Expected succeeded after settlement, got %s", outcome)
		}

		provider.SetChargeStatus(chargeRef, "DECLINED")
		outcome, reason, err := client.GetChargeOutcome(ctx, chargeRef)
		suite.AssertNoError(t, err)
		if outcome != payment.OutcomeFailed || reason != "instrument_declined" {
			t.Errorf("Expected failed/instrument_declined, got %s/%s", outcome, reason)
		}

		provider.SetChargeStatus(chargeRef, "COMPLETED")
	})

	t.Run("Refund", func(t *testing.T) {
		suite.AssertNoError(t, client.Refund(ctx, chargeRef, 12500))

		amount, ok := provider.RefundAmount(chargeRef)
		if !ok || amount != 12500 {
			t.Errorf("Provider recorded refund %d (found=%v), want 12500", amount, ok)
		}
	})

	t.Run("DeclinedChargeSurfacesFault", func(t *testing.T) {
		provider.FailCharges = true
		defer func() { provider.FailCharges = false }()

		_, err := client.RequestCharge(ctx, payment.ChargeRequest{
			OrderID: "ORD-TEST-DECLINED", Amount: 100, Currency: "USD",
		})
		suite.AssertError(t, err)
	})
}

func TestRefundWorkerDrainsQueue(t *testing.T) {
	suite := NewTestSuite(t)

	enqueue := func(chargeRef string, amount int64) {
		err := data.WithTx(context.Background(), func(tx *sql.Tx) error {
			return data.NewRefundRepository().EnqueueTx(tx, chargeRef, amount, "capacity_exhausted")
		})
		suite.AssertNoError(t, err)
	}
	enqueue("CH-refund-1", 4160)
	enqueue("CH-refund-2", 8320)

	worker := payment.NewRefundWorker(suite.Charges, time.Minute)
	worker.RunOnce(context.Background())

	pending, err := data.NewRefundRepository().GetUnsettled(10)
	suite.AssertNoError(t, err)
	if len(pending) != 0 {
		t.Fatalf("Expected empty refund queue, %d rows remain", len(pending))
	}

	for _, ref := range []string{"CH-refund-1", "CH-refund-2"} {
		if _, ok := suite.Charges.RefundedAmount(ref); !ok {
			t.Errorf("Refund for %s never reached the provider", ref)
		}
	}
}

func TestRefundWorkerKeepsFailedAttemptsQueued(t *testing.T) {
	suite := NewTestSuite(t)

	err := data.WithTx(context.Background(), func(tx *sql.Tx) error {
		return data.NewRefundRepository().EnqueueTx(tx, "CH-stubborn", 2000, "capacity_exhausted")
	})
	suite.AssertNoError(t, err)

	worker := payment.NewRefundWorker(suite.Charges, time.Minute)

	suite.Charges.ShouldFail = true
	worker.RunOnce(context.Background())

	pending, err := data.NewRefundRepository().GetUnsettled(10)
	suite.AssertNoError(t, err)
	if len(pending) != 1 {
		t.Fatalf("Expected failed refund to stay queued, got %d rows", len(pending))
	}

	// The next pass settles it once the provider recovers.
	suite.Charges.ShouldFail = false
	worker.RunOnce(context.Background())

	pending, err = data.NewRefundRepository().GetUnsettled(10)
	suite.AssertNoError(t, err)
	if len(pending) != 0 {
		t.Fatalf("Expected refund settled after retry, %d rows remain", len(pending))
	}
}
