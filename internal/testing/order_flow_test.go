// order_flow_test.go - end-to-end purchase and fulfillment over HTTP
package testing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"boxoffice/internal/data"
	"boxoffice/internal/inventory"
)

type apiEnvelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"request_id"`
}

type placedOrder struct {
	OrderNumber string `json:"orderNumber"`
	AccessToken string `json:"accessToken"`
	Subtotal    int64  `json:"subtotal"`
	ServiceFee  int64  `json:"serviceFee"`
	Total       int64  `json:"total"`
	ChargeRef   string `json:"chargeRef"`
	Status      string `json:"status"`
}

type orderDetails struct {
	OrderNumber   string `json:"orderNumber"`
	Status        string `json:"status"`
	Subtotal      int64  `json:"subtotal"`
	ServiceFee    int64  `json:"serviceFee"`
	Total         int64  `json:"total"`
	FailureReason string `json:"failureReason"`
	Tickets       []struct {
		TicketNumber string `json:"ticketNumber"`
		ScanToken    string `json:"scanToken"`
		TierID       string `json:"tierId"`
		FaceValue    int64  `json:"faceValue"`
		PricePaid    int64  `json:"pricePaid"`
		Status       string `json:"status"`
	} `json:"tickets"`
}

func (ts *TestSuite) postWebhook(t *testing.T, chargeRef, outcome string) *http.Response {
	t.Helper()

	body, _ := json.Marshal(map[string]string{
		"chargeRef": chargeRef,
		"outcome":   outcome,
	})
	req, err := http.NewRequest(http.MethodPost, ts.Server.URL+"/api/payment-webhook", bytes.NewReader(body))
	ts.AssertNoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Provider-Transmission-Id", "test-transmission")
	req.Header.Set("Provider-Transmission-Sig", "test-sig")
	req.Header.Set("Provider-Transmission-Time", time.Now().Format(time.RFC3339))

	resp, err := ts.Client.Do(req)
	ts.AssertNoError(t, err)
	return resp
}

func TestOrderFulfillmentFlow(t *testing.T) {
	suite := NewTestSuite(t)
	suite.StartServer(t)

	event := suite.SeedEvent(t)
	general := suite.SeedTier(t, event.ID, "General", 6500, 100)
	vip := suite.SeedTier(t, event.ID, "VIP", 15000, 10)

	var placed placedOrder

	t.Run("PlaceOrder", func(t *testing.T) {
		resp, err := suite.MakeAPIRequest(http.MethodPost, "/api/orders", map[string]interface{}{
			"eventId":    event.ID,
			"buyerName":  "Dana Whitfield",
			"buyerEmail": "dana@example.com",
			"lines": []inventory.Line{
				{TierID: general.ID, Quantity: 2},
				{TierID: vip.ID, Quantity: 1},
			},
		}, "")
		suite.AssertNoError(t, err)
		suite.AssertStatusCode(t, resp, http.StatusOK)

		var env apiEnvelope
		suite.AssertNoError(t, suite.ParseJSONResponse(resp, &env))
		suite.AssertNoError(t, json.Unmarshal(env.Data, &placed))

		if placed.Status != data.OrderPending {
			t.Errorf("Expected pending order, got %s", placed.Status)
		}
		if placed.Subtotal != 28000 {
			t.Errorf("Expected subtotal 28000, got %d", placed.Subtotal)
		}
		if placed.ServiceFee != 1120 {
			t.Errorf("Expected 4%% service fee of 1120, got %d", placed.ServiceFee)
		}
		if placed.Total != 29120 {
			t.Errorf("Expected total 29120, got %d", placed.Total)
		}
		if placed.ChargeRef == "" {
			t.Error("Expected a charge reference on the placed order")
		}
		if placed.AccessToken == "" {
			t.Error("Expected an access token on the placed order")
		}
	})

	t.Run("WebhookCompletesOrder", func(t *testing.T) {
		resp := suite.postWebhook(t, placed.ChargeRef, "succeeded")
		defer resp.Body.Close()
		suite.AssertStatusCode(t, resp, http.StatusOK)

		ord, err := data.GetOrderByID(placed.OrderNumber)
		suite.AssertNoError(t, err)
		if ord.Status != data.OrderCompleted {
			t.Fatalf("Expected completed order after webhook, got %s", ord.Status)
		}
	})

	t.Run("WebhookRedeliveryIsIdempotent", func(t *testing.T) {
		before, err := data.NewTicketRepository().CountByOrder(placed.OrderNumber)
		suite.AssertNoError(t, err)

		resp := suite.postWebhook(t, placed.ChargeRef, "succeeded")
		defer resp.Body.Close()
		suite.AssertStatusCode(t, resp, http.StatusOK)

		after, err := data.NewTicketRepository().CountByOrder(placed.OrderNumber)
		suite.AssertNoError(t, err)
		if after != before {
			t.Errorf("Redelivery minted tickets: %d before, %d after", before, after)
		}
	})

	t.Run("UnknownChargeRefAcknowledged", func(t *testing.T) {
		resp := suite.postWebhook(t, "CH-does-not-exist", "succeeded")
		defer resp.Body.Close()
		suite.AssertStatusCode(t, resp, http.StatusOK)
	})

	t.Run("OrderDetailsListTickets", func(t *testing.T) {
		resp, err := suite.MakeAPIRequest(http.MethodGet,
			"/api/order-details?orderNumber="+placed.OrderNumber, nil, placed.AccessToken)
		suite.AssertNoError(t, err)
		suite.AssertStatusCode(t, resp, http.StatusOK)

		var env apiEnvelope
		suite.AssertNoError(t, suite.ParseJSONResponse(resp, &env))
		var details orderDetails
		suite.AssertNoError(t, json.Unmarshal(env.Data, &details))

		if details.Status != data.OrderCompleted {
			t.Errorf("Expected completed order, got %s", details.Status)
		}
		if len(details.Tickets) != 3 {
			t.Fatalf("Expected 3 tickets, got %d", len(details.Tickets))
		}

		var paid int64
		seen := make(map[string]bool)
		for _, tkt := range details.Tickets {
			paid += tkt.PricePaid
			if seen[tkt.ScanToken] {
				t.Errorf("Duplicate scan token %s", tkt.ScanToken)
			}
			seen[tkt.ScanToken] = true
			if tkt.Status != data.TicketValid {
				t.Errorf("Expected valid ticket, got %s", tkt.Status)
			}
		}
		if paid != details.Total {
			t.Errorf("Ticket prices sum to %d, want total %d", paid, details.Total)
		}
	})

	t.Run("WrongTokenDenied", func(t *testing.T) {
		other := suite.PlaceOrder(t, event.ID, []inventory.Line{{TierID: general.ID, Quantity: 1}}, "other@example.com")

		resp, err := suite.MakeAPIRequest(http.MethodGet,
			"/api/order-details?orderNumber="+placed.OrderNumber, nil, other.AccessToken)
		suite.AssertNoError(t, err)
		suite.AssertStatusCode(t, resp, http.StatusForbidden)
		resp.Body.Close()
	})

	t.Run("CountersAdvancedOnce", func(t *testing.T) {
		ev, err := data.GetEventByID(event.ID)
		suite.AssertNoError(t, err)
		if ev.TicketsSold != 3 {
			t.Errorf("Expected 3 tickets sold on event, got %d", ev.TicketsSold)
		}
		if ev.TotalRevenue != 29120 {
			t.Errorf("Expected total revenue 29120, got %d", ev.TotalRevenue)
		}
		if ev.OrganizerRevenue+ev.PlatformRevenue != ev.TotalRevenue {
			t.Errorf("Revenue split %d + %d does not equal total %d",
				ev.OrganizerRevenue, ev.PlatformRevenue, ev.TotalRevenue)
		}
	})
}

func TestPlaceOrderRejections(t *testing.T) {
	suite := NewTestSuite(t)
	suite.StartServer(t)

	event := suite.SeedEvent(t)
	tier := suite.SeedTier(t, event.ID, "General", 5000, 4)

	cases := []struct {
		name       string
		body       map[string]interface{}
		wantStatus int
	}{
		{
			name: "MissingBuyer",
			body: map[string]interface{}{
				"eventId": event.ID,
				"lines":   []inventory.Line{{TierID: tier.ID, Quantity: 1}},
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "EmptyLines",
			body: map[string]interface{}{
				"eventId":    event.ID,
				"buyerName":  "A Buyer",
				"buyerEmail": "empty@example.com",
				"lines":      []inventory.Line{},
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "OverCapacity",
			body: map[string]interface{}{
				"eventId":    event.ID,
				"buyerName":  "A Buyer",
				"buyerEmail": "greedy@example.com",
				"lines":      []inventory.Line{{TierID: tier.ID, Quantity: 5}},
			},
			wantStatus: http.StatusConflict,
		},
		{
			name: "StaleDisplayedTotal",
			body: map[string]interface{}{
				"eventId":        event.ID,
				"buyerName":      "A Buyer",
				"buyerEmail":     "stale@example.com",
				"lines":          []inventory.Line{{TierID: tier.ID, Quantity: 1}},
				"displayedTotal": 4999,
			},
			wantStatus: http.StatusConflict,
		},
		{
			name: "UnknownTier",
			body: map[string]interface{}{
				"eventId":    event.ID,
				"buyerName":  "A Buyer",
				"buyerEmail": "lost@example.com",
				"lines":      []inventory.Line{{TierID: "tier-nope", Quantity: 1}},
			},
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := suite.MakeAPIRequest(http.MethodPost, "/api/orders", tc.body, "")
			suite.AssertNoError(t, err)
			suite.AssertStatusCode(t, resp, tc.wantStatus)
			resp.Body.Close()
		})
	}

	t.Run("RapidResubmissionThrottled", func(t *testing.T) {
		body := map[string]interface{}{
			"eventId":    event.ID,
			"buyerName":  "A Buyer",
			"buyerEmail": "eager@example.com",
			"lines":      []inventory.Line{{TierID: tier.ID, Quantity: 1}},
		}
		resp, err := suite.MakeAPIRequest(http.MethodPost, "/api/orders", body, "")
		suite.AssertNoError(t, err)
		suite.AssertStatusCode(t, resp, http.StatusOK)
		resp.Body.Close()

		resp, err = suite.MakeAPIRequest(http.MethodPost, "/api/orders", body, "")
		suite.AssertNoError(t, err)
		suite.AssertStatusCode(t, resp, http.StatusTooManyRequests)
		resp.Body.Close()
	})

	t.Run("ChargeSubmissionFailureFailsOrder", func(t *testing.T) {
		suite.Charges.ShouldFail = true
		defer func() { suite.Charges.ShouldFail = false }()

		resp, err := suite.MakeAPIRequest(http.MethodPost, "/api/orders", map[string]interface{}{
			"eventId":    event.ID,
			"buyerName":  "A Buyer",
			"buyerEmail": "declined@example.com",
			"lines":      []inventory.Line{{TierID: tier.ID, Quantity: 1}},
		}, "")
		suite.AssertNoError(t, err)
		suite.AssertStatusCode(t, resp, http.StatusBadGateway)
		resp.Body.Close()
	})
}

func TestFailedOutcomeAndCapacityCompensation(t *testing.T) {
	suite := NewTestSuite(t)
	suite.StartServer(t)

	event := suite.SeedEvent(t)
	tier := suite.SeedTier(t, event.ID, "Floor", 8000, 10)

	// Consume 9 of 10 units so two pending orders contend for the last one.
	bulk := suite.PlaceOrder(t, event.ID, []inventory.Line{{TierID: tier.ID, Quantity: 9}}, "bulk@example.com")
	suite.FulfillOrder(t, bulk)

	first := suite.PlaceOrder(t, event.ID, []inventory.Line{{TierID: tier.ID, Quantity: 1}}, "first@example.com")
	second := suite.PlaceOrder(t, event.ID, []inventory.Line{{TierID: tier.ID, Quantity: 1}}, "second@example.com")

	t.Run("FailedOutcomeMarksOrder", func(t *testing.T) {
		resp := suite.postWebhook(t, first.ChargeRef, "failed")
		defer resp.Body.Close()
		suite.AssertStatusCode(t, resp, http.StatusOK)

		ord, err := data.GetOrderByID(first.ID)
		suite.AssertNoError(t, err)
		if ord.Status != data.OrderFailed {
			t.Fatalf("Expected failed order, got %s", ord.Status)
		}

		count, err := data.NewTicketRepository().CountByOrder(first.ID)
		suite.AssertNoError(t, err)
		if count != 0 {
			t.Errorf("Failed order minted %d tickets", count)
		}
	})

	t.Run("LastUnitGoesToOneOrder", func(t *testing.T) {
		resp := suite.postWebhook(t, second.ChargeRef, "succeeded")
		defer resp.Body.Close()
		suite.AssertStatusCode(t, resp, http.StatusOK)

		tiers, err := data.GetTiersByEvent(event.ID)
		suite.AssertNoError(t, err)
		if len(tiers) != 1 {
			t.Fatalf("Expected 1 tier, got %d", len(tiers))
		}
		if tiers[0].QuantitySold != 10 {
			t.Errorf("Expected 10 units sold, got %d", tiers[0].QuantitySold)
		}
		if tiers[0].Status != data.TierSoldOut {
			t.Errorf("Expected tier marked sold out, got %s", tiers[0].Status)
		}
	})

	t.Run("OversoldOrderRefunded", func(t *testing.T) {
		// A third buyer sneaks a pending order past validation by racing the
		// second order's fulfillment. Simulate by inserting it directly.
		third := data.Order{
			ID:          "ORD-TEST-OVERSOLD",
			EventID:     event.ID,
			BuyerName:   "Late Buyer",
			BuyerEmail:  "late@example.com",
			Subtotal:    8000,
			ServiceFee:  320,
			Total:       8320,
			Status:      data.OrderPending,
			AccessToken: "test-token-oversold",
			CreatedAt:   time.Now().UTC(),
			Items: []data.OrderItem{
				{OrderID: "ORD-TEST-OVERSOLD", TierID: tier.ID, Quantity: 1, UnitPrice: 8000},
			},
		}
		suite.AssertNoError(t, data.InsertOrder(third))
		suite.AssertNoError(t, data.NewOrderRepository().SetChargeRef(third.ID, "CH-oversold"))

		resp := suite.postWebhook(t, "CH-oversold", "succeeded")
		defer resp.Body.Close()
		suite.AssertStatusCode(t, resp, http.StatusOK)

		ord, err := data.GetOrderByID(third.ID)
		suite.AssertNoError(t, err)
		if ord.Status != data.OrderFailed {
			t.Fatalf("Expected oversold order to fail, got %s", ord.Status)
		}

		pending, err := data.NewRefundRepository().GetUnsettled(10)
		suite.AssertNoError(t, err)
		found := false
		for _, rf := range pending {
			if rf.ChargeRef == "CH-oversold" && rf.Amount == 8320 {
				found = true
			}
		}
		if !found {
			t.Fatal("Expected a queued refund for the oversold charge")
		}
	})
}

func TestCompleteOrderFallback(t *testing.T) {
	suite := NewTestSuite(t)
	suite.StartServer(t)

	event := suite.SeedEvent(t)
	tier := suite.SeedTier(t, event.ID, "General", 3000, 20)

	ord := suite.PlaceOrder(t, event.ID, []inventory.Line{{TierID: tier.ID, Quantity: 2}}, "fallback@example.com")

	completeOrder := func(t *testing.T, ord *data.Order) *http.Response {
		t.Helper()
		resp, err := suite.MakeAPIRequest(http.MethodPost, "/api/orders/complete", map[string]string{
			"orderNumber": ord.ID,
		}, ord.AccessToken)
		suite.AssertNoError(t, err)
		return resp
	}

	t.Run("PendingChargeNotCompleted", func(t *testing.T) {
		// The provider has not settled the charge; the buyer's token alone
		// must not complete the order.
		resp := completeOrder(t, ord)
		defer resp.Body.Close()
		suite.AssertStatusCode(t, resp, http.StatusConflict)

		stored, err := data.GetOrderByID(ord.ID)
		suite.AssertNoError(t, err)
		if stored.Status != data.OrderPending {
			t.Fatalf("Expected order still pending, got %s", stored.Status)
		}
		count, err := data.NewTicketRepository().CountByOrder(ord.ID)
		suite.AssertNoError(t, err)
		if count != 0 {
			t.Errorf("Unsettled charge minted %d tickets", count)
		}
	})

	t.Run("SettledChargeCompletes", func(t *testing.T) {
		suite.Charges.SetOutcome(ord.ChargeRef, "succeeded", "")

		time.Sleep(2100 * time.Millisecond) // per-token rate limit
		resp := completeOrder(t, ord)
		suite.AssertStatusCode(t, resp, http.StatusOK)

		var env apiEnvelope
		suite.AssertNoError(t, suite.ParseJSONResponse(resp, &env))

		stored, err := data.GetOrderByID(ord.ID)
		suite.AssertNoError(t, err)
		if stored.Status != data.OrderCompleted {
			t.Fatalf("Expected completed order after fallback completion, got %s", stored.Status)
		}

		count, err := data.NewTicketRepository().CountByOrder(ord.ID)
		suite.AssertNoError(t, err)
		if count != 2 {
			t.Errorf("Expected 2 tickets, got %d", count)
		}
	})

	t.Run("LaterWebhookIsNoOp", func(t *testing.T) {
		whResp := suite.postWebhook(t, ord.ChargeRef, "succeeded")
		defer whResp.Body.Close()
		suite.AssertStatusCode(t, whResp, http.StatusOK)

		count, err := data.NewTicketRepository().CountByOrder(ord.ID)
		suite.AssertNoError(t, err)
		if count != 2 {
			t.Errorf("Webhook after fallback minted tickets: got %d", count)
		}
	})

	t.Run("DeclinedChargeFailsOrder", func(t *testing.T) {
		declined := suite.PlaceOrder(t, event.ID, []inventory.Line{{TierID: tier.ID, Quantity: 1}}, "declined-fallback@example.com")
		suite.Charges.SetOutcome(declined.ChargeRef, "failed", "instrument_declined")

		resp := completeOrder(t, declined)
		defer resp.Body.Close()
		suite.AssertStatusCode(t, resp, http.StatusOK)

		stored, err := data.GetOrderByID(declined.ID)
		suite.AssertNoError(t, err)
		if stored.Status != data.OrderFailed {
			t.Fatalf("Expected declined charge to fail the order, got %s", stored.Status)
		}
		if stored.FailureReason != "instrument_declined" {
			t.Errorf("Expected failure reason carried through, got %q", stored.FailureReason)
		}
		count, err := data.NewTicketRepository().CountByOrder(declined.ID)
		suite.AssertNoError(t, err)
		if count != 0 {
			t.Errorf("Declined charge minted %d tickets", count)
		}
	})
}

func TestOrderReaper(t *testing.T) {
	suite := NewTestSuite(t)

	event := suite.SeedEvent(t)
	tier := suite.SeedTier(t, event.ID, "General", 2500, 50)

	stale := suite.PlaceOrder(t, event.ID, []inventory.Line{{TierID: tier.ID, Quantity: 1}}, "stale@example.com")
	fresh := suite.PlaceOrder(t, event.ID, []inventory.Line{{TierID: tier.ID, Quantity: 1}}, "fresh@example.com")

	// Age the stale order past the retention window.
	old := time.Now().Add(-48 * time.Hour).UTC().Format(data.TimeFormat)
	_, err := suite.DB.Exec(`UPDATE orders SET created_at = ? WHERE id = ?`, old, stale.ID)
	suite.AssertNoError(t, err)

	expired, err := data.NewOrderRepository().ExpireStalePending(time.Now().Add(-24*time.Hour), 25)
	suite.AssertNoError(t, err)
	if expired != 1 {
		t.Fatalf("Expected 1 expired order, got %d", expired)
	}

	staleOrd, err := data.GetOrderByID(stale.ID)
	suite.AssertNoError(t, err)
	if staleOrd.Status != data.OrderFailed {
		t.Errorf("Expected stale order failed, got %s", staleOrd.Status)
	}

	freshOrd, err := data.GetOrderByID(fresh.ID)
	suite.AssertNoError(t, err)
	if freshOrd.Status != data.OrderPending {
		t.Errorf("Expected fresh order untouched, got %s", freshOrd.Status)
	}

	// An expired order can no longer be completed.
	err = suite.Fulfillment.HandleOutcome(context.Background(), stale.ChargeRef, "succeeded", "")
	suite.AssertError(t, err)
}
