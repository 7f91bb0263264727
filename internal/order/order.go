// internal/order/order.go
package order

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"boxoffice/internal/data"
	"boxoffice/internal/fault"
	"boxoffice/internal/fulfillment"
	"boxoffice/internal/inventory"
	"boxoffice/internal/logger"
	"boxoffice/internal/middleware"
	"boxoffice/internal/payment"
	"boxoffice/internal/security"
)

const orderNumberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Duplicate submission guard
var (
	recentSubmissions = make(map[string]time.Time)
	recentMu          sync.Mutex
	duplicateWindow   = time.Second * 10
)

// Service owns the buyer-facing order lifecycle: placement, lookup, and the
// fallback completion path used when the webhook is delayed.
type Service struct {
	inventory   *inventory.Service
	charges     payment.ChargeClient
	fulfillment *fulfillment.Service
	orders      *data.OrderRepository
	events      *data.EventRepository
	tiers       *data.TierRepository
	tickets     *data.TicketRepository
}

func NewService(inv *inventory.Service, charges payment.ChargeClient, ff *fulfillment.Service) *Service {
	return &Service{
		inventory:   inv,
		charges:     charges,
		fulfillment: ff,
		orders:      data.NewOrderRepository(),
		events:      data.NewEventRepository(),
		tiers:       data.NewTierRepository(),
		tickets:     data.NewTicketRepository(),
	}
}

// GenerateOrderNumber creates a unique human-readable order number like
// ORD-20260830-142512-8IVFQ2.
func GenerateOrderNumber() (string, error) {
	suffix := make([]byte, 6)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(orderNumberAlphabet))))
		if err != nil {
			return "", fmt.Errorf("failed to generate order number: %w", err)
		}
		suffix[i] = orderNumberAlphabet[n.Int64()]
	}
	return fmt.Sprintf("ORD-%s-%s", time.Now().UTC().Format("20060102-150405"), string(suffix)), nil
}

// =============================================================================
// ORDER PLACEMENT
// =============================================================================

type placeOrderRequest struct {
	EventID        string           `json:"eventId"`
	BuyerName      string           `json:"buyerName"`
	BuyerEmail     string           `json:"buyerEmail"`
	Lines          []inventory.Line `json:"lines"`
	DisplayedTotal int64            `json:"displayedTotal,omitempty"`
}

type placeOrderResponse struct {
	OrderNumber string `json:"orderNumber"`
	AccessToken string `json:"accessToken"`
	Subtotal    int64  `json:"subtotal"`
	ServiceFee  int64  `json:"serviceFee"`
	Total       int64  `json:"total"`
	ChargeRef   string `json:"chargeRef"`
	Status      string `json:"status"`
}

// PlaceOrderHandler validates a reservation, records a pending order, and
// submits the charge to the payment provider.
func (s *Service) PlaceOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := middleware.ParseJSONRequest(r, &req); err != nil {
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "invalid_request",
			"Invalid JSON request", err.Error())
		return
	}

	req.BuyerEmail = strings.TrimSpace(strings.ToLower(req.BuyerEmail))
	if req.EventID == "" || req.BuyerName == "" || req.BuyerEmail == "" {
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "missing_fields",
			"eventId, buyerName and buyerEmail are required", "")
		return
	}

	if isDuplicateSubmission(req.BuyerEmail + "|" + req.EventID) {
		middleware.WriteAPIError(w, r, http.StatusTooManyRequests, "duplicate_submission",
			"An identical order was just submitted. Please wait a moment.", "")
		return
	}

	event, err := s.events.GetByID(req.EventID)
	if err != nil {
		middleware.WriteFault(w, r, err)
		return
	}

	tierRows, err := s.tiers.GetByEvent(req.EventID)
	if err != nil {
		middleware.WriteFault(w, r, err)
		return
	}
	tiers := make(map[string]data.Tier, len(tierRows))
	for _, t := range tierRows {
		tiers[t.ID] = t
	}

	quote, err := s.inventory.BuildQuote(event, tiers, req.Lines, time.Now())
	if err != nil {
		middleware.WriteFault(w, r, err)
		return
	}

	// Tamper protection: the client's displayed total must match ours.
	if req.DisplayedTotal > 0 && req.DisplayedTotal != quote.Total {
		logger.LogWarn("Total mismatch for %s on event %s: client sent %d, server calculated %d",
			req.BuyerEmail, req.EventID, req.DisplayedTotal, quote.Total)
		middleware.WriteAPIError(w, r, http.StatusConflict, "total_mismatch",
			fmt.Sprintf("Displayed total %d does not match current price %d", req.DisplayedTotal, quote.Total), "")
		return
	}

	orderNumber, err := GenerateOrderNumber()
	if err != nil {
		middleware.WriteFault(w, r, err)
		return
	}
	accessToken, err := security.GenerateAccessToken()
	if err != nil {
		middleware.WriteFault(w, r, err)
		return
	}

	newOrder := data.Order{
		ID:          orderNumber,
		EventID:     req.EventID,
		BuyerName:   req.BuyerName,
		BuyerEmail:  req.BuyerEmail,
		Subtotal:    quote.Subtotal,
		ServiceFee:  quote.ServiceFee,
		Total:       quote.Total,
		Status:      data.OrderPending,
		AccessToken: accessToken,
		CreatedAt:   time.Now().UTC(),
	}
	for _, line := range quote.Lines {
		newOrder.Items = append(newOrder.Items, data.OrderItem{
			OrderID:   orderNumber,
			TierID:    line.TierID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}

	if err := s.orders.Insert(newOrder); err != nil {
		middleware.WriteFault(w, r, err)
		return
	}

	logger.LogInfo("Order %s placed for event %s (%s)", orderNumber, req.EventID, inventory.DescribeQuote(quote))

	charge, err := s.charges.RequestCharge(r.Context(), payment.ChargeRequest{
		OrderID:     orderNumber,
		Amount:      quote.Total,
		Currency:    "USD",
		Description: fmt.Sprintf("%s tickets", event.Name),
		BuyerEmail:  req.BuyerEmail,
	})
	if err != nil {
		if markErr := s.orders.MarkFailed(orderNumber, "charge_submission_failed"); markErr != nil {
			logger.LogError("Failed to mark order %s failed after charge error: %v", orderNumber, markErr)
		}
		middleware.WriteFault(w, r, err)
		return
	}

	if err := s.orders.SetChargeRef(orderNumber, charge.ChargeRef); err != nil {
		middleware.WriteFault(w, r, err)
		return
	}

	middleware.WriteAPISuccess(w, r, placeOrderResponse{
		OrderNumber: orderNumber,
		AccessToken: accessToken,
		Subtotal:    quote.Subtotal,
		ServiceFee:  quote.ServiceFee,
		Total:       quote.Total,
		ChargeRef:   charge.ChargeRef,
		Status:      data.OrderPending,
	})
}

// =============================================================================
// ORDER LOOKUP
// =============================================================================

type orderDetailsResponse struct {
	OrderNumber   string           `json:"orderNumber"`
	EventID       string           `json:"eventId"`
	BuyerName     string           `json:"buyerName"`
	BuyerEmail    string           `json:"buyerEmail"`
	Subtotal      int64            `json:"subtotal"`
	ServiceFee    int64            `json:"serviceFee"`
	Total         int64            `json:"total"`
	Status        string           `json:"status"`
	FailureReason string           `json:"failureReason,omitempty"`
	Tickets       []ticketResponse `json:"tickets,omitempty"`
}

type ticketResponse struct {
	TicketNumber string `json:"ticketNumber"`
	ScanToken    string `json:"scanToken"`
	TierID       string `json:"tierId"`
	FaceValue    int64  `json:"faceValue"`
	PricePaid    int64  `json:"pricePaid"`
	Status       string `json:"status"`
}

// OrderDetailsHandler returns an order and its tickets to the holder of the
// order's access token.
func (s *Service) OrderDetailsHandler(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("orderNumber")
	if orderID == "" {
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "missing_order_number",
			"orderNumber query parameter is required", "")
		return
	}

	ord, err := s.orders.GetByID(orderID)
	if err != nil {
		middleware.WriteFault(w, r, err)
		return
	}

	if ord.AccessToken != middleware.GetToken(r.Context()) {
		middleware.WriteAPIError(w, r, http.StatusForbidden, "access_denied",
			"Access denied to this order", "")
		return
	}

	resp := orderDetailsResponse{
		OrderNumber:   ord.ID,
		EventID:       ord.EventID,
		BuyerName:     ord.BuyerName,
		BuyerEmail:    ord.BuyerEmail,
		Subtotal:      ord.Subtotal,
		ServiceFee:    ord.ServiceFee,
		Total:         ord.Total,
		Status:        ord.Status,
		FailureReason: ord.FailureReason,
	}

	if ord.Status == data.OrderCompleted {
		tickets, err := s.tickets.GetByOrder(ord.ID)
		if err != nil {
			middleware.WriteFault(w, r, err)
			return
		}
		for _, t := range tickets {
			resp.Tickets = append(resp.Tickets, ticketResponse{
				TicketNumber: t.TicketNumber,
				ScanToken:    t.ScanToken,
				TierID:       t.TierID,
				FaceValue:    t.FaceValue,
				PricePaid:    t.PricePaid,
				Status:       t.Status,
			})
		}
	}

	middleware.WriteAPISuccess(w, r, resp)
}

// =============================================================================
// FALLBACK COMPLETION
// =============================================================================

type completeOrderRequest struct {
	OrderNumber string `json:"orderNumber"`
}

// CompleteOrderHandler is the buyer-initiated completion path for when the
// provider's webhook is delayed. The buyer's token only authorizes the
// lookup; the outcome applied is the one the provider reports for the
// charge, so a charge the provider has not settled never completes here.
// A later webhook delivery lands as a harmless duplicate.
func (s *Service) CompleteOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req completeOrderRequest
	if err := middleware.ParseJSONRequest(r, &req); err != nil {
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "invalid_request",
			"Invalid JSON request", err.Error())
		return
	}
	if req.OrderNumber == "" {
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "missing_order_number",
			"orderNumber is required", "")
		return
	}

	ord, err := s.orders.GetByID(req.OrderNumber)
	if err != nil {
		middleware.WriteFault(w, r, err)
		return
	}
	if ord.AccessToken != middleware.GetToken(r.Context()) {
		middleware.WriteAPIError(w, r, http.StatusForbidden, "access_denied",
			"Access denied to this order", "")
		return
	}
	if ord.ChargeRef == "" {
		middleware.WriteAPIError(w, r, http.StatusConflict, "charge_not_submitted",
			"Order has no charge to complete", "")
		return
	}

	outcome, failureReason, err := s.charges.GetChargeOutcome(r.Context(), ord.ChargeRef)
	if err != nil {
		middleware.WriteFault(w, r, err)
		return
	}
	if outcome != payment.OutcomeSucceeded && outcome != payment.OutcomeFailed {
		logger.LogInfo("Completion requested for order %s but charge %s is still %s at the provider",
			ord.ID, ord.ChargeRef, outcome)
		middleware.WriteAPIError(w, r, http.StatusConflict, "charge_pending",
			"The payment provider has not settled this charge yet", "")
		return
	}

	err = s.fulfillment.HandleOutcome(r.Context(), ord.ChargeRef, outcome, failureReason)
	if err != nil && !fault.Is(err, fault.DuplicateOutcome) {
		middleware.WriteFault(w, r, err)
		return
	}

	// Re-read for the post-fulfillment state.
	ord, err = s.orders.GetByID(req.OrderNumber)
	if err != nil {
		middleware.WriteFault(w, r, err)
		return
	}

	middleware.WriteAPISuccess(w, r, map[string]string{
		"orderNumber": ord.ID,
		"status":      ord.Status,
	})
}

// isDuplicateSubmission tracks recent placements per buyer+event and prunes
// old entries as a side effect.
func isDuplicateSubmission(key string) bool {
	recentMu.Lock()
	defer recentMu.Unlock()

	now := time.Now()
	for k, at := range recentSubmissions {
		if now.Sub(at) > duplicateWindow {
			delete(recentSubmissions, k)
		}
	}

	if at, exists := recentSubmissions[key]; exists && now.Sub(at) <= duplicateWindow {
		return true
	}
	recentSubmissions[key] = now
	return false
}
