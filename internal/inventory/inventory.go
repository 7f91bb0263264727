package inventory

import (
	"fmt"
	"math"
	"sort"
	"time"

	"boxoffice/internal/data"
	"boxoffice/internal/fault"
)

// Service validates reservation requests against the catalog and computes
// server-side pricing with tamper protection. All amounts are integer minor
// currency units.
type Service struct {
	defaultFeePct float64
}

func NewService(defaultFeePct float64) *Service {
	return &Service{defaultFeePct: defaultFeePct}
}

// Line is one requested tier/quantity pair from the buyer.
type Line struct {
	TierID   string `json:"tierId"`
	Quantity int    `json:"quantity"`
}

// PricedLine is a validated line with its server-computed amounts.
type PricedLine struct {
	TierID    string
	Quantity  int
	UnitPrice int64
	LineTotal int64
}

// Quote is the full server-side price breakdown for an order. TicketPrices
// holds the per-ticket amount paid (face value plus apportioned fee share),
// one entry per admission, in line order; they always sum to Total.
type Quote struct {
	Lines        []PricedLine
	Subtotal     int64
	ServiceFee   int64
	Total        int64
	TicketFaces  []int64
	TicketPrices []int64
	TicketTiers  []string
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateReservation checks a reservation request against event and tier
// state. The capacity check here is advisory; the authoritative check happens
// under the fulfillment transaction.
func (s *Service) ValidateReservation(event *data.Event, tiers map[string]data.Tier, lines []Line, now time.Time) error {
	if event.Status != data.EventPublished {
		return fault.New(fault.StateConflict, "event_not_on_sale", "Event %s is not on sale", event.ID)
	}
	if now.Before(event.SaleStartsAt) {
		return fault.New(fault.StateConflict, "sale_not_started", "Sale for event %s has not started", event.ID)
	}
	if now.After(event.SaleEndsAt) {
		return fault.New(fault.StateConflict, "sale_ended", "Sale for event %s has ended", event.ID)
	}

	if len(lines) == 0 {
		return fault.New(fault.Validation, "empty_order", "Order must contain at least one line")
	}

	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return fault.New(fault.Validation, "invalid_quantity", "Quantity for tier %s must be positive", line.TierID)
		}
		if seen[line.TierID] {
			return fault.New(fault.Validation, "duplicate_tier", "Tier %s appears more than once", line.TierID)
		}
		seen[line.TierID] = true

		tier, exists := tiers[line.TierID]
		if !exists {
			return fault.New(fault.NotFound, "tier_not_found", "Tier %s not found", line.TierID)
		}
		if tier.EventID != event.ID {
			return fault.New(fault.Validation, "tier_event_mismatch", "Tier %s does not belong to event %s", line.TierID, event.ID)
		}
		if tier.Status != data.TierActive {
			return fault.New(fault.StateConflict, "tier_unavailable", "Tier %s is %s", tier.Name, tier.Status)
		}
		if tier.MaxPerOrder > 0 && line.Quantity > tier.MaxPerOrder {
			return fault.New(fault.Validation, "max_per_order_exceeded",
				"Tier %s allows at most %d per order", tier.Name, tier.MaxPerOrder)
		}
		if line.Quantity > tier.Remaining() {
			return fault.New(fault.StateConflict, "insufficient_capacity",
				"Tier %s has only %d remaining", tier.Name, tier.Remaining())
		}
	}

	return nil
}

// =============================================================================
// PRICING
// =============================================================================

// FeePercent resolves the fee percentage for an event, falling back to the
// configured platform default.
func (s *Service) FeePercent(event *data.Event) float64 {
	if event.ServiceFeePct >= 0 {
		return event.ServiceFeePct
	}
	return s.defaultFeePct
}

// BuildQuote validates the request and computes the authoritative price
// breakdown. Client-supplied amounts are never trusted; callers compare the
// quote total against whatever the client displayed.
func (s *Service) BuildQuote(event *data.Event, tiers map[string]data.Tier, lines []Line, now time.Time) (*Quote, error) {
	if err := s.ValidateReservation(event, tiers, lines, now); err != nil {
		return nil, err
	}

	quote := &Quote{}
	for _, line := range lines {
		tier := tiers[line.TierID]
		lineTotal := tier.Price * int64(line.Quantity)
		quote.Lines = append(quote.Lines, PricedLine{
			TierID:    line.TierID,
			Quantity:  line.Quantity,
			UnitPrice: tier.Price,
			LineTotal: lineTotal,
		})
		quote.Subtotal += lineTotal

		for i := 0; i < line.Quantity; i++ {
			quote.TicketFaces = append(quote.TicketFaces, tier.Price)
			quote.TicketTiers = append(quote.TicketTiers, line.TierID)
		}
	}

	quote.ServiceFee = roundFee(quote.Subtotal, s.FeePercent(event))
	quote.Total = quote.Subtotal + quote.ServiceFee

	shares := apportion(quote.ServiceFee, quote.TicketFaces)
	quote.TicketPrices = make([]int64, len(quote.TicketFaces))
	for i, face := range quote.TicketFaces {
		quote.TicketPrices[i] = face + shares[i]
	}

	return quote, nil
}

// roundFee computes round-half-up of subtotal * pct / 100 in minor units.
func roundFee(subtotal int64, pct float64) int64 {
	return int64(math.Floor(float64(subtotal)*pct/100 + 0.5))
}

// apportion splits fee across tickets proportionally to face value using the
// largest remainder method, so the shares always sum exactly to fee. Ties go
// to earlier tickets for determinism.
func apportion(fee int64, faces []int64) []int64 {
	shares := make([]int64, len(faces))
	if fee == 0 || len(faces) == 0 {
		return shares
	}

	var subtotal int64
	for _, face := range faces {
		subtotal += face
	}

	if subtotal == 0 {
		// All-free tickets with a nonzero fee: split evenly.
		base := fee / int64(len(faces))
		rem := fee % int64(len(faces))
		for i := range shares {
			shares[i] = base
			if int64(i) < rem {
				shares[i]++
			}
		}
		return shares
	}

	type remainder struct {
		index int
		frac  int64
	}

	var assigned int64
	remainders := make([]remainder, len(faces))
	for i, face := range faces {
		exact := fee * face
		shares[i] = exact / subtotal
		remainders[i] = remainder{index: i, frac: exact % subtotal}
		assigned += shares[i]
	}

	sort.SliceStable(remainders, func(a, b int) bool {
		return remainders[a].frac > remainders[b].frac
	})

	for i := int64(0); i < fee-assigned; i++ {
		shares[remainders[i].index]++
	}

	return shares
}

// ApportionOverFaces exposes the fee split for callers that rebuild a quote
// from stored order items.
func ApportionOverFaces(fee int64, faces []int64) []int64 {
	return apportion(fee, faces)
}

// DescribeQuote renders a one-line summary for logs.
func DescribeQuote(q *Quote) string {
	return fmt.Sprintf("%d lines, %d tickets, subtotal=%d fee=%d total=%d",
		len(q.Lines), len(q.TicketFaces), q.Subtotal, q.ServiceFee, q.Total)
}
