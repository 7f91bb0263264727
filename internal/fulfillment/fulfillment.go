// internal/fulfillment/fulfillment.go
package fulfillment

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"boxoffice/internal/data"
	"boxoffice/internal/fault"
	"boxoffice/internal/logger"
	"boxoffice/internal/payment"
	"boxoffice/internal/ticket"
)

// Service turns confirmed payment outcomes into issued tickets. It is the
// only writer of the completed/failed order transitions, and every transition
// happens inside a single transaction.
type Service struct {
	orders  *data.OrderRepository
	events  *data.EventRepository
	tiers   *data.TierRepository
	tickets *data.TicketRepository
	refunds *data.RefundRepository
}

func NewService() *Service {
	return &Service{
		orders:  data.NewOrderRepository(),
		events:  data.NewEventRepository(),
		tiers:   data.NewTierRepository(),
		tickets: data.NewTicketRepository(),
		refunds: data.NewRefundRepository(),
	}
}

// HandleOutcome applies one payment outcome to its order. Safe to call any
// number of times for the same charge; duplicate deliveries surface as a
// DuplicateOutcome fault, which callers treat as success.
func (s *Service) HandleOutcome(ctx context.Context, chargeRef, outcome, failureReason string) error {
	order, err := s.orders.GetByChargeRef(chargeRef)
	if err != nil {
		return err
	}

	switch outcome {
	case payment.OutcomeFailed:
		return s.applyFailure(order, failureReason)
	case payment.OutcomeSucceeded:
		return s.applySuccess(ctx, order)
	default:
		return fault.New(fault.Validation, "unknown_outcome", "Unknown payment outcome %q", outcome)
	}
}

func (s *Service) applyFailure(order *data.Order, reason string) error {
	if reason == "" {
		reason = "payment_declined"
	}

	err := s.orders.MarkFailed(order.ID, reason)
	if fault.Is(err, fault.StateConflict) {
		// Order already left pending; this delivery adds nothing.
		return fault.New(fault.DuplicateOutcome, "outcome_already_applied",
			"Order %s is already %s", order.ID, order.Status)
	}
	if err != nil {
		return err
	}

	logger.LogInfo("Order %s marked failed: %s", order.ID, reason)
	return nil
}

func (s *Service) applySuccess(ctx context.Context, order *data.Order) error {
	items, err := s.orders.GetItems(order.ID)
	if err != nil {
		return err
	}
	order.Items = items

	event, err := s.events.GetByID(order.EventID)
	if err != nil {
		return err
	}

	tierRows, err := s.tiers.GetByEvent(order.EventID)
	if err != nil {
		return err
	}
	tiers := make(map[string]data.Tier, len(tierRows))
	for _, t := range tierRows {
		tiers[t.ID] = t
	}

	quote, err := ticket.QuoteFromItems(order, tiers)
	if err != nil {
		return err
	}

	minted, err := ticket.Mint(order, quote)
	if err != nil {
		return err
	}

	organizer, platform := splitRevenue(event, quote.Subtotal, quote.Total)

	err = data.WithTx(ctx, func(tx *sql.Tx) error {
		claimed, err := s.orders.ClaimCompletionTx(tx, order.ID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !claimed {
			return fault.New(fault.DuplicateOutcome, "outcome_already_applied",
				"Order %s is no longer pending", order.ID)
		}

		for _, item := range order.Items {
			if err := s.tiers.AdvanceSoldTx(tx, item.TierID, item.Quantity); err != nil {
				return err
			}
		}

		for _, t := range minted {
			if err := s.tickets.InsertTx(tx, t); err != nil {
				return err
			}
		}

		return s.events.AdvanceCountersTx(tx, order.EventID, len(minted), quote.Total, organizer, platform)
	})

	if err == nil {
		logger.LogInfo("Order %s fulfilled: %d tickets issued for event %s", order.ID, len(minted), order.EventID)
		return nil
	}
	if fault.Is(err, fault.DuplicateOutcome) {
		return err
	}
	if fault.Is(err, fault.StateConflict) {
		// Capacity ran out between reservation and fulfillment. The charge is
		// already captured, so fail the order and queue a compensating refund.
		return s.compensate(ctx, order, "capacity_exhausted")
	}

	return fmt.Errorf("fulfillment of order %s failed: %w", order.ID, err)
}

// compensate fails an order whose captured charge cannot be honored and
// durably enqueues the refund in the same transaction.
func (s *Service) compensate(ctx context.Context, order *data.Order, reason string) error {
	err := data.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.orders.MarkFailedTx(tx, order.ID, reason); err != nil {
			return err
		}
		return s.refunds.EnqueueTx(tx, order.ChargeRef, order.Total, reason)
	})
	if fault.Is(err, fault.StateConflict) {
		return fault.New(fault.DuplicateOutcome, "outcome_already_applied",
			"Order %s is no longer pending", order.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to compensate order %s: %w", order.ID, err)
	}

	logger.LogWarn("Order %s failed at fulfillment (%s), refund of %d queued for charge %s",
		order.ID, reason, order.Total, order.ChargeRef)
	return nil
}

// splitRevenue divides an order's total between organizer and platform. The
// organizer share is computed on the subtotal; the platform keeps the service
// fee plus any remainder.
func splitRevenue(event *data.Event, subtotal, total int64) (organizer, platform int64) {
	pct := event.OrganizerSharePct
	if pct <= 0 || pct > 100 {
		pct = 100
	}
	organizer = int64(math.Floor(float64(subtotal)*pct/100 + 0.5))
	platform = total - organizer
	return organizer, platform
}
