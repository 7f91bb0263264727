// internal/ticket/ticket.go
package ticket

import (
	"fmt"

	"boxoffice/internal/data"
	"boxoffice/internal/inventory"
	"boxoffice/internal/security"
)

// Number formats the human-readable ticket number for the nth admission of an
// order, 1-based.
func Number(orderID string, seq int) string {
	return fmt.Sprintf("%s-T%d", orderID, seq)
}

// Mint builds the ticket rows for a completed order from its quote. One
// ticket per admission, numbered in quote order, each with a fresh scan
// token. Rows are not persisted here; the caller inserts them inside the
// fulfillment transaction.
func Mint(order *data.Order, quote *inventory.Quote) ([]data.Ticket, error) {
	tickets := make([]data.Ticket, 0, len(quote.TicketFaces))

	for i := range quote.TicketFaces {
		scanToken, err := security.GenerateScanToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate scan token: %w", err)
		}

		tickets = append(tickets, data.Ticket{
			OrderID:      order.ID,
			EventID:      order.EventID,
			TierID:       quote.TicketTiers[i],
			TicketNumber: Number(order.ID, i+1),
			ScanToken:    scanToken,
			OwnerName:    order.BuyerName,
			OwnerEmail:   order.BuyerEmail,
			FaceValue:    quote.TicketFaces[i],
			PricePaid:    quote.TicketPrices[i],
			Status:       data.TicketValid,
		})
	}

	return tickets, nil
}

// QuoteFromItems rebuilds a quote's per-ticket breakdown from stored order
// items, for fulfillment paths that no longer hold the original quote. The
// fee is the difference between the stored total and subtotal, re-apportioned
// the same way the original quote did it.
func QuoteFromItems(order *data.Order, tiers map[string]data.Tier) (*inventory.Quote, error) {
	quote := &inventory.Quote{}

	for _, item := range order.Items {
		tier, exists := tiers[item.TierID]
		if !exists {
			return nil, fmt.Errorf("tier %s missing for order %s", item.TierID, order.ID)
		}
		quote.Lines = append(quote.Lines, inventory.PricedLine{
			TierID:    item.TierID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: item.UnitPrice * int64(item.Quantity),
		})
		quote.Subtotal += item.UnitPrice * int64(item.Quantity)
		for i := 0; i < item.Quantity; i++ {
			quote.TicketFaces = append(quote.TicketFaces, item.UnitPrice)
			quote.TicketTiers = append(quote.TicketTiers, tier.ID)
		}
	}

	quote.ServiceFee = order.ServiceFee
	quote.Total = order.Total
	quote.TicketPrices = inventory.ApportionOverFaces(quote.ServiceFee, quote.TicketFaces)
	for i, face := range quote.TicketFaces {
		quote.TicketPrices[i] += face
	}

	return quote, nil
}
