// internal/payment/refunds.go
package payment

import (
	"context"
	"time"

	"boxoffice/internal/data"
	"boxoffice/internal/logger"
)

// RefundWorker settles queued refunds against the provider. Refund rows are
// enqueued durably when fulfillment cannot honor a captured charge; the
// worker drains them in the background and leaves failed attempts queued for
// the next pass.
type RefundWorker struct {
	client     ChargeClient
	refundRepo *data.RefundRepository
	interval   time.Duration
	batchSize  int
}

func NewRefundWorker(client ChargeClient, interval time.Duration) *RefundWorker {
	return &RefundWorker{
		client:     client,
		refundRepo: data.NewRefundRepository(),
		interval:   interval,
		batchSize:  25,
	}
}

// Run drains the refund queue on a ticker until ctx is canceled.
func (w *RefundWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.LogInfo("Refund worker stopping")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce processes one batch of unsettled refunds.
func (w *RefundWorker) RunOnce(ctx context.Context) {
	refunds, err := w.refundRepo.GetUnsettled(w.batchSize)
	if err != nil {
		logger.LogError("Failed to load unsettled refunds: %v", err)
		return
	}
	if len(refunds) == 0 {
		return
	}

	logger.LogInfo("Processing %d unsettled refunds", len(refunds))

	for _, refund := range refunds {
		if err := w.client.Refund(ctx, refund.ChargeRef, refund.Amount); err != nil {
			logger.LogWarn("Refund for charge %s failed, will retry next pass: %v", refund.ChargeRef, err)
			continue
		}

		if err := w.refundRepo.MarkSettled(refund.ID); err != nil {
			// Settled at the provider but not marked locally; the next pass
			// will resubmit and the provider deduplicates by charge ref.
			logger.LogError("Failed to mark refund %d settled: %v", refund.ID, err)
			continue
		}

		logger.LogInfo("Refund settled for charge %s (%d minor units, reason: %s)",
			refund.ChargeRef, refund.Amount, refund.Reason)
	}
}
