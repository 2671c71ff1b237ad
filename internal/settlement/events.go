package settlement

import (
	"context"
	"log/slog"

	"github.com/mbd888/safetrade/internal/escrow"
	"github.com/mbd888/safetrade/internal/logging"
	"github.com/mbd888/safetrade/internal/notify"
)

// Announce emits the notifications for a committed result. Call it only
// after the unit of work that produced res has returned successfully.
func (e *Engine) Announce(ctx context.Context, res *Result) {
	if res == nil || res.Replayed || res.Skipped || res.Escrow == nil {
		return
	}
	es := res.Escrow
	parties := []string{es.BuyerID}
	if res.SellerID != "" && res.SellerID != es.BuyerID {
		parties = append(parties, res.SellerID)
	} else if es.SellerID != "" && es.SellerID != es.BuyerID {
		parties = append(parties, es.SellerID)
	}

	emit := func(t notify.Type, data map[string]any, to ...string) {
		ev := notify.New(t, to...)
		ev.EscrowID = es.ID
		ev.OrderID = es.OrderID
		ev.Data = data
		e.notifier.Notify(ev)
	}

	emit(notify.EscrowStatusUpdated, map[string]any{"status": es.Status, "autoReleased": es.AutoReleased}, parties...)

	switch es.Status {
	case escrow.StatusReleased:
		emit(notify.FundsReleased, map[string]any{
			"payout":      res.Payout,
			"feeRetained": res.FeeRetained,
			"buyerRefund": res.BuyerRefund,
		}, parties...)
	case escrow.StatusRefunded:
		emit(notify.RefundProcessed, map[string]any{"amount": res.BuyerRefund, "sellerPayout": res.Payout}, parties...)
	case escrow.StatusCancelled:
		if res.BuyerRefund != "0.00" {
			emit(notify.RefundProcessed, map[string]any{"amount": res.BuyerRefund}, es.BuyerID)
		}
	}

	if o := res.Order; o != nil {
		ev := notify.New(notify.OrderStatusUpdated, o.BuyerID)
		if o.SellerID != "" && o.SellerID != o.BuyerID {
			ev.Recipients = append(ev.Recipients, o.SellerID)
		}
		ev.OrderID = o.ID
		ev.EscrowID = es.ID
		ev.Data = map[string]any{"status": o.Status}
		e.notifier.Notify(ev)
	}

	e.log(ctx).Info("escrow settled",
		"escrow_id", es.ID,
		"order_id", es.OrderID,
		"status", es.Status,
		"payout", res.Payout,
		"fee_retained", res.FeeRetained,
		"buyer_refund", res.BuyerRefund,
	)
}

// log returns the engine logger annotated with the request id.
func (e *Engine) log(ctx context.Context) *slog.Logger {
	l := e.logger
	if id := logging.RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	return l
}
