package worker

import (
	"context"
	"time"

	"github.com/rookgm/orderflow/internal/logger"
	"go.uber.org/zap"
)

// DefaultInterval is the default period between reconciliation runs
const DefaultInterval = 10 * time.Second

type Reconciler interface {
	ReconcilePending(ctx context.Context) (int, error)
}

// PaymentReconciler is worker brings orders awaiting payment up to date
// with the payment service
type PaymentReconciler struct {
	svc      Reconciler
	interval time.Duration
}

// NewPaymentReconciler create new payment reconciler
func NewPaymentReconciler(svc Reconciler, interval time.Duration) *PaymentReconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &PaymentReconciler{svc: svc, interval: interval}
}

// Run reconciles pending orders every interval until ctx is done
func (pr *PaymentReconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(pr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Debug("payment reconciler is done")
			return
		case <-ticker.C:
			n, err := pr.svc.ReconcilePending(ctx)
			if err != nil {
				logger.Log.Error("reconcile pending orders", zap.Error(err))
			}
			if n > 0 {
				logger.Log.Info("pending orders reconciled", zap.Int("count", n))
			}
		}
	}
}
