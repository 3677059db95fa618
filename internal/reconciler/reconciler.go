// Package reconciler runs the periodic sweep that audits cached balances
// against the ledger and retires expired credit.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/studiorooms/credits/internal/metrics"
	"github.com/studiorooms/credits/pkg/credits"
	"go.uber.org/zap"
)

// LedgerAuditor is the slice of the credit service the sweep needs.
type LedgerAuditor interface {
	ListAccountsPage(ctx context.Context, afterUserID string, limit int) ([]credits.CreditAccount, error)
	Reconcile(ctx context.Context, userID credits.UserID) (credits.ReconcileReport, error)
	ExpireCredits(ctx context.Context, userID credits.UserID) (credits.CreditAccount, error)
}

// Config controls sweep cadence and paging.
type Config struct {
	Interval time.Duration
	PageSize int
}

const defaultPageSize = 100

// SweepReport summarizes one pass over every account.
type SweepReport struct {
	AccountsChecked int
	DriftedAccounts int
	ExpiredAccounts int
}

// Reconciler pages through accounts on a timer, logging drift and zeroing
// balances whose expiry has passed. Drift is never auto-corrected.
type Reconciler struct {
	auditor  LedgerAuditor
	logger   *zap.Logger
	recorder *metrics.Recorder
	interval time.Duration
	pageSize int
	nowFn    func() int64
}

// New builds a Reconciler. The recorder may be nil.
func New(auditor LedgerAuditor, logger *zap.Logger, recorder *metrics.Recorder, config Config) *Reconciler {
	pageSize := config.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Reconciler{
		auditor:  auditor,
		logger:   logger,
		recorder: recorder,
		interval: config.Interval,
		pageSize: pageSize,
		nowFn:    func() int64 { return time.Now().UTC().Unix() },
	}
}

// Run sweeps on the configured interval until the context is cancelled. A
// non-positive interval disables the loop.
func (reconciler *Reconciler) Run(ctx context.Context) {
	if reconciler.interval <= 0 {
		return
	}
	ticker := time.NewTicker(reconciler.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := reconciler.Sweep(ctx); err != nil {
				reconciler.logger.Error("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep pages through every account once, reconciling and expiring each.
func (reconciler *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{}
	afterUserID := ""
	for {
		accounts, err := reconciler.auditor.ListAccountsPage(ctx, afterUserID, reconciler.pageSize)
		if err != nil {
			return report, fmt.Errorf("list accounts after %q: %w", afterUserID, err)
		}
		if len(accounts) == 0 {
			break
		}
		for _, account := range accounts {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if err := reconciler.sweepAccount(ctx, account, &report); err != nil {
				return report, err
			}
		}
		afterUserID = accounts[len(accounts)-1].UserID
		if len(accounts) < reconciler.pageSize {
			break
		}
	}
	reconciler.recorder.ObserveSweep(report.AccountsChecked, report.DriftedAccounts, report.ExpiredAccounts, reconciler.nowFn())
	reconciler.logger.Info("reconciliation sweep complete",
		zap.Int("accounts_checked", report.AccountsChecked),
		zap.Int("drifted_accounts", report.DriftedAccounts),
		zap.Int("expired_accounts", report.ExpiredAccounts),
	)
	return report, nil
}

func (reconciler *Reconciler) sweepAccount(ctx context.Context, account credits.CreditAccount, report *SweepReport) error {
	userID, err := credits.NewUserID(account.UserID)
	if err != nil {
		return fmt.Errorf("account %q: %w", account.UserID, err)
	}
	report.AccountsChecked++

	audit, err := reconciler.auditor.Reconcile(ctx, userID)
	if err != nil {
		return fmt.Errorf("reconcile %q: %w", account.UserID, err)
	}
	if !audit.Consistent() {
		report.DriftedAccounts++
		reconciler.logger.Warn("balance drift detected",
			zap.String("user_id", audit.UserID),
			zap.Int64("ledger_sum", audit.LedgerSum),
			zap.Int64("credits_remaining", audit.CreditsRemaining),
			zap.Int64("drift", audit.Drift()),
		)
	}

	if account.ExpiresAtUnixUTC == 0 || account.CreditsRemaining <= 0 {
		return nil
	}
	expired, err := reconciler.auditor.ExpireCredits(ctx, userID)
	if err != nil {
		return fmt.Errorf("expire %q: %w", account.UserID, err)
	}
	if expired.CreditsRemaining == 0 {
		report.ExpiredAccounts++
	}
	return nil
}
