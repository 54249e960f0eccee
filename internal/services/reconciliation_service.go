package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/walletpay/gateway/internal/metrics"
	"github.com/walletpay/gateway/internal/models"
)

// BalanceDrift is an account whose cached balance disagrees with its entries.
type BalanceDrift struct {
	AccountID int64        `db:"id" json:"account_id"`
	Balance   models.Money `db:"balance" json:"balance"`
	Expected  models.Money `db:"expected" json:"expected"`
}

// ReconciliationReport is the result of one read-only pass.
type ReconciliationReport struct {
	CheckedAt          time.Time      `json:"checked_at"`
	Drifted            []BalanceDrift `json:"drifted"`
	LedgerSum          models.Money   `json:"ledger_sum"`
	Opening            models.Money   `json:"opening"`
	Balances           models.Money   `json:"balances"`
	UnbalancedPayments []string       `json:"unbalanced_payments"`
}

// Clean reports whether every check passed.
func (r *ReconciliationReport) Clean() bool {
	return len(r.Drifted) == 0 && len(r.UnbalancedPayments) == 0 && r.Opening+r.LedgerSum == r.Balances
}

type ReconciliationService struct {
	db      *sqlx.DB
	metrics *metrics.Metrics
	log     *logrus.Entry
	now     func() time.Time
	cron    *cron.Cron
}

func NewReconciliationService(db *sqlx.DB, m *metrics.Metrics) *ReconciliationService {
	return &ReconciliationService{
		db:      db,
		metrics: m,
		log:     logrus.WithField("component", "reconciliation"),
		now:     time.Now,
	}
}

// Run compares every account with opening_balance plus its entries and
// checks that money is conserved. It never writes.
func (s *ReconciliationService) Run(ctx context.Context) (*ReconciliationReport, error) {
	report := &ReconciliationReport{CheckedAt: s.now()}

	err := s.db.SelectContext(ctx, &report.Drifted, `
		SELECT a.id, a.balance, a.opening_balance + COALESCE(SUM(e.amount), 0) AS expected
		FROM accounts a
		LEFT JOIN ledger_entries e ON e.account_id = a.id
		GROUP BY a.id, a.balance, a.opening_balance
		HAVING a.balance <> a.opening_balance + COALESCE(SUM(e.amount), 0)
		ORDER BY a.id`)
	if err != nil {
		s.metrics.RecordReconciliation("error", 0)
		return nil, fmt.Errorf("account drift: %w", err)
	}

	err = s.db.QueryRowxContext(ctx, `
		SELECT COALESCE((SELECT SUM(amount) FROM ledger_entries), 0),
		       COALESCE(SUM(opening_balance), 0),
		       COALESCE(SUM(balance), 0)
		FROM accounts`).Scan(&report.LedgerSum, &report.Opening, &report.Balances)
	if err != nil {
		s.metrics.RecordReconciliation("error", 0)
		return nil, fmt.Errorf("totals: %w", err)
	}

	err = s.db.SelectContext(ctx, &report.UnbalancedPayments, `
		SELECT p.payment_id
		FROM payments p
		JOIN ledger_entries e ON e.payment_id = p.id
		GROUP BY p.payment_id
		HAVING SUM(e.amount) <> 0
		ORDER BY p.payment_id`)
	if err != nil {
		s.metrics.RecordReconciliation("error", 0)
		return nil, fmt.Errorf("payment balance: %w", err)
	}

	if report.Clean() {
		s.metrics.RecordReconciliation("clean", 0)
		s.log.Info("[RECONCILE] ledger consistent")
		return report, nil
	}

	s.metrics.RecordReconciliation("drift", len(report.Drifted))
	for _, d := range report.Drifted {
		s.log.WithFields(logrus.Fields{
			"account_id": d.AccountID,
			"balance":    d.Balance.Int64(),
			"expected":   d.Expected.Int64(),
		}).Error("[RECONCILE] balance drift")
	}
	for _, id := range report.UnbalancedPayments {
		s.log.WithField("payment_id", id).Error("[RECONCILE] payment entries do not sum to zero")
	}
	if report.Opening+report.LedgerSum != report.Balances {
		s.log.WithFields(logrus.Fields{
			"opening":    report.Opening.Int64(),
			"ledger_sum": report.LedgerSum.Int64(),
			"balances":   report.Balances.Int64(),
		}).Error("[RECONCILE] total money changed")
	}
	return report, nil
}

// Start schedules Run on a cron spec such as "@every 15m". An empty spec disables it.
func (s *ReconciliationService) Start(spec string) error {
	if spec == "" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Run(ctx); err != nil {
			s.log.WithError(err).Error("[RECONCILE] run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("reconciliation schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop waits for a running pass to finish.
func (s *ReconciliationService) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}
