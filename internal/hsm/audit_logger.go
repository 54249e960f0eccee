package hsm

import (
	"github.com/sirupsen/logrus"
)

// AuditLogger writes AUDIT events for security-sensitive operations.
type AuditLogger struct {
	log *logrus.Entry
}

// NewAuditLogger uses the standard logrus logger when l is nil.
func NewAuditLogger(l *logrus.Logger) *AuditLogger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &AuditLogger{log: l.WithField("component", "audit")}
}

// LogSettlement records a payment settling, or failing to.
func (a *AuditLogger) LogSettlement(paymentID string, payerID, merchantID int64, amount int64, status string) {
	a.log.WithFields(logrus.Fields{
		"event_type":  "SETTLEMENT",
		"payment_id":  paymentID,
		"payer_id":    payerID,
		"merchant_id": merchantID,
		"amount":      amount,
		"status":      status,
	}).Info("AUDIT")
}

func (a *AuditLogger) LogError(subject, operation string, err error) {
	a.log.WithFields(logrus.Fields{
		"event_type": operation,
		"subject":    subject,
		"status":     "FAILED",
	}).WithError(err).Warn("AUDIT")
}

func (a *AuditLogger) LogOperation(subject, operation, details string) {
	a.log.WithFields(logrus.Fields{
		"event_type": operation,
		"subject":    subject,
		"status":     "SUCCESS",
		"details":    details,
	}).Info("AUDIT")
}
