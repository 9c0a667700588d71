// Package activity keeps the append-only operator feed shown on the dashboard.
package activity

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tejzpr/agentmart/internal/db"
)

// Kinds written by the backend.
const (
	KindRequest            = "REQUEST"
	KindPayment            = "PAYMENT"
	KindFulfill            = "FULFILL"
	KindCoffee             = "COFFEE"
	KindCredit             = "CREDIT"
	KindCreditAutoPurchase = "CREDIT_AUTO_PURCHASE"
	KindGiftCard           = "GIFTCARD"
	KindError              = "ERROR"
)

type Log struct {
	db     *gorm.DB
	logger *zap.Logger
}

func New(d *gorm.DB, logger *zap.Logger) *Log {
	return &Log{db: d, logger: logger.Named("activity")}
}

// Record appends an entry. Failures are logged and swallowed: the feed never
// blocks the operation being described.
func (l *Log) Record(ctx context.Context, kind, message string, requestID string) {
	entry := db.ActivityLog{Kind: kind, Message: message}
	if requestID != "" {
		entry.RequestID = &requestID
	}
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		l.logger.Warn("failed to record activity",
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}

// Recent returns the newest entries first.
func (l *Log) Recent(ctx context.Context, limit int) ([]db.ActivityLog, error) {
	entries := make([]db.ActivityLog, 0)
	if err := l.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, errors.Wrap(err, "list activity")
	}
	return entries, nil
}
