// Package coffee runs the coffee order side queue. Orders are queued when a
// tip is paid and executed by the agent in rate-limited batches.
package coffee

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tejzpr/agentmart/internal/config"
	"github.com/tejzpr/agentmart/internal/db"
)

const (
	SponsorHuman = "human"
	SponsorAgent = "agent"
)

type Service struct {
	db        *gorm.DB
	logger    *zap.Logger
	maxPerDay int
	interval  time.Duration
	now       func() time.Time
}

func NewService(d *gorm.DB, cfg config.CoffeeConfig, logger *zap.Logger) *Service {
	return &Service{
		db:        d,
		logger:    logger.Named("coffee"),
		maxPerDay: cfg.MaxExecutionsPerDay,
		interval:  time.Duration(cfg.BatchIntervalHours) * time.Hour,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type Order struct {
	// RequestID ties the order to the paying request; empty for orders queued
	// directly by a trusted caller.
	RequestID     string
	OrderText     string
	EstimatedCost decimal.Decimal
	FinalPrice    decimal.Decimal
	SponsorType   string
}

// Enqueue inserts a QUEUED order. An order already queued for the same
// request is returned unchanged with created=false.
func (s *Service) Enqueue(ctx context.Context, in Order) (order *db.CoffeeOrder, created bool, err error) {
	order = &db.CoffeeOrder{
		OrderText:         in.OrderText,
		EstimatedCostUSDC: in.EstimatedCost,
		FinalPriceUSDC:    in.FinalPrice,
		SponsorType:       in.SponsorType,
		Status:            db.CoffeeQueued,
	}
	if in.RequestID != "" {
		rid := in.RequestID
		order.RequestID = &rid
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "request_id"}}, DoNothing: true}).
		Create(order)
	if result.Error != nil {
		return nil, false, errors.Wrap(result.Error, "queue coffee order")
	}
	if result.RowsAffected == 0 {
		var existing db.CoffeeOrder
		if err := s.db.WithContext(ctx).First(&existing, "request_id = ?", in.RequestID).Error; err != nil {
			return nil, false, errors.Wrap(err, "load queued coffee order")
		}
		return &existing, false, nil
	}

	s.logger.Info("coffee order queued",
		zap.String("order_id", order.ID),
		zap.String("sponsor_type", order.SponsorType),
	)
	return order, true, nil
}

// Get loads an order by id.
func (s *Service) Get(ctx context.Context, id string) (*db.CoffeeOrder, error) {
	var order db.CoffeeOrder
	if err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, errors.Wrap(err, "query coffee order")
	}
	return &order, nil
}

func (s *Service) state(ctx context.Context) (*db.CoffeeState, error) {
	var st db.CoffeeState
	if err := s.db.WithContext(ctx).First(&st, "id = ?", db.CoffeeStateID).Error; err != nil {
		return nil, errors.Wrap(err, "query coffee state")
	}
	return &st, nil
}

// CanExecute reports whether an execution slot is open right now.
func (s *Service) CanExecute(ctx context.Context) (bool, error) {
	st, err := s.state(ctx)
	if err != nil {
		return false, err
	}
	return st.DailyExecCount < s.maxPerDay && !s.now().Before(st.NextBatchAt), nil
}

// Execute claims an execution slot and moves one QUEUED order to EXECUTING:
// the named one, or the oldest. force skips the cap and window check but
// still counts the execution.
func (s *Service) Execute(ctx context.Context, orderID string, force bool) (*db.CoffeeOrder, error) {
	prev, err := s.state(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	next := now.Add(s.interval)
	claim := s.db.WithContext(ctx).Model(&db.CoffeeState{}).Where("id = ?", db.CoffeeStateID)
	if !force {
		claim = claim.Where("daily_exec_count < ? AND next_batch_at <= ?", s.maxPerDay, now)
	}
	result := claim.Updates(map[string]any{
		"daily_exec_count": gorm.Expr("daily_exec_count + 1"),
		"next_batch_at":    next,
		"updated_at":       now,
	})
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "claim execution slot")
	}
	if result.RowsAffected == 0 {
		return nil, ErrExecutionWindow
	}

	order, err := s.takeQueued(ctx, orderID)
	if err != nil {
		s.release(ctx, prev.NextBatchAt, next)
		return nil, err
	}

	s.logger.Info("coffee order executing", zap.String("order_id", order.ID), zap.Bool("force", force))
	return order, nil
}

// takeQueued flips a QUEUED order to EXECUTING. Candidates lost to a
// concurrent executor are skipped.
func (s *Service) takeQueued(ctx context.Context, orderID string) (*db.CoffeeOrder, error) {
	for attempt := 0; attempt < 5; attempt++ {
		var order db.CoffeeOrder
		q := s.db.WithContext(ctx).Where("status = ?", db.CoffeeQueued)
		if orderID != "" {
			q = q.Where("id = ?", orderID)
		}
		if err := q.Order("created_at ASC").First(&order).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrNoQueuedOrders
			}
			return nil, errors.Wrap(err, "find queued coffee order")
		}

		result := s.db.WithContext(ctx).Model(&db.CoffeeOrder{}).
			Where("id = ? AND status = ?", order.ID, db.CoffeeQueued).
			Updates(map[string]any{"status": db.CoffeeExecuting, "updated_at": s.now()})
		if result.Error != nil {
			return nil, errors.Wrap(result.Error, "mark coffee order executing")
		}
		if result.RowsAffected == 1 {
			order.Status = db.CoffeeExecuting
			return &order, nil
		}
	}
	return nil, ErrNoQueuedOrders
}

// release gives back a claimed slot when there was nothing to execute. The
// window is only rewound while it still holds the value this claim wrote.
func (s *Service) release(ctx context.Context, prevNext, claimedNext time.Time) {
	err := s.db.WithContext(ctx).Model(&db.CoffeeState{}).
		Where("id = ? AND daily_exec_count > 0", db.CoffeeStateID).
		Updates(map[string]any{
			"daily_exec_count": gorm.Expr("daily_exec_count - 1"),
			"updated_at":       s.now(),
		}).Error
	if err == nil {
		err = s.db.WithContext(ctx).Model(&db.CoffeeState{}).
			Where("id = ? AND next_batch_at = ?", db.CoffeeStateID, claimedNext).
			Update("next_batch_at", prevNext).Error
	}
	if err != nil {
		s.logger.Error("failed to release execution slot", zap.Error(err))
	}
}

type Progress struct {
	OrderID          string
	Status           db.CoffeeStatus
	ProviderStatus   *string
	BitrefillOrderID string
	SwiggyOrderID    string
	GiftLast4        string
}

// Report records execution progress sent back by the agent. Progress only
// moves forward; repeating the current status reports changed=false.
func (s *Service) Report(ctx context.Context, p Progress) (changed bool, err error) {
	updates := map[string]any{
		"provider_status": p.ProviderStatus,
	}
	if p.BitrefillOrderID != "" {
		updates["bitrefill_order_id"] = p.BitrefillOrderID
	}
	if p.SwiggyOrderID != "" {
		updates["swiggy_order_id"] = p.SwiggyOrderID
	}
	if p.GiftLast4 != "" {
		updates["gift_last4"] = p.GiftLast4
	}
	if p.Status == db.CoffeeOrderPlaced || p.Status == db.CoffeeDelivered {
		updates["execution_day"] = s.now().Format(time.DateOnly)
	}
	return s.transition(ctx, p.OrderID, p.Status, updates)
}

// Track records a delivery check and returns the resulting status.
func (s *Service) Track(ctx context.Context, orderID string, delivered bool, providerStatus *string) (db.CoffeeStatus, error) {
	status := db.CoffeeOrderPlaced
	if delivered {
		status = db.CoffeeDelivered
	}
	_, err := s.transition(ctx, orderID, status, map[string]any{
		"provider_status": providerStatus,
	})
	return status, err
}

// progressFrom lists the states each progress status may follow. DELIVERED
// and FAILED are terminal; only FAILED may be reported before execution.
var progressFrom = map[db.CoffeeStatus][]db.CoffeeStatus{
	db.CoffeeFundingAcquired: {db.CoffeeExecuting},
	db.CoffeeOrderPlaced:     {db.CoffeeExecuting, db.CoffeeFundingAcquired},
	db.CoffeeDelivered:       {db.CoffeeExecuting, db.CoffeeFundingAcquired, db.CoffeeOrderPlaced},
	db.CoffeeFailed:          {db.CoffeeQueued, db.CoffeeExecuting, db.CoffeeFundingAcquired, db.CoffeeOrderPlaced},
}

func (s *Service) transition(ctx context.Context, orderID string, to db.CoffeeStatus, updates map[string]any) (bool, error) {
	from, known := progressFrom[to]
	if !known {
		return false, errors.Wrapf(ErrInvalidTransition, "cannot report %s", to)
	}
	updates["status"] = to
	updates["updated_at"] = s.now()

	result := s.db.WithContext(ctx).Model(&db.CoffeeOrder{}).
		Where("id = ? AND status IN ?", orderID, from).
		Updates(updates)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "update coffee order")
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	order, err := s.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.Status == to {
		return false, nil
	}
	return false, errors.Wrapf(ErrInvalidTransition, "%s -> %s", order.Status, to)
}

// RecordDelivered writes an already-completed purchase, such as a gift card
// bought directly from the provider, for the audit trail.
func (s *Service) RecordDelivered(ctx context.Context, orderText string, amount decimal.Decimal, providerOrderID string) (*db.CoffeeOrder, error) {
	day := s.now().Format(time.DateOnly)
	order := &db.CoffeeOrder{
		OrderText:         orderText,
		EstimatedCostUSDC: amount,
		FinalPriceUSDC:    amount,
		SponsorType:       SponsorAgent,
		Status:            db.CoffeeDelivered,
		BitrefillOrderID:  &providerOrderID,
		ExecutionDay:      &day,
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, errors.Wrap(err, "record delivered order")
	}
	return order, nil
}

// ResetDaily zeroes the execution counter. The scheduler calls it at midnight UTC.
func (s *Service) ResetDaily(ctx context.Context) error {
	err := s.db.WithContext(ctx).Model(&db.CoffeeState{}).
		Where("id = ?", db.CoffeeStateID).
		Updates(map[string]any{"daily_exec_count": 0, "updated_at": s.now()}).Error
	return errors.Wrap(err, "reset coffee counter")
}
