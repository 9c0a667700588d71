// Package lifecycle owns every status change of a Request. Each transition
// is one conditional UPDATE guarded by the allowed source states, so
// concurrent or replayed calls can never move a request backwards.
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tejzpr/agentmart/internal/db"
	"github.com/tejzpr/agentmart/internal/oracle"
)

type Manager struct {
	db          *gorm.DB
	broker      *Broker
	logger      *zap.Logger
	deliveryURL func(id string) string
	now         func() time.Time
}

// NewManager wires the manager. deliveryURL maps a request id to the URL the
// agent must post the answer to.
func NewManager(d *gorm.DB, broker *Broker, logger *zap.Logger, deliveryURL func(string) string) *Manager {
	if broker == nil {
		broker = NewBroker()
	}
	return &Manager{
		db:          d,
		broker:      broker,
		logger:      logger.Named("lifecycle"),
		deliveryURL: deliveryURL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Broker exposes the event stream of transitions.
func (m *Manager) Broker() *Broker {
	return m.broker
}

type NewRequest struct {
	Prompt      string
	Source      db.Source
	CallbackURL string
}

// Create inserts a NEW request.
func (m *Manager) Create(ctx context.Context, in NewRequest) (*db.Request, error) {
	id := uuid.NewString()
	req := &db.Request{
		ID:          id,
		Prompt:      in.Prompt,
		Source:      in.Source,
		Status:      db.StatusNew,
		DeliveryURL: m.deliveryURL(id),
	}
	if in.CallbackURL != "" {
		cb := in.CallbackURL
		req.CallbackURL = &cb
	}
	if err := m.db.WithContext(ctx).Create(req).Error; err != nil {
		return nil, errors.Wrap(err, "create request")
	}

	m.logger.Info("request created",
		zap.String("request_id", req.ID),
		zap.String("source", string(req.Source)),
	)
	m.broker.Publish(EventFor(req))
	return req, nil
}

// Get loads a request by id.
func (m *Manager) Get(ctx context.Context, id string) (*db.Request, error) {
	var req db.Request
	if err := m.db.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, errors.Wrap(err, "query request")
	}
	return &req, nil
}

// FindBySlug resolves a payment correlation slug to its request.
func (m *Manager) FindBySlug(ctx context.Context, slug string) (*db.Request, error) {
	var req db.Request
	if err := m.db.WithContext(ctx).First(&req, "payment_slug = ?", slug).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, errors.Wrap(err, "query request by payment slug")
	}
	return &req, nil
}

// ListByStatus returns up to limit requests in status, oldest first.
func (m *Manager) ListByStatus(ctx context.Context, status db.Status, limit int) ([]db.Request, error) {
	reqs := make([]db.Request, 0)
	if err := m.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&reqs).Error; err != nil {
		return nil, errors.Wrapf(err, "list %s requests", status)
	}
	return reqs, nil
}

// Recent returns the newest requests first.
func (m *Manager) Recent(ctx context.Context, limit int) ([]db.Request, error) {
	reqs := make([]db.Request, 0)
	if err := m.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&reqs).Error; err != nil {
		return nil, errors.Wrap(err, "list recent requests")
	}
	return reqs, nil
}

// ResolveFree answers a free-tier request inline: NEW -> FULFILLED.
func (m *Manager) ResolveFree(ctx context.Context, id string, res oracle.Result, answer string) (*db.Request, error) {
	now := m.now()
	req, _, err := m.transition(ctx, id, []db.Status{db.StatusNew}, db.StatusFulfilled, map[string]any{
		"classification": res.Classification,
		"price_usdc":     res.Price,
		"reasoning":      res.Reasoning,
		"deliverable":    answer,
		"fulfilled_at":   now,
	})
	return req, err
}

// AttachLink records the quote and checkout link: NEW -> LINK_CREATED.
func (m *Manager) AttachLink(ctx context.Context, id string, res oracle.Result, link, slug string) (*db.Request, error) {
	req, _, err := m.transition(ctx, id, []db.Status{db.StatusNew}, db.StatusLinkCreated, map[string]any{
		"classification": res.Classification,
		"price_usdc":     res.Price,
		"reasoning":      res.Reasoning,
		"payment_link":   link,
		"payment_slug":   slug,
	})
	return req, err
}

// MarkPaid moves LINK_CREATED -> PAID. Replays against a request that is
// already PAID or FULFILLED report changed=false and leave payment_ref as is.
func (m *Manager) MarkPaid(ctx context.Context, id, paymentRef string) (req *db.Request, changed bool, err error) {
	return m.transition(ctx, id, []db.Status{db.StatusLinkCreated}, db.StatusPaid, map[string]any{
		"payment_ref": paymentRef,
		"paid_at":     m.now(),
	})
}

// MarkDispatched stamps the successful hand-off of a PAID request to the agent.
func (m *Manager) MarkDispatched(ctx context.Context, id string) error {
	err := m.db.WithContext(ctx).Model(&db.Request{}).
		Where("id = ? AND status = ? AND fulfill_dispatched_at IS NULL", id, db.StatusPaid).
		Updates(map[string]any{
			"fulfill_dispatched_at": m.now(),
			"updated_at":            m.now(),
		}).Error
	return errors.Wrap(err, "mark fulfillment dispatched")
}

type Delivery struct {
	Deliverable    *string
	JSONAnswer     *string
	PaymentRef     *string
	Classification *oracle.Classification
}

// Fulfill stores the final answer: PAID -> FULFILLED. A request that is
// already FULFILLED keeps its stored answer and reports changed=false.
func (m *Manager) Fulfill(ctx context.Context, id string, d Delivery) (req *db.Request, changed bool, err error) {
	if d.Deliverable == nil && d.JSONAnswer == nil {
		return nil, false, errors.New("fulfillment needs a deliverable or a json answer")
	}
	updates := map[string]any{
		"fulfilled_at": m.now(),
	}
	if d.Deliverable != nil {
		updates["deliverable"] = *d.Deliverable
	}
	if d.JSONAnswer != nil {
		updates["json_answer"] = *d.JSONAnswer
	}
	if d.PaymentRef != nil {
		updates["payment_ref"] = gorm.Expr("COALESCE(payment_ref, ?)", *d.PaymentRef)
	}
	if d.Classification != nil {
		updates["classification"] = *d.Classification
	}
	return m.transition(ctx, id, []db.Status{db.StatusPaid}, db.StatusFulfilled, updates)
}

// Fail moves a NEW or PAID request to FAILED.
func (m *Manager) Fail(ctx context.Context, id, reason string) (*db.Request, error) {
	req, _, err := m.transition(ctx, id, []db.Status{db.StatusNew, db.StatusPaid}, db.StatusFailed, map[string]any{
		"failure_reason": reason,
	})
	return req, err
}

// ExpireStale fails NEW requests older than newTTL and PAID requests whose
// payment is older than paidTTL. It returns the number of requests failed.
func (m *Manager) ExpireStale(ctx context.Context, newTTL, paidTTL time.Duration) (int, error) {
	now := m.now()
	var ids []string
	if err := m.db.WithContext(ctx).Model(&db.Request{}).
		Where("(status = ? AND created_at < ?) OR (status = ? AND paid_at < ?)",
			db.StatusNew, now.Add(-newTTL), db.StatusPaid, now.Add(-paidTTL)).
		Pluck("id", &ids).Error; err != nil {
		return 0, errors.Wrap(err, "find stale requests")
	}

	expired := 0
	for _, id := range ids {
		if _, err := m.Fail(ctx, id, "expired"); err != nil {
			// lost a race with a concurrent transition
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		m.logger.Info("expired stale requests", zap.Int("count", expired))
	}
	return expired, nil
}

var rank = map[db.Status]int{
	db.StatusNew:         0,
	db.StatusLinkCreated: 1,
	db.StatusPaid:        2,
	db.StatusFulfilled:   3,
}

// reached reports whether current is at or beyond target on the forward path.
func reached(current, target db.Status) bool {
	if current == target {
		return true
	}
	if current == db.StatusFailed || target == db.StatusFailed {
		return false
	}
	return rank[current] > rank[target]
}

func (m *Manager) transition(ctx context.Context, id string, from []db.Status, to db.Status, updates map[string]any) (*db.Request, bool, error) {
	updates["status"] = to
	updates["updated_at"] = m.now()

	result := m.db.WithContext(ctx).Model(&db.Request{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return nil, false, errors.Wrapf(result.Error, "update request %s to %s", id, to)
	}

	req, err := m.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if result.RowsAffected == 0 {
		if reached(req.Status, to) {
			return req, false, nil
		}
		return req, false, errors.Wrapf(ErrInvalidTransition, "%s -> %s", req.Status, to)
	}

	m.logger.Info("request transitioned",
		zap.String("request_id", id),
		zap.String("status", string(to)),
	)
	m.broker.Publish(EventFor(req))
	return req, true, nil
}
