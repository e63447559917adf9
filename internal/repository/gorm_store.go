package repository

import (
	"context"
	"time"

	"storepay/internal/model"

	"gorm.io/gorm"
)

// GormStore 基于 gorm 的 Store 实现，MySQL 与 Postgres 共用
//
// 唯一金额、参考号的互斥依赖唯一索引，gorm 需要开启 TranslateError
// 才能把驱动的重复键错误翻译为 gorm.ErrDuplicatedKey。
type GormStore struct {
	db       *gorm.DB
	orders   *OrderRepository
	payments *PaymentRepository
	outbox   *OutboxRepository
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:       db,
		orders:   NewOrderRepository(db),
		payments: NewPaymentRepository(db),
		outbox:   NewOutboxRepository(db),
	}
}

// Models 需要迁移的表
func Models() []interface{} {
	return []interface{}{
		&model.Order{},
		&model.AmountReservation{},
		&model.ReferenceBinding{},
		&model.PaymentAttempt{},
		&model.OutboxMessage{},
	}
}

func (s *GormStore) CreateOrder(ctx context.Context, order *model.Order, event *model.OutboxMessage) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 唯一金额与存活订单的原价互不相等，索引管不到，需在事务内查
		taken, err := s.orders.LiveBaseExists(ctx, tx, order.UniqueAmount)
		if err != nil {
			return err
		}
		if taken {
			return ErrAmountTaken
		}
		baseLive, err := s.payments.AmountReserved(ctx, tx, order.BaseAmount)
		if err != nil {
			return err
		}
		if baseLive {
			return ErrBaseAmountLive
		}

		// 先写订单再占金额，订单号冲突与金额冲突各自对应不同的唯一索引
		if err := s.orders.Create(ctx, tx, order); err != nil {
			return err
		}
		reservation := &model.AmountReservation{
			Amount:    order.UniqueAmount,
			OrderID:   order.OrderID,
			ExpiresAt: order.PaymentWindowExpires,
			CreatedAt: order.CreatedAt,
		}
		if err := s.payments.ReserveAmount(ctx, tx, reservation); err != nil {
			return err
		}
		if event != nil {
			if err := s.outbox.Create(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.orders.GetByOrderID(ctx, nil, orderID)
}

func (s *GormStore) GetOrderByProviderSession(ctx context.Context, sessionID string) (*model.Order, error) {
	return s.orders.GetByProviderSession(ctx, sessionID)
}

func (s *GormStore) TransitionOrder(ctx context.Context, t Transition) (*model.Order, error) {
	var updated *model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if t.Binding != nil {
			if err := s.payments.CreateBinding(ctx, tx, t.Binding); err != nil {
				return err
			}
		}
		if err := s.orders.UpdateStatus(ctx, tx, t); err != nil {
			return err
		}
		if releasesAmount(t) {
			if err := s.payments.ReleaseAmount(ctx, tx, t.OrderID); err != nil {
				return err
			}
		}
		if t.Attempt != nil {
			if err := s.payments.CreateAttempt(ctx, tx, t.Attempt); err != nil {
				return err
			}
		}
		if t.Event != nil {
			if err := s.outbox.Create(ctx, tx, t.Event); err != nil {
				return err
			}
		}

		order, err := s.orders.GetByOrderID(ctx, tx, t.OrderID)
		if err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *GormStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.Order, error) {
	return s.orders.GetExpiredOrders(ctx, now, limit)
}

func (s *GormStore) ListByStatus(ctx context.Context, status string, limit int) ([]*model.Order, error) {
	return s.orders.ListByStatus(ctx, status, limit)
}

func (s *GormStore) RecordAttempt(ctx context.Context, attempt *model.PaymentAttempt) error {
	return s.payments.CreateAttempt(ctx, nil, attempt)
}

func (s *GormStore) FindAttempt(ctx context.Context, orderID, reference, source string) (*model.PaymentAttempt, error) {
	return s.payments.FindAttempt(ctx, orderID, reference, source)
}

func (s *GormStore) ListAttempts(ctx context.Context, orderID string) ([]*model.PaymentAttempt, error) {
	return s.payments.ListAttempts(ctx, orderID)
}

func (s *GormStore) GetBinding(ctx context.Context, reference string) (*model.ReferenceBinding, error) {
	return s.payments.GetBinding(ctx, reference)
}

func (s *GormStore) PendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	return s.outbox.GetPendingMessages(ctx, limit)
}

func (s *GormStore) MarkSent(ctx context.Context, id int64) error {
	return s.outbox.UpdateStatus(ctx, id, model.OutboxStatusSent)
}

func (s *GormStore) IncrementRetryCount(ctx context.Context, id int64) error {
	return s.outbox.IncrementRetryCount(ctx, id)
}

func (s *GormStore) MarkAsFailed(ctx context.Context, id int64) error {
	return s.outbox.MarkAsFailed(ctx, id)
}

var _ Store = (*GormStore)(nil)
