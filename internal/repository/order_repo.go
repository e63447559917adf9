package repository

import (
	"context"
	"errors"
	"time"

	"storepay/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *OrderRepository) Create(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	err := r.conn(tx).WithContext(ctx).Create(order).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateOrder
	}
	return err
}

// LiveBaseExists 是否存在原价等于 amount 的存活订单
func (r *OrderRepository) LiveBaseExists(ctx context.Context, tx *gorm.DB, amount decimal.Decimal) (bool, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).Model(&model.Order{}).
		Where("base_amount = ? AND status IN ?", amount,
			[]string{model.OrderStatusPendingPayment, model.OrderStatusAwaitingVerification}).
		Count(&count).Error
	return count > 0, err
}

func (r *OrderRepository) GetByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*model.Order, error) {
	var order model.Order
	err := r.conn(tx).WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *OrderRepository) GetByProviderSession(ctx context.Context, sessionID string) (*model.Order, error) {
	if sessionID == "" {
		return nil, ErrOrderNotFound
	}
	var order model.Order
	err := r.db.WithContext(ctx).Where("provider_session_id = ?", sessionID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// UpdateStatus 乐观锁更新：只有当前状态等于 From 时才会更新成功
func (r *OrderRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, t Transition) error {
	if !model.CanTransitionTo(t.From, t.To) {
		return ErrOrderStatusInvalid
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.Order{}).
		Where("order_id = ? AND status = ?", t.OrderID, t.From).
		Updates(transitionUpdates(t))

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrOrderStatusInvalid
	}

	return nil
}

// GetExpiredOrders 支付窗口已过但仍处于存活状态的订单
func (r *OrderRepository) GetExpiredOrders(ctx context.Context, now time.Time, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("status IN ? AND payment_window_expires < ?",
			[]string{model.OrderStatusPendingPayment, model.OrderStatusAwaitingVerification}, now).
		Order("payment_window_expires ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *OrderRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("updated_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}
