package repository

import (
	"context"
	"errors"

	"storepay/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PaymentRepository 核验记录、参考号绑定、唯一金额占用
type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// ReserveAmount 依赖 amount 唯一索引，重复时返回 ErrAmountTaken
func (r *PaymentRepository) ReserveAmount(ctx context.Context, tx *gorm.DB, reservation *model.AmountReservation) error {
	err := r.conn(tx).WithContext(ctx).Create(reservation).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAmountTaken
	}
	return err
}

// AmountReserved 金额是否已被某个存活订单占用
func (r *PaymentRepository) AmountReserved(ctx context.Context, tx *gorm.DB, amount decimal.Decimal) (bool, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).Model(&model.AmountReservation{}).
		Where("amount = ?", amount).
		Count(&count).Error
	return count > 0, err
}

func (r *PaymentRepository) ReleaseAmount(ctx context.Context, tx *gorm.DB, orderID string) error {
	return r.conn(tx).WithContext(ctx).
		Where("order_id = ?", orderID).
		Delete(&model.AmountReservation{}).Error
}

// CreateBinding 依赖 reference 唯一索引，重复时返回 ErrReferenceTaken
func (r *PaymentRepository) CreateBinding(ctx context.Context, tx *gorm.DB, binding *model.ReferenceBinding) error {
	err := r.conn(tx).WithContext(ctx).Create(binding).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrReferenceTaken
	}
	return err
}

func (r *PaymentRepository) GetBinding(ctx context.Context, reference string) (*model.ReferenceBinding, error) {
	var binding model.ReferenceBinding
	err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&binding).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &binding, nil
}

func (r *PaymentRepository) CreateAttempt(ctx context.Context, tx *gorm.DB, attempt *model.PaymentAttempt) error {
	return r.conn(tx).WithContext(ctx).Create(attempt).Error
}

func (r *PaymentRepository) FindAttempt(ctx context.Context, orderID, reference, source string) (*model.PaymentAttempt, error) {
	var attempt model.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND reference = ? AND source = ?", orderID, reference, source).
		Order("id DESC").
		First(&attempt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &attempt, nil
}

func (r *PaymentRepository) ListAttempts(ctx context.Context, orderID string) ([]*model.PaymentAttempt, error) {
	var attempts []*model.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&attempts).Error
	return attempts, err
}
