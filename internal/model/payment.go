package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	AttemptSourceUser    = "user"
	AttemptSourceGateway = "gateway"
)

const (
	VerdictVerified      = "verified"
	VerdictPendingReview = "pending_review"
	VerdictRejected      = "rejected"
)

// PaymentAttempt 每一次到达校验器的核验请求，包括被拒绝的
type PaymentAttempt struct {
	ID            int64               `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID       string              `gorm:"type:varchar(32);index:idx_attempt_lookup;not null" json:"order_id"`
	Reference     string              `gorm:"type:varchar(64);index:idx_attempt_lookup;not null" json:"reference"`
	Source        string              `gorm:"type:varchar(16);index:idx_attempt_lookup;not null" json:"source"`
	ClaimedAmount decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"claimed_amount"`
	Channel       string              `gorm:"type:varchar(32)" json:"channel,omitempty"`
	Verdict       string              `gorm:"type:varchar(32);not null" json:"verdict"`
	Reason        string              `gorm:"type:varchar(64)" json:"reason,omitempty"`
	CreatedAt     time.Time           `gorm:"index" json:"created_at"`
}

func (PaymentAttempt) TableName() string {
	return "payment_attempt"
}

// SameClaim 判断是否为同一笔提交（用于幂等）
func (a *PaymentAttempt) SameClaim(claimed decimal.NullDecimal) bool {
	if a.ClaimedAmount.Valid != claimed.Valid {
		return false
	}
	if !claimed.Valid {
		return true
	}
	return a.ClaimedAmount.Decimal.Equal(claimed.Decimal)
}

// ReferenceBinding 已被接受的 UTR / 交易号，与订单一对一绑定，写入后不可修改
type ReferenceBinding struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Reference string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"reference"`
	OrderID   string          `gorm:"type:varchar(32);index;not null" json:"order_id"`
	Amount    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	BoundAt   time.Time       `gorm:"not null" json:"bound_at"`
}

func (ReferenceBinding) TableName() string {
	return "payment_reference"
}

// AmountReservation 存活订单占用的唯一金额，依赖唯一索引保证同一金额只被一个存活订单持有
type AmountReservation struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Amount    decimal.Decimal `gorm:"type:decimal(12,2);uniqueIndex;not null" json:"amount"`
	OrderID   string          `gorm:"type:varchar(32);uniqueIndex;not null" json:"order_id"`
	ExpiresAt time.Time       `gorm:"not null" json:"expires_at"`
	CreatedAt time.Time       `json:"created_at"`
}

func (AmountReservation) TableName() string {
	return "amount_reservation"
}
