package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 订单状态机
// ============================================================================
//
//   pending_payment ──► awaiting_verification ──► verified
//         │                     │             ──► pending_review ──► verified / failed
//         │                     │             ──► failed
//         └──────► expired ◄────┘
//
// verified / failed / expired 为终态，不允许再流转。
// pending_review 只能通过人工审核流转。
// ============================================================================

const (
	OrderStatusPendingPayment       = "pending_payment"
	OrderStatusAwaitingVerification = "awaiting_verification"
	OrderStatusVerified             = "verified"
	OrderStatusPendingReview        = "pending_review"
	OrderStatusFailed               = "failed"
	OrderStatusExpired              = "expired"
)

var ValidStatusTransitions = map[string][]string{
	OrderStatusPendingPayment:       {OrderStatusAwaitingVerification, OrderStatusExpired},
	OrderStatusAwaitingVerification: {OrderStatusVerified, OrderStatusPendingReview, OrderStatusFailed, OrderStatusExpired},
	OrderStatusPendingReview:        {OrderStatusVerified, OrderStatusFailed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// IsLiveStatus 处于支付窗口内、持有唯一金额的状态
func IsLiveStatus(status string) bool {
	return status == OrderStatusPendingPayment || status == OrderStatusAwaitingVerification
}

func IsTerminalStatus(status string) bool {
	return status == OrderStatusVerified || status == OrderStatusFailed || status == OrderStatusExpired
}

type Order struct {
	ID                    int64               `gorm:"primaryKey;autoIncrement" json:"-"`
	OrderID               string              `gorm:"type:varchar(32);uniqueIndex;not null" json:"order_id"`
	ProductID             string              `gorm:"type:varchar(64);not null" json:"product_id"`
	ProductName           string              `gorm:"type:varchar(255);not null" json:"product_name"`
	BaseAmount            decimal.Decimal     `gorm:"type:decimal(12,2);not null" json:"base_amount"`
	UniqueAmount          decimal.Decimal     `gorm:"type:decimal(12,2);index;not null" json:"unique_amount"`
	PaymentWindowExpires  time.Time           `gorm:"index;not null" json:"payment_window_expires"`
	Status                string              `gorm:"type:varchar(32);index;not null" json:"status"`
	PaymentMethod         string              `gorm:"type:varchar(32)" json:"payment_method,omitempty"`
	ProviderSessionID     string              `gorm:"type:varchar(64);index" json:"provider_session_id,omitempty"`
	VerificationReference string              `gorm:"type:varchar(64)" json:"verification_reference,omitempty"`
	PaidAmount            decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"paid_amount"`
	UserAgent             string              `gorm:"type:varchar(512)" json:"-"`
	IPAddress             string              `gorm:"type:varchar(64)" json:"-"`
	CreatedAt             time.Time           `gorm:"index" json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
	VerifiedAt            *time.Time          `json:"verified_at,omitempty"`
}

func (Order) TableName() string {
	return "pay_order"
}

// WindowElapsed 支付窗口是否已过（严格大于过期时间）
func (o *Order) WindowElapsed(now time.Time) bool {
	return now.After(o.PaymentWindowExpires)
}

// Clone 返回订单的浅拷贝，VerifiedAt 单独复制
func (o *Order) Clone() *Order {
	c := *o
	if o.VerifiedAt != nil {
		t := *o.VerifiedAt
		c.VerifiedAt = &t
	}
	return &c
}
