package repository

import (
	"context"
	"errors"
	"time"

	"storepay/internal/model"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound      = errors.New("订单不存在")
	ErrOrderStatusInvalid = errors.New("订单状态不合法")
	ErrAmountTaken        = errors.New("唯一金额已被占用")
	ErrReferenceTaken     = errors.New("交易参考号已被绑定")
	ErrDuplicateOrder     = errors.New("订单号重复")
	// ErrBaseAmountLive 新订单的商品原价恰好是某个存活订单的唯一金额，换候选金额无法解决
	ErrBaseAmountLive = errors.New("原价与存活订单的唯一金额相同")
)

// Transition 一次订单状态变更，以及需要在同一事务内写入的附带记录
type Transition struct {
	OrderID string
	From    string
	To      string
	At      time.Time

	PaymentMethod     string
	ProviderSessionID string
	Reference         string
	PaidAmount        decimal.NullDecimal

	// 以下为可选项，非空时与状态变更原子写入
	Attempt *model.PaymentAttempt
	Binding *model.ReferenceBinding
	Event   *model.OutboxMessage
}

// OrderStore 订单与支付核验相关的持久化
type OrderStore interface {
	// CreateOrder 写入订单与唯一金额占用
	//
	// 唯一金额已被占用或等于某个存活订单的原价时返回 ErrAmountTaken，
	// 原价等于某个存活订单的唯一金额时返回 ErrBaseAmountLive，订单号重复返回 ErrDuplicateOrder。
	CreateOrder(ctx context.Context, order *model.Order, event *model.OutboxMessage) error
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	GetOrderByProviderSession(ctx context.Context, sessionID string) (*model.Order, error)
	// TransitionOrder CAS 更新状态（WHERE status = From），离开存活状态时释放唯一金额
	TransitionOrder(ctx context.Context, t Transition) (*model.Order, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.Order, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]*model.Order, error)

	RecordAttempt(ctx context.Context, attempt *model.PaymentAttempt) error
	// FindAttempt 查找同一订单、同一参考号、同一来源的最近一次核验，没有返回 nil
	FindAttempt(ctx context.Context, orderID, reference, source string) (*model.PaymentAttempt, error)
	ListAttempts(ctx context.Context, orderID string) ([]*model.PaymentAttempt, error)
	// GetBinding 没有绑定返回 nil, nil
	GetBinding(ctx context.Context, reference string) (*model.ReferenceBinding, error)
}

// OutboxStore outbox 消息的读取与投递状态维护
type OutboxStore interface {
	PendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	MarkSent(ctx context.Context, id int64) error
	IncrementRetryCount(ctx context.Context, id int64) error
	MarkAsFailed(ctx context.Context, id int64) error
}

type Store interface {
	OrderStore
	OutboxStore
}

// transitionUpdates 根据 Transition 生成订单需要更新的列
func transitionUpdates(t Transition) map[string]interface{} {
	updates := map[string]interface{}{
		"status":     t.To,
		"updated_at": t.At,
	}
	if t.PaymentMethod != "" {
		updates["payment_method"] = t.PaymentMethod
	}
	if t.ProviderSessionID != "" {
		updates["provider_session_id"] = t.ProviderSessionID
	}
	if t.Reference != "" {
		updates["verification_reference"] = t.Reference
	}
	if t.PaidAmount.Valid {
		updates["paid_amount"] = t.PaidAmount
	}
	if t.To == model.OrderStatusVerified {
		at := t.At
		updates["verified_at"] = &at
	}
	return updates
}

func releasesAmount(t Transition) bool {
	return model.IsLiveStatus(t.From) && !model.IsLiveStatus(t.To)
}
