package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"storepay/internal/model"
)

// MemoryStore 进程内 Store 实现，database.driver=memory 时使用，也用于测试
//
// 所有操作在同一把互斥锁下完成，语义上等价于 GormStore 的单事务。
type MemoryStore struct {
	mu sync.Mutex

	orders       map[string]*model.Order
	reservations map[string]string // amount(2dp) -> order_id
	bindings     map[string]*model.ReferenceBinding
	attempts     []*model.PaymentAttempt
	outbox       []*model.OutboxMessage

	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:       make(map[string]*model.Order),
		reservations: make(map[string]string),
		bindings:     make(map[string]*model.ReferenceBinding),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) CreateOrder(_ context.Context, order *model.Order, event *model.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.OrderID]; exists {
		return ErrDuplicateOrder
	}
	key := order.UniqueAmount.StringFixed(2)
	if _, taken := s.reservations[key]; taken {
		return ErrAmountTaken
	}
	// 唯一金额不能等于任何存活订单的原价，反之亦然
	for _, live := range s.orders {
		if model.IsLiveStatus(live.Status) && live.BaseAmount.Equal(order.UniqueAmount) {
			return ErrAmountTaken
		}
	}
	if _, taken := s.reservations[order.BaseAmount.StringFixed(2)]; taken {
		return ErrBaseAmountLive
	}

	order.ID = s.id()
	s.reservations[key] = order.OrderID
	s.orders[order.OrderID] = order.Clone()
	if event != nil {
		s.appendOutbox(event)
	}
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (s *MemoryStore) GetOrderByProviderSession(_ context.Context, sessionID string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, order := range s.orders {
		if sessionID != "" && order.ProviderSessionID == sessionID {
			return order.Clone(), nil
		}
	}
	return nil, ErrOrderNotFound
}

func (s *MemoryStore) TransitionOrder(_ context.Context, t Transition) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !model.CanTransitionTo(t.From, t.To) {
		return nil, ErrOrderStatusInvalid
	}
	order, ok := s.orders[t.OrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if order.Status != t.From {
		return nil, ErrOrderStatusInvalid
	}
	if t.Binding != nil {
		if _, taken := s.bindings[t.Binding.Reference]; taken {
			return nil, ErrReferenceTaken
		}
	}

	// 校验全部通过后再写，保证与事务一样要么全成功要么全不变
	updated := order.Clone()
	updated.Status = t.To
	updated.UpdatedAt = t.At
	if t.PaymentMethod != "" {
		updated.PaymentMethod = t.PaymentMethod
	}
	if t.ProviderSessionID != "" {
		updated.ProviderSessionID = t.ProviderSessionID
	}
	if t.Reference != "" {
		updated.VerificationReference = t.Reference
	}
	if t.PaidAmount.Valid {
		updated.PaidAmount = t.PaidAmount
	}
	if t.To == model.OrderStatusVerified {
		at := t.At
		updated.VerifiedAt = &at
	}
	s.orders[t.OrderID] = updated

	if t.Binding != nil {
		b := *t.Binding
		b.ID = s.id()
		t.Binding.ID = b.ID
		s.bindings[b.Reference] = &b
	}
	if releasesAmount(t) {
		for amount, owner := range s.reservations {
			if owner == t.OrderID {
				delete(s.reservations, amount)
			}
		}
	}
	if t.Attempt != nil {
		s.appendAttempt(t.Attempt)
	}
	if t.Event != nil {
		s.appendOutbox(t.Event)
	}
	return updated.Clone(), nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []*model.Order
	for _, order := range s.orders {
		if model.IsLiveStatus(order.Status) && order.PaymentWindowExpires.Before(now) {
			orders = append(orders, order.Clone())
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].PaymentWindowExpires.Before(orders[j].PaymentWindowExpires)
	})
	return truncate(orders, limit), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status string, limit int) ([]*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []*model.Order
	for _, order := range s.orders {
		if order.Status == status {
			orders = append(orders, order.Clone())
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].UpdatedAt.Before(orders[j].UpdatedAt)
	})
	return truncate(orders, limit), nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, attempt *model.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendAttempt(attempt)
	return nil
}

func (s *MemoryStore) FindAttempt(_ context.Context, orderID, reference, source string) (*model.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.attempts) - 1; i >= 0; i-- {
		a := s.attempts[i]
		if a.OrderID == orderID && a.Reference == reference && a.Source == source {
			c := *a
			return &c, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, orderID string) ([]*model.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var attempts []*model.PaymentAttempt
	for _, a := range s.attempts {
		if a.OrderID == orderID {
			c := *a
			attempts = append(attempts, &c)
		}
	}
	return attempts, nil
}

func (s *MemoryStore) GetBinding(_ context.Context, reference string) (*model.ReferenceBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bindings[reference]
	if !ok {
		return nil, nil
	}
	c := *b
	return &c, nil
}

func (s *MemoryStore) PendingMessages(_ context.Context, limit int) ([]*model.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []*model.OutboxMessage
	for _, m := range s.outbox {
		if m.Status == model.OutboxStatusPending {
			c := *m
			messages = append(messages, &c)
		}
	}
	return truncate(messages, limit), nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id int64) error {
	return s.updateOutbox(id, func(m *model.OutboxMessage) { m.Status = model.OutboxStatusSent })
}

func (s *MemoryStore) IncrementRetryCount(_ context.Context, id int64) error {
	return s.updateOutbox(id, func(m *model.OutboxMessage) { m.RetryCount++ })
}

func (s *MemoryStore) MarkAsFailed(_ context.Context, id int64) error {
	return s.updateOutbox(id, func(m *model.OutboxMessage) { m.Status = model.OutboxStatusFailed })
}

// ReservedAmounts 当前被占用的唯一金额数量
func (s *MemoryStore) ReservedAmounts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reservations)
}

// OutboxMessages 返回全部 outbox 消息的拷贝
func (s *MemoryStore) OutboxMessages() []model.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := make([]model.OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		messages = append(messages, *m)
	}
	return messages
}

func (s *MemoryStore) appendAttempt(attempt *model.PaymentAttempt) {
	attempt.ID = s.id()
	c := *attempt
	s.attempts = append(s.attempts, &c)
}

func (s *MemoryStore) appendOutbox(msg *model.OutboxMessage) {
	msg.ID = s.id()
	if msg.Status == "" {
		msg.Status = model.OutboxStatusPending
	}
	c := *msg
	s.outbox = append(s.outbox, &c)
}

func (s *MemoryStore) updateOutbox(id int64, fn func(m *model.OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.outbox {
		if m.ID == id {
			fn(m)
			m.UpdatedAt = time.Now()
			return nil
		}
	}
	return nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
