package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"storepay/internal/channel"
	"storepay/internal/config"
	"storepay/internal/infrastructure/lock"
	"storepay/internal/model"
	"storepay/internal/repository"
	"storepay/pkg/idgen"
	"storepay/pkg/logger"
	"storepay/pkg/money"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// lockWait 等待订单锁的最长时间
const lockWait = 5 * time.Second

// OrderService 订单生命周期：创建、发起支付、核验、网关回调、人工审核、过期
//
// 同一订单的写操作先拿订单锁，再通过 CAS 更新状态；锁保证校验与写入之间
// 订单不被其它请求修改，CAS 保证即使锁失效也不会出现非法流转。
type OrderService struct {
	store         repository.OrderStore
	registry      *channel.Registry
	verifier      *Verifier
	disambiguator *Disambiguator
	locker        lock.Locker
	cfg           *config.Config
	now           func() time.Time
	newOrderID    func() string
	log           zerolog.Logger
}

type Option func(*OrderService)

// WithClock 替换时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(s *OrderService) { s.now = now }
}

func WithDisambiguator(d *Disambiguator) Option {
	return func(s *OrderService) { s.disambiguator = d }
}

func WithOrderIDGenerator(gen func() string) Option {
	return func(s *OrderService) { s.newOrderID = gen }
}

func NewOrderService(store repository.OrderStore, registry *channel.Registry, locker lock.Locker, cfg *config.Config, opts ...Option) *OrderService {
	s := &OrderService{
		store:         store,
		registry:      registry,
		verifier:      NewVerifier(store, cfg.Business.Tolerance()),
		disambiguator: NewDisambiguator(cfg.Business),
		locker:        locker,
		cfg:           cfg,
		now:           func() time.Time { return time.Now().UTC() },
		newOrderID:    idgen.GenerateOrderID,
		log:           logger.Component("OrderService"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================
// 创建订单
// ============================================================

type CreateOrderRequest struct {
	ProductID   string
	ProductName string
	Amount      decimal.Decimal
	UserAgent   string
	IPAddress   string
}

// CreateOrder 唯一金额冲突时重新抽取候选金额，订单号冲突时换一个订单号重试
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (_ *model.Order, err error) {
	defer func() { err = classify(err) }()

	if !req.Amount.IsPositive() || !money.HasAtMostTwoDecimals(req.Amount) {
		return nil, ErrInvalidAmount
	}

	now := s.now()
	order := &model.Order{
		OrderID:              s.newOrderID(),
		ProductID:            req.ProductID,
		ProductName:          req.ProductName,
		BaseAmount:           req.Amount,
		PaymentWindowExpires: now.Add(s.cfg.Business.PaymentWindow()),
		Status:               model.OrderStatusPendingPayment,
		UserAgent:            req.UserAgent,
		IPAddress:            req.IPAddress,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	_, err = s.disambiguator.Disambiguate(ctx, req.Amount, func(ctx context.Context, candidate decimal.Decimal) (bool, error) {
		// 原价与候选金额各一把锁，存活订单原价的检查与写入之间不会有并发插入
		release, err := s.acquireKeys(ctx, amountLockKey(req.Amount), amountLockKey(candidate))
		if err != nil {
			return false, err
		}
		defer release()

		order.ID = 0
		order.UniqueAmount = candidate
		err = s.store.CreateOrder(ctx, order, s.event(order, model.OrderStatusPendingPayment, "", ""))
		switch {
		case errors.Is(err, repository.ErrAmountTaken):
			s.log.Debug().Str("order_id", order.OrderID).Str("amount", candidate.StringFixed(2)).Msg("唯一金额冲突，重新抽取")
			return false, nil
		case errors.Is(err, repository.ErrDuplicateOrder):
			s.log.Warn().Str("order_id", order.OrderID).Msg("订单号冲突，重新生成")
			order.OrderID = s.newOrderID()
			return false, nil
		case errors.Is(err, repository.ErrBaseAmountLive):
			return false, fmt.Errorf("%w: %s is the payable amount of a live order", ErrAmountExhausted, req.Amount.StringFixed(2))
		case err != nil:
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("order_id", order.OrderID).
		Str("base_amount", order.BaseAmount.StringFixed(2)).
		Str("unique_amount", order.UniqueAmount.StringFixed(2)).
		Time("expires", order.PaymentWindowExpires).
		Msg("订单创建成功")
	return order, nil
}

// ============================================================
// 查询
// ============================================================

// GetOrder 返回订单快照；窗口已过的存活订单会被即时置为 expired
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (_ *model.Order, err error) {
	defer func() { err = classify(err) }()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if model.IsLiveStatus(order.Status) && order.WindowElapsed(s.now()) {
		return s.Expire(ctx, orderID)
	}
	return order, nil
}

func (s *OrderService) Countdown(order *model.Order) Countdown {
	return ComputeCountdown(order.PaymentWindowExpires, s.now())
}

func (s *OrderService) ListPendingReviews(ctx context.Context, limit int) ([]*model.Order, error) {
	orders, err := s.store.ListByStatus(ctx, model.OrderStatusPendingReview, limit)
	return orders, classify(err)
}

func (s *OrderService) ListAttempts(ctx context.Context, orderID string) ([]*model.PaymentAttempt, error) {
	if _, err := s.loadOrder(ctx, orderID); err != nil {
		return nil, classify(err)
	}
	attempts, err := s.store.ListAttempts(ctx, orderID)
	return attempts, classify(err)
}

// Channels 已配置的支付渠道，UPI 直连渠道附带可选 App
func (s *OrderService) Channels() []channel.Descriptor {
	return s.registry.Describe()
}

// ============================================================
// 发起支付
// ============================================================

// InitiatePayment 先判断过期，再判断状态；渠道成功后订单进入 awaiting_verification
func (s *OrderService) InitiatePayment(ctx context.Context, orderID, channelID string, cc channel.Context) (_ *channel.ClientAction, err error) {
	defer func() { err = classify(err) }()

	release, err := s.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status == model.OrderStatusExpired || order.WindowElapsed(s.now()) {
		if _, err := s.expireLocked(ctx, order); err != nil {
			return nil, err
		}
		return nil, ErrOrderExpired
	}
	if order.Status != model.OrderStatusPendingPayment {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidState, order.Status)
	}

	strategy, err := s.registry.Get(channelID)
	if err != nil {
		return nil, err
	}

	action, err := strategy.Initiate(ctx, order, cc)
	if err != nil {
		s.log.Warn().Err(err).Str("order_id", orderID).Str("channel", channelID).Msg("发起支付失败")
		return nil, err
	}

	_, err = s.store.TransitionOrder(ctx, repository.Transition{
		OrderID:           orderID,
		From:              model.OrderStatusPendingPayment,
		To:                model.OrderStatusAwaitingVerification,
		At:                s.now(),
		PaymentMethod:     channelID,
		ProviderSessionID: action.ProviderSessionID,
		Event:             s.eventWithMethod(order, model.OrderStatusAwaitingVerification, channelID, "", ""),
	})
	if err != nil {
		return nil, s.transitionError(ctx, orderID, err)
	}

	s.log.Info().Str("order_id", orderID).Str("channel", channelID).Str("kind", string(action.Kind)).Msg("已发起支付")
	return action, nil
}

// ============================================================
// 核验
// ============================================================

type VerificationResult struct {
	Order   *model.Order
	Verdict Verdict
	Message string
	// Replayed 为 true 表示重复提交，直接返回首次结论
	Replayed bool
}

func (r *VerificationResult) Success() bool {
	return r.Verdict.Kind == model.VerdictVerified
}

// SubmitVerification 用户提交 UTR 与实付金额
//
// 相同 (order_id, reference, amount) 的重复提交返回首次结论，不会重复流转。
// 格式错误只返回拒绝结论，订单保持 awaiting_verification，用户可以重新输入。
func (s *OrderService) SubmitVerification(ctx context.Context, orderID, reference string, claimed decimal.Decimal) (_ *VerificationResult, err error) {
	defer func() { err = classify(err) }()

	// 多于两位小数的金额不能四舍五入后当作匹配
	if claimed.IsNegative() || !money.HasAtMostTwoDecimals(claimed) {
		return nil, ErrInvalidAmount
	}
	reference = NormalizeReference(reference)
	claimedAmount := decimal.NewNullDecimal(claimed)

	release, err := s.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	prior, err := s.store.FindAttempt(ctx, orderID, reference, model.AttemptSourceUser)
	if err != nil {
		return nil, err
	}
	if prior != nil && prior.SameClaim(claimedAmount) {
		return s.replay(order, prior)
	}

	now := s.now()
	if order.Status == model.OrderStatusExpired {
		return nil, ErrOrderExpired
	}
	if model.IsLiveStatus(order.Status) && order.WindowElapsed(now) {
		if _, err := s.expireLocked(ctx, order); err != nil {
			return nil, err
		}
		return nil, ErrOrderExpired
	}
	if order.Status != model.OrderStatusAwaitingVerification {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidState, order.Status)
	}

	verdict, err := s.verifier.Verify(ctx, order, reference, claimed)
	if err != nil {
		return nil, err
	}
	if verdict.Reason == ReasonInvalidReferenceFormat {
		return &VerificationResult{Order: order, Verdict: verdict, Message: VerdictMessage(verdict, order, claimedAmount)}, nil
	}

	attempt := &model.PaymentAttempt{
		OrderID:       orderID,
		Reference:     reference,
		Source:        model.AttemptSourceUser,
		ClaimedAmount: claimedAmount,
		Channel:       order.PaymentMethod,
		CreatedAt:     now,
	}
	updated, verdict, err := s.settle(ctx, order, verdict, attempt, claimed)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("order_id", orderID).
		Str("reference", reference).
		Str("claimed", claimed.StringFixed(2)).
		Str("verdict", verdict.Kind).
		Str("reason", verdict.Reason).
		Msg("用户核验完成")
	return &VerificationResult{Order: updated, Verdict: verdict, Message: VerdictMessage(verdict, updated, claimedAmount)}, nil
}

// GatewayCompletion 渠道回调上报的支付完成
type GatewayCompletion struct {
	// OrderID 与 ProviderSessionID 至少一个非空
	OrderID           string
	ProviderSessionID string
	TransactionID     string
	Channel           string
	Amount            decimal.NullDecimal
}

// CompleteFromGateway 网关回调：交易号未被其它订单使用则进入 pending_review 等待人工确认
//
// 订单已过期时仍记录一次核验（reason=order_expired），返回 ErrOrderExpired。
func (s *OrderService) CompleteFromGateway(ctx context.Context, c *GatewayCompletion) (_ *VerificationResult, err error) {
	defer func() { err = classify(err) }()

	if c.TransactionID == "" {
		return nil, ErrMissingReference
	}

	orderID := c.OrderID
	if orderID == "" {
		found, err := s.store.GetOrderByProviderSession(ctx, c.ProviderSessionID)
		if err != nil {
			return nil, mapNotFound(err)
		}
		orderID = found.OrderID
	}

	release, err := s.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if c.ProviderSessionID != "" && order.ProviderSessionID != "" && c.ProviderSessionID != order.ProviderSessionID {
		return nil, ErrSessionMismatch
	}

	prior, err := s.store.FindAttempt(ctx, orderID, c.TransactionID, model.AttemptSourceGateway)
	if err != nil {
		return nil, err
	}
	if prior != nil && prior.SameClaim(c.Amount) {
		if prior.Reason == ReasonOrderExpired {
			return nil, ErrOrderExpired
		}
		return s.replay(order, prior)
	}

	now := s.now()
	attempt := &model.PaymentAttempt{
		OrderID:       orderID,
		Reference:     c.TransactionID,
		Source:        model.AttemptSourceGateway,
		ClaimedAmount: c.Amount,
		Channel:       c.Channel,
		CreatedAt:     now,
	}

	if order.Status == model.OrderStatusExpired || (model.IsLiveStatus(order.Status) && order.WindowElapsed(now)) {
		attempt.Verdict = model.VerdictRejected
		attempt.Reason = ReasonOrderExpired
		if err := s.store.RecordAttempt(ctx, attempt); err != nil {
			return nil, err
		}
		if _, err := s.expireLocked(ctx, order); err != nil {
			return nil, err
		}
		s.log.Warn().Str("order_id", orderID).Str("transaction_id", c.TransactionID).Msg("订单已过期，网关回调仅记录")
		return nil, ErrOrderExpired
	}
	if order.Status != model.OrderStatusAwaitingVerification {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidState, order.Status)
	}

	verdict, err := s.verifier.VerifyGatewayCompletion(ctx, order, c.TransactionID)
	if err != nil {
		return nil, err
	}

	bound := order.UniqueAmount
	if c.Amount.Valid {
		bound = c.Amount.Decimal
	}
	updated, verdict, err := s.settle(ctx, order, verdict, attempt, bound)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("order_id", orderID).
		Str("channel", c.Channel).
		Str("transaction_id", c.TransactionID).
		Str("verdict", verdict.Kind).
		Msg("网关回调处理完成")
	return &VerificationResult{Order: updated, Verdict: verdict, Message: VerdictMessage(verdict, updated, c.Amount)}, nil
}

// settle 把结论写成状态流转；接受的参考号与订单在同一事务内绑定
//
// 绑定时发现参考号已被并发占用，按 reference_already_used 置为 failed。
func (s *OrderService) settle(ctx context.Context, order *model.Order, verdict Verdict, attempt *model.PaymentAttempt, amount decimal.Decimal) (*model.Order, Verdict, error) {
	build := func(v Verdict) repository.Transition {
		attempt.Verdict = v.Kind
		attempt.Reason = v.Reason
		t := repository.Transition{
			OrderID:    order.OrderID,
			From:       order.Status,
			At:         attempt.CreatedAt,
			PaidAmount: attempt.ClaimedAmount,
			Attempt:    attempt,
		}
		switch v.Kind {
		case model.VerdictVerified:
			t.To = model.OrderStatusVerified
		case model.VerdictPendingReview:
			t.To = model.OrderStatusPendingReview
		default:
			t.To = model.OrderStatusFailed
		}
		if !v.IsRejected() {
			t.Reference = attempt.Reference
			t.Binding = &model.ReferenceBinding{
				Reference: attempt.Reference,
				OrderID:   order.OrderID,
				Amount:    amount,
				BoundAt:   attempt.CreatedAt,
			}
		}
		t.Event = s.event(order, t.To, attempt.Reference, v.Reason)
		return t
	}

	updated, err := s.store.TransitionOrder(ctx, build(verdict))
	if errors.Is(err, repository.ErrReferenceTaken) {
		verdict = Rejected(ReasonReferenceAlreadyUsed)
		updated, err = s.store.TransitionOrder(ctx, build(verdict))
	}
	if err != nil {
		return nil, verdict, s.transitionError(ctx, order.OrderID, err)
	}
	return updated, verdict, nil
}

func (s *OrderService) replay(order *model.Order, prior *model.PaymentAttempt) (*VerificationResult, error) {
	verdict := Verdict{Kind: prior.Verdict, Reason: prior.Reason}
	return &VerificationResult{
		Order:    order,
		Verdict:  verdict,
		Message:  VerdictMessage(verdict, order, prior.ClaimedAmount),
		Replayed: true,
	}, nil
}

// ============================================================
// 人工审核
// ============================================================

// Adjudicate pending_review 订单的人工结论
func (s *OrderService) Adjudicate(ctx context.Context, orderID string, approve bool) (_ *model.Order, err error) {
	defer func() { err = classify(err) }()

	release, err := s.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderStatusPendingReview {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidState, order.Status)
	}

	to, reason := model.OrderStatusVerified, ""
	if !approve {
		to, reason = model.OrderStatusFailed, "manual_rejected"
	}
	updated, err := s.store.TransitionOrder(ctx, repository.Transition{
		OrderID: orderID,
		From:    model.OrderStatusPendingReview,
		To:      to,
		At:      s.now(),
		Event:   s.event(order, to, order.VerificationReference, reason),
	})
	if err != nil {
		return nil, s.transitionError(ctx, orderID, err)
	}

	s.log.Info().Str("order_id", orderID).Bool("approved", approve).Msg("人工审核完成")
	return updated, nil
}

// ============================================================
// 过期
// ============================================================

// Expire 幂等：非存活订单、窗口未过的订单原样返回
func (s *OrderService) Expire(ctx context.Context, orderID string) (_ *model.Order, err error) {
	defer func() { err = classify(err) }()

	release, err := s.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.expireLocked(ctx, order)
}

// ExpireDue 批量处理已过窗口的存活订单，返回本次置为 expired 的数量
func (s *OrderService) ExpireDue(ctx context.Context, limit int) (int, error) {
	orders, err := s.store.ListExpired(ctx, s.now(), limit)
	if err != nil {
		return 0, classify(err)
	}

	expired := 0
	for _, o := range orders {
		updated, err := s.Expire(ctx, o.OrderID)
		if err != nil {
			s.log.Error().Err(err).Str("order_id", o.OrderID).Msg("订单过期处理失败")
			continue
		}
		if updated.Status == model.OrderStatusExpired {
			expired++
		}
	}
	return expired, nil
}

func (s *OrderService) expireLocked(ctx context.Context, order *model.Order) (*model.Order, error) {
	if !model.IsLiveStatus(order.Status) || !order.WindowElapsed(s.now()) {
		return order, nil
	}

	updated, err := s.store.TransitionOrder(ctx, repository.Transition{
		OrderID: order.OrderID,
		From:    order.Status,
		To:      model.OrderStatusExpired,
		At:      s.now(),
		Event:   s.event(order, model.OrderStatusExpired, "", ""),
	})
	if errors.Is(err, repository.ErrOrderStatusInvalid) {
		return s.loadOrder(ctx, order.OrderID)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("order_id", order.OrderID).
		Str("from", order.Status).
		Str("unique_amount", order.UniqueAmount.StringFixed(2)).
		Msg("订单已过期")
	return updated, nil
}

// ============================================================
// 内部工具
// ============================================================

func orderLockKey(orderID string) string {
	return "order:" + orderID
}

func amountLockKey(amount decimal.Decimal) string {
	return "amount:" + amount.StringFixed(2)
}

func (s *OrderService) acquire(ctx context.Context, orderID string) (func(), error) {
	return s.acquireKeys(ctx, orderLockKey(orderID))
}

// acquireKeys 按字典序依次加锁，两个请求不会交叉持有对方等待的锁
//
// 锁被占用超时返回 ErrOrderBusy，锁服务不可达返回 ErrStoreUnavailable。
func (s *OrderService) acquireKeys(ctx context.Context, keys ...string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()

	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for i, key := range sorted {
		if i > 0 && key == sorted[i-1] {
			continue
		}
		release, err := s.locker.Acquire(lockCtx, key)
		if err != nil {
			releaseAll()
			if errors.Is(err, lock.ErrLockFailed) {
				return nil, fmt.Errorf("%w: %v", ErrOrderBusy, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func (s *OrderService) loadOrder(ctx context.Context, orderID string) (*model.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return order, nil
}

// transitionError CAS 失败时重新读取订单，给出具体原因
func (s *OrderService) transitionError(ctx context.Context, orderID string, err error) error {
	if !errors.Is(err, repository.ErrOrderStatusInvalid) {
		return err
	}
	current, loadErr := s.loadOrder(ctx, orderID)
	if loadErr != nil {
		return loadErr
	}
	if current.Status == model.OrderStatusExpired {
		return ErrOrderExpired
	}
	return fmt.Errorf("%w: order is %s", ErrInvalidState, current.Status)
}

func mapNotFound(err error) error {
	if errors.Is(err, repository.ErrOrderNotFound) {
		return ErrOrderNotFound
	}
	return err
}

func (s *OrderService) event(order *model.Order, to, reference, reason string) *model.OutboxMessage {
	return s.eventWithMethod(order, to, order.PaymentMethod, reference, reason)
}

func (s *OrderService) eventWithMethod(order *model.Order, to, method, reference, reason string) *model.OutboxMessage {
	evt := model.OrderEvent{
		EventID:      idgen.NextID(),
		OrderID:      order.OrderID,
		FromStatus:   order.Status,
		ToStatus:     to,
		UniqueAmount: order.UniqueAmount.StringFixed(2),
		Method:       method,
		Reference:    reference,
		Reason:       reason,
		OccurredAt:   s.now(),
	}
	if to == model.OrderStatusPendingPayment {
		evt.FromStatus = ""
	}
	payload, _ := json.Marshal(evt)
	return &model.OutboxMessage{
		MessageKey: order.OrderID,
		Topic:      s.cfg.Kafka.Topic.OrderEvent,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
}

// VerdictMessage 面向用户的提示
func VerdictMessage(v Verdict, order *model.Order, claimed decimal.NullDecimal) string {
	switch {
	case v.Kind == model.VerdictVerified:
		return "Payment verified successfully! Your order has been confirmed."
	case v.Kind == model.VerdictPendingReview:
		return "Payment received! Your payment is being reviewed and will be confirmed shortly."
	case v.Reason == ReasonInvalidReferenceFormat:
		return "Invalid UTR number. It must be exactly 12 digits."
	case v.Reason == ReasonReferenceAlreadyUsed:
		return "This transaction ID has already been used for another payment. Each UTR can only be used once."
	case v.Reason == ReasonAmountMismatch && claimed.Valid:
		return fmt.Sprintf("The amount you paid (₹%s) does not match the order amount (₹%s). Please contact support.",
			claimed.Decimal.StringFixed(2), order.UniqueAmount.StringFixed(2))
	case v.Reason == ReasonOrderExpired:
		return "Your order has expired. Please place a new order."
	default:
		return "Payment verification failed. Please check the details and try again, or contact support."
	}
}
