package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"storepay/internal/channel"
	"storepay/internal/config"
	"storepay/internal/infrastructure/lock"
	"storepay/internal/model"
	"storepay/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubWidget struct{ n int }

func (w *stubWidget) CreateSession(_ context.Context, order *model.Order) (*channel.WidgetSession, error) {
	w.n++
	id := "order_" + order.OrderID
	return &channel.WidgetSession{Token: id, ProviderSessionID: id, MerchantID: "rzp_test"}, nil
}

type fixture struct {
	svc   *OrderService
	store *repository.MemoryStore
	clock *fakeClock
	cfg   *config.Config
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Channels.UPI.DefaultVPA = "shop@oksbi"
	cfg.Channels.UPI.PayeeName = "Test Shop"

	registry := channel.NewRegistry(
		channel.NewDirectLinkStrategy(cfg.Channels.UPI, cfg.Business.Currency),
		channel.NewHostedWidgetStrategy(&stubWidget{}, time.Second),
	)
	store := repository.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	svc := NewOrderService(store, registry, lock.NewLocalLocker(), cfg, opts...)
	return &fixture{svc: svc, store: store, clock: clock, cfg: cfg}
}

// fixedOffsets 让第一次抽到的偏移为 first paise
func fixedOffsets(first int) Option {
	return func(s *OrderService) {
		s.disambiguator.perm = func(n int) []int {
			p := make([]int, n)
			for i := range p {
				p[i] = (i + first - 1) % n
			}
			return p
		}
	}
}

func (f *fixture) createOrder(t *testing.T, amount string) *model.Order {
	t.Helper()
	order, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		ProductID:   "prod-1",
		ProductName: "Ebook",
		Amount:      decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	return order
}

func (f *fixture) awaiting(t *testing.T, amount string) *model.Order {
	t.Helper()
	order := f.createOrder(t, amount)
	_, err := f.svc.InitiatePayment(context.Background(), order.OrderID, channel.IDUPIDirect, channel.Context{})
	require.NoError(t, err)
	return order
}

func TestOrderService_HappyPath(t *testing.T) {
	f := newFixture(t, fixedOffsets(37))
	ctx := context.Background()

	order := f.createOrder(t, "1999.00")
	assert.Equal(t, "1999.37", order.UniqueAmount.StringFixed(2))
	assert.Equal(t, model.OrderStatusPendingPayment, order.Status)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), order.PaymentWindowExpires)
	assert.Equal(t, "10:00", f.svc.Countdown(order).Display)

	action, err := f.svc.InitiatePayment(ctx, order.OrderID, channel.IDUPIDirect, channel.Context{Platform: "android"})
	require.NoError(t, err)
	assert.Equal(t, channel.KindExternalURI, action.Kind)
	assert.Contains(t, action.URI, "am=1999.37")

	got, err := f.svc.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusAwaitingVerification, got.Status)
	assert.Equal(t, channel.IDUPIDirect, got.PaymentMethod)

	f.clock.Advance(3 * time.Minute)
	res, err := f.svc.SubmitVerification(ctx, order.OrderID, "123456789012", decimal.RequireFromString("1999.37"))
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.False(t, res.Replayed)
	assert.Equal(t, model.OrderStatusVerified, res.Order.Status)
	assert.Equal(t, "123456789012", res.Order.VerificationReference)
	assert.Equal(t, "Payment verified successfully! Your order has been confirmed.", res.Message)

	assert.Equal(t, 0, f.store.ReservedAmounts())

	msgs := f.store.OutboxMessages()
	require.Len(t, msgs, 3)
	var last model.OrderEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[2].Payload), &last))
	assert.Equal(t, model.OrderStatusAwaitingVerification, last.FromStatus)
	assert.Equal(t, model.OrderStatusVerified, last.ToStatus)
	assert.Equal(t, "123456789012", last.Reference)
	assert.Equal(t, f.cfg.Kafka.Topic.OrderEvent, msgs[2].Topic)
}

func TestOrderService_CreateOrder_InvalidAmount(t *testing.T) {
	f := newFixture(t)
	for _, amount := range []string{"0", "-5", "10.001"} {
		_, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{Amount: decimal.RequireFromString(amount)})
		assert.ErrorIs(t, err, ErrInvalidAmount, amount)
	}
}

func TestOrderService_UniqueAmountsAmongLiveOrders(t *testing.T) {
	f := newFixture(t)
	f.cfg.Business.AmountMaxAttempts = 99
	f.svc.disambiguator = NewDisambiguator(f.cfg.Business)

	seen := make(map[string]struct{})
	for i := 0; i < 99; i++ {
		order := f.createOrder(t, "100.00")
		seen[order.UniqueAmount.StringFixed(2)] = struct{}{}
	}
	assert.Len(t, seen, 99)

	_, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{Amount: decimal.NewFromInt(100)})
	assert.ErrorIs(t, err, ErrAmountExhausted)

	// 其它原价不受影响
	f.createOrder(t, "101.00")
}

func TestOrderService_AmountReusableAfterExpiry(t *testing.T) {
	f := newFixture(t, fixedOffsets(37))
	first := f.createOrder(t, "1999.00")

	f.clock.Advance(11 * time.Minute)
	n, err := f.svc.ExpireDue(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	second := f.createOrder(t, "1999.00")
	assert.Equal(t, first.UniqueAmount.String(), second.UniqueAmount.String())
}

func TestOrderService_CreateOrder_SkipsWholeRupee(t *testing.T) {
	f := newFixture(t, fixedOffsets(50))

	order := f.createOrder(t, "100.50")
	assert.Equal(t, "101.01", order.UniqueAmount.StringFixed(2))
}

func TestOrderService_UniqueAmountAvoidsLiveBasePrices(t *testing.T) {
	f := newFixture(t, fixedOffsets(50))
	ctx := context.Background()

	b := f.createOrder(t, "101.25")
	assert.Equal(t, "101.75", b.UniqueAmount.StringFixed(2))

	// 100.75 + 0.50 = 101.25，与存活订单 b 的原价相同，换下一个偏移
	a := f.createOrder(t, "100.75")
	assert.Equal(t, "101.26", a.UniqueAmount.StringFixed(2))

	// 原价等于存活订单的唯一金额
	_, err := f.svc.CreateOrder(ctx, &CreateOrderRequest{Amount: decimal.RequireFromString("101.26")})
	assert.ErrorIs(t, err, ErrAmountExhausted)

	f.clock.Advance(11 * time.Minute)
	n, err := f.svc.ExpireDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c := f.createOrder(t, "101.26")
	assert.Equal(t, "101.76", c.UniqueAmount.StringFixed(2))
	again := f.createOrder(t, "100.75")
	assert.Equal(t, "101.25", again.UniqueAmount.StringFixed(2))
}

func TestOrderService_CreateOrder_RegeneratesCollidingOrderID(t *testing.T) {
	ids := []string{"ORD-DUP", "ORD-DUP", "ORD-FRESH"}
	var mu sync.Mutex
	next := func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}
	f := newFixture(t, fixedOffsets(37), WithOrderIDGenerator(next))

	first := f.createOrder(t, "1999.00")
	assert.Equal(t, "ORD-DUP", first.OrderID)

	second := f.createOrder(t, "1999.00")
	assert.Equal(t, "ORD-FRESH", second.OrderID)
	assert.NotEqual(t, first.UniqueAmount.String(), second.UniqueAmount.String())

	got, err := f.svc.GetOrder(context.Background(), "ORD-DUP")
	require.NoError(t, err)
	assert.Equal(t, first.UniqueAmount.String(), got.UniqueAmount.String())
}

// unreachableStore 读写都返回连接错误
type unreachableStore struct {
	*repository.MemoryStore
}

var errConnRefused = errors.New("dial tcp 10.0.0.5:3306: connect: connection refused")

func (unreachableStore) CreateOrder(context.Context, *model.Order, *model.OutboxMessage) error {
	return errConnRefused
}

func (unreachableStore) GetOrder(context.Context, string) (*model.Order, error) {
	return nil, errConnRefused
}

type stubLocker struct{ err error }

func (l stubLocker) Acquire(context.Context, string) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	return func() {}, nil
}

func TestOrderService_StoreUnavailable(t *testing.T) {
	cfg := config.Default()
	registry := channel.NewRegistry(channel.NewHostedWidgetStrategy(&stubWidget{}, time.Second))
	ctx := context.Background()

	svc := NewOrderService(unreachableStore{repository.NewMemoryStore()}, registry, lock.NewLocalLocker(), cfg)

	_, err := svc.CreateOrder(ctx, &CreateOrderRequest{Amount: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrAmountExhausted)

	_, err = svc.GetOrder(ctx, "ORD-1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrOrderNotFound)

	_, err = svc.SubmitVerification(ctx, "ORD-1", "123456789012", decimal.RequireFromString("10.37"))
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = svc.InitiatePayment(ctx, "ORD-1", channel.IDHostedWidget, channel.Context{})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestOrderService_LockErrors(t *testing.T) {
	cfg := config.Default()
	registry := channel.NewRegistry()
	store := repository.NewMemoryStore()
	ctx := context.Background()

	busy := NewOrderService(store, registry, stubLocker{err: lock.ErrLockFailed}, cfg)
	_, err := busy.Expire(ctx, "ORD-1")
	assert.ErrorIs(t, err, ErrOrderBusy)

	down := NewOrderService(store, registry, stubLocker{err: errors.New("redis 加锁失败: dial tcp 127.0.0.1:6379: connect: connection refused")}, cfg)
	_, err = down.Expire(ctx, "ORD-1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrOrderBusy)

	_, err = down.CreateOrder(ctx, &CreateOrderRequest{Amount: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestOrderService_SubmitVerification_SubPaiseClaim(t *testing.T) {
	f := newFixture(t, fixedOffsets(37))
	order := f.awaiting(t, "1999.00")

	_, err := f.svc.SubmitVerification(context.Background(), order.OrderID, "123456789012", decimal.RequireFromString("1999.371"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	got, err := f.svc.GetOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusAwaitingVerification, got.Status)
	attempts, err := f.svc.ListAttempts(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestOrderService_SubmitVerification_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.awaiting(t, "500.00")

	first, err := f.svc.SubmitVerification(ctx, order.OrderID, "123456789012", order.UniqueAmount)
	require.NoError(t, err)
	require.True(t, first.Success())
	events := len(f.store.OutboxMessages())

	again, err := f.svc.SubmitVerification(ctx, order.OrderID, "1234 5678 9012", order.UniqueAmount)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Verdict, again.Verdict)
	assert.Equal(t, model.OrderStatusVerified, again.Order.Status)
	assert.Len(t, f.store.OutboxMessages(), events)

	attempts, err := f.svc.ListAttempts(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)

	// 换一个参考号就不是重复提交，订单已终结
	_, err = f.svc.SubmitVerification(ctx, order.OrderID, "999999999999", order.UniqueAmount)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestOrderService_SubmitVerification_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid format keeps order awaiting", func(t *testing.T) {
		f := newFixture(t)
		order := f.awaiting(t, "500.00")

		res, err := f.svc.SubmitVerification(ctx, order.OrderID, "12345", order.UniqueAmount)
		require.NoError(t, err)
		assert.Equal(t, ReasonInvalidReferenceFormat, res.Verdict.Reason)
		assert.Equal(t, model.OrderStatusAwaitingVerification, res.Order.Status)
		assert.Equal(t, "Invalid UTR number. It must be exactly 12 digits.", res.Message)

		res, err = f.svc.SubmitVerification(ctx, order.OrderID, "123456789012", order.UniqueAmount)
		require.NoError(t, err)
		assert.True(t, res.Success())
	})

	t.Run("base amount instead of unique amount", func(t *testing.T) {
		f := newFixture(t, fixedOffsets(37))
		order := f.awaiting(t, "1999.00")

		res, err := f.svc.SubmitVerification(ctx, order.OrderID, "123456789012", decimal.RequireFromString("1999.00"))
		require.NoError(t, err)
		assert.Equal(t, Rejected(ReasonAmountMismatch), res.Verdict)
		assert.Equal(t, model.OrderStatusFailed, res.Order.Status)
		assert.Contains(t, res.Message, "₹1999.00")
		assert.Contains(t, res.Message, "₹1999.37")

		binding, err := f.store.GetBinding(ctx, "123456789012")
		require.NoError(t, err)
		assert.Nil(t, binding)
	})

	t.Run("reference used by another order", func(t *testing.T) {
		f := newFixture(t)
		a := f.awaiting(t, "500.00")
		b := f.awaiting(t, "500.00")

		res, err := f.svc.SubmitVerification(ctx, a.OrderID, "123456789012", a.UniqueAmount)
		require.NoError(t, err)
		require.True(t, res.Success())

		res, err = f.svc.SubmitVerification(ctx, b.OrderID, "123456789012", b.UniqueAmount)
		require.NoError(t, err)
		assert.Equal(t, Rejected(ReasonReferenceAlreadyUsed), res.Verdict)
		assert.Equal(t, model.OrderStatusFailed, res.Order.Status)
	})

	t.Run("not yet initiated", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t, "500.00")
		_, err := f.svc.SubmitVerification(ctx, order.OrderID, "123456789012", order.UniqueAmount)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("unknown order", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.SubmitVerification(ctx, "ORD-NOPE", "123456789012", decimal.NewFromInt(1))
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})
}

func TestOrderService_ConcurrentReferenceExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 6
	orders := make([]*model.Order, n)
	for i := range orders {
		orders[i] = f.awaiting(t, "250.00")
	}

	var wg sync.WaitGroup
	results := make([]*VerificationResult, n)
	for i := range orders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.SubmitVerification(ctx, orders[i].OrderID, "555555555555", orders[i].UniqueAmount)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	verified := 0
	for _, res := range results {
		require.NotNil(t, res)
		if res.Success() {
			verified++
		} else {
			assert.Equal(t, ReasonReferenceAlreadyUsed, res.Verdict.Reason)
		}
	}
	assert.Equal(t, 1, verified)
}

func TestOrderService_Expiry(t *testing.T) {
	ctx := context.Background()

	t.Run("boundary is inclusive", func(t *testing.T) {
		f := newFixture(t)
		order := f.awaiting(t, "500.00")

		f.clock.Advance(10 * time.Minute)
		got, err := f.svc.GetOrder(ctx, order.OrderID)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusAwaitingVerification, got.Status)
		assert.Equal(t, "0:00", f.svc.Countdown(got).Display)

		res, err := f.svc.SubmitVerification(ctx, order.OrderID, "123456789012", order.UniqueAmount)
		require.NoError(t, err)
		assert.True(t, res.Success())
	})

	t.Run("lazy expiry on read", func(t *testing.T) {
		f := newFixture(t)
		order := f.awaiting(t, "500.00")

		f.clock.Advance(10*time.Minute + time.Second)
		got, err := f.svc.GetOrder(ctx, order.OrderID)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusExpired, got.Status)
		assert.True(t, f.svc.Countdown(got).Expired)

		_, err = f.svc.SubmitVerification(ctx, order.OrderID, "123456789012", order.UniqueAmount)
		assert.ErrorIs(t, err, ErrOrderExpired)
	})

	t.Run("verification after window expires the order", func(t *testing.T) {
		f := newFixture(t)
		order := f.awaiting(t, "500.00")

		f.clock.Advance(11 * time.Minute)
		_, err := f.svc.SubmitVerification(ctx, order.OrderID, "123456789012", order.UniqueAmount)
		assert.ErrorIs(t, err, ErrOrderExpired)

		got, err := f.store.GetOrder(ctx, order.OrderID)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusExpired, got.Status)
	})

	t.Run("initiate after window", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t, "500.00")

		f.clock.Advance(11 * time.Minute)
		_, err := f.svc.InitiatePayment(ctx, order.OrderID, channel.IDUPIDirect, channel.Context{})
		assert.ErrorIs(t, err, ErrOrderExpired)
	})

	t.Run("expire is idempotent and terminal orders stay", func(t *testing.T) {
		f := newFixture(t)
		verified := f.awaiting(t, "500.00")
		_, err := f.svc.SubmitVerification(ctx, verified.OrderID, "123456789012", verified.UniqueAmount)
		require.NoError(t, err)
		live := f.createOrder(t, "600.00")

		f.clock.Advance(time.Hour)
		n, err := f.svc.ExpireDue(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = f.svc.ExpireDue(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		got, err := f.svc.Expire(ctx, verified.OrderID)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusVerified, got.Status)

		got, err = f.svc.Expire(ctx, live.OrderID)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusExpired, got.Status)
	})
}

func TestOrderService_InitiatePayment(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown channel leaves order pending", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t, "500.00")

		_, err := f.svc.InitiatePayment(ctx, order.OrderID, channel.IDRedirectGateway, channel.Context{})
		assert.ErrorIs(t, err, channel.ErrChannelUnavailable)

		got, err := f.svc.GetOrder(ctx, order.OrderID)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusPendingPayment, got.Status)
	})

	t.Run("second initiate is rejected", func(t *testing.T) {
		f := newFixture(t)
		order := f.awaiting(t, "500.00")

		_, err := f.svc.InitiatePayment(ctx, order.OrderID, channel.IDUPIDirect, channel.Context{})
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("widget records provider session", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t, "500.00")

		action, err := f.svc.InitiatePayment(ctx, order.OrderID, channel.IDHostedWidget, channel.Context{})
		require.NoError(t, err)
		assert.Equal(t, channel.KindEmbeddedWidget, action.Kind)

		got, err := f.svc.GetOrder(ctx, order.OrderID)
		require.NoError(t, err)
		assert.Equal(t, "order_"+order.OrderID, got.ProviderSessionID)
	})
}

func TestOrderService_GatewayCompletion(t *testing.T) {
	ctx := context.Background()

	widgetOrder := func(t *testing.T, f *fixture) *model.Order {
		order := f.createOrder(t, "500.00")
		_, err := f.svc.InitiatePayment(ctx, order.OrderID, channel.IDHostedWidget, channel.Context{})
		require.NoError(t, err)
		return order
	}

	t.Run("pending review then approve", func(t *testing.T) {
		f := newFixture(t)
		order := widgetOrder(t, f)

		res, err := f.svc.CompleteFromGateway(ctx, &GatewayCompletion{
			ProviderSessionID: "order_" + order.OrderID,
			TransactionID:     "pay_ABC",
			Channel:           channel.IDHostedWidget,
		})
		require.NoError(t, err)
		assert.Equal(t, model.VerdictPendingReview, res.Verdict.Kind)
		assert.Equal(t, model.OrderStatusPendingReview, res.Order.Status)

		// 重复回调
		again, err := f.svc.CompleteFromGateway(ctx, &GatewayCompletion{OrderID: order.OrderID, TransactionID: "pay_ABC"})
		require.NoError(t, err)
		assert.True(t, again.Replayed)

		reviews, err := f.svc.ListPendingReviews(ctx, 10)
		require.NoError(t, err)
		require.Len(t, reviews, 1)

		// pending_review 不会过期
		f.clock.Advance(time.Hour)
		n, err := f.svc.ExpireDue(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		approved, err := f.svc.Adjudicate(ctx, order.OrderID, true)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusVerified, approved.Status)

		_, err = f.svc.Adjudicate(ctx, order.OrderID, false)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("reject review", func(t *testing.T) {
		f := newFixture(t)
		order := widgetOrder(t, f)
		_, err := f.svc.CompleteFromGateway(ctx, &GatewayCompletion{OrderID: order.OrderID, TransactionID: "pay_1"})
		require.NoError(t, err)

		rejected, err := f.svc.Adjudicate(ctx, order.OrderID, false)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusFailed, rejected.Status)
	})

	t.Run("session mismatch", func(t *testing.T) {
		f := newFixture(t)
		order := widgetOrder(t, f)
		_, err := f.svc.CompleteFromGateway(ctx, &GatewayCompletion{
			OrderID: order.OrderID, ProviderSessionID: "order_other", TransactionID: "pay_1",
		})
		assert.ErrorIs(t, err, ErrSessionMismatch)
	})

	t.Run("missing reference", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CompleteFromGateway(ctx, &GatewayCompletion{OrderID: "ORD-X"})
		assert.ErrorIs(t, err, ErrMissingReference)
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CompleteFromGateway(ctx, &GatewayCompletion{ProviderSessionID: "order_missing", TransactionID: "pay_1"})
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})

	t.Run("late completion on expired order is recorded", func(t *testing.T) {
		f := newFixture(t)
		order := widgetOrder(t, f)
		f.clock.Advance(11 * time.Minute)

		_, err := f.svc.CompleteFromGateway(ctx, &GatewayCompletion{OrderID: order.OrderID, TransactionID: "pay_late"})
		assert.ErrorIs(t, err, ErrOrderExpired)

		attempts, err := f.svc.ListAttempts(ctx, order.OrderID)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, ReasonOrderExpired, attempts[0].Reason)

		got, err := f.svc.GetOrder(ctx, order.OrderID)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusExpired, got.Status)

		_, err = f.svc.CompleteFromGateway(ctx, &GatewayCompletion{OrderID: order.OrderID, TransactionID: "pay_late"})
		assert.ErrorIs(t, err, ErrOrderExpired)
		attempts, err = f.svc.ListAttempts(ctx, order.OrderID)
		require.NoError(t, err)
		assert.Len(t, attempts, 1)
	})
}
