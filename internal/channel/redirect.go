package channel

import (
	"context"
	"time"

	"storepay/internal/infrastructure/gateway/phonepe"
	"storepay/internal/model"
	"storepay/pkg/money"
)

// RedirectSession 网关托管支付页
type RedirectSession struct {
	URL               string
	ProviderSessionID string
}

type RedirectProvider interface {
	CreatePayPage(ctx context.Context, order *model.Order) (*RedirectSession, error)
}

// RedirectStrategy 返回网关支付页地址，支付结果通过网关回调异步到达
type RedirectStrategy struct {
	provider RedirectProvider
	timeout  time.Duration
}

func NewRedirectStrategy(provider RedirectProvider, timeout time.Duration) *RedirectStrategy {
	return &RedirectStrategy{provider: provider, timeout: timeout}
}

func (s *RedirectStrategy) ID() string { return IDRedirectGateway }

func (s *RedirectStrategy) Initiate(ctx context.Context, order *model.Order, _ Context) (*ClientAction, error) {
	session, err := callWithTimeout(ctx, s.timeout, func(ctx context.Context) (*RedirectSession, error) {
		return s.provider.CreatePayPage(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	return &ClientAction{
		Kind:              KindRedirect,
		URL:               session.URL,
		ProviderSessionID: session.ProviderSessionID,
	}, nil
}

// PhonePeRedirect merchantTransactionId 直接使用本系统订单号
type PhonePeRedirect struct {
	client *phonepe.Client
}

func NewPhonePeRedirect(client *phonepe.Client) *PhonePeRedirect {
	return &PhonePeRedirect{client: client}
}

func (p *PhonePeRedirect) CreatePayPage(ctx context.Context, order *model.Order) (*RedirectSession, error) {
	url, err := p.client.Pay(ctx, phonepe.PayRequest{
		MerchantTransactionID: order.OrderID,
		MerchantUserID:        "USER_" + order.OrderID,
		AmountPaise:           money.ToPaise(order.UniqueAmount),
	})
	if err != nil {
		return nil, err
	}
	return &RedirectSession{URL: url, ProviderSessionID: order.OrderID}, nil
}
