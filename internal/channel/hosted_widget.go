package channel

import (
	"context"
	"time"

	"storepay/internal/infrastructure/gateway/razorpay"
	"storepay/internal/model"
)

// WidgetSession 托管收银台会话
type WidgetSession struct {
	Token             string
	ProviderSessionID string
	MerchantID        string
	ScriptURL         string
}

// WidgetProvider 签发收银台交易凭证
type WidgetProvider interface {
	CreateSession(ctx context.Context, order *model.Order) (*WidgetSession, error)
}

// HostedWidgetStrategy 返回嵌入式收银台需要的 token 与脚本地址，收银台生命周期由前端管理
type HostedWidgetStrategy struct {
	provider WidgetProvider
	timeout  time.Duration
}

func NewHostedWidgetStrategy(provider WidgetProvider, timeout time.Duration) *HostedWidgetStrategy {
	return &HostedWidgetStrategy{provider: provider, timeout: timeout}
}

func (s *HostedWidgetStrategy) ID() string { return IDHostedWidget }

func (s *HostedWidgetStrategy) Initiate(ctx context.Context, order *model.Order, _ Context) (*ClientAction, error) {
	session, err := callWithTimeout(ctx, s.timeout, func(ctx context.Context) (*WidgetSession, error) {
		return s.provider.CreateSession(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	return &ClientAction{
		Kind:              KindEmbeddedWidget,
		Token:             session.Token,
		ProviderSessionID: session.ProviderSessionID,
		MerchantID:        session.MerchantID,
		ScriptURL:         session.ScriptURL,
	}, nil
}

// RazorpayWidget 用 Razorpay 订单号作为收银台 token
type RazorpayWidget struct {
	client    *razorpay.Client
	currency  string
	scriptURL string
}

func NewRazorpayWidget(client *razorpay.Client, currency, scriptURL string) *RazorpayWidget {
	return &RazorpayWidget{client: client, currency: currency, scriptURL: scriptURL}
}

func (w *RazorpayWidget) CreateSession(ctx context.Context, order *model.Order) (*WidgetSession, error) {
	rzpOrder, err := w.client.CreateOrder(ctx, order.UniqueAmount, w.currency, order.OrderID, map[string]interface{}{
		"product_id": order.ProductID,
	})
	if err != nil {
		return nil, err
	}
	return &WidgetSession{
		Token:             rzpOrder.ID,
		ProviderSessionID: rzpOrder.ID,
		MerchantID:        w.client.KeyID(),
		ScriptURL:         w.scriptURL,
	}, nil
}
