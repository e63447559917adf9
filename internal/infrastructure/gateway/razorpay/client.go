// Package razorpay 托管收银台（hosted widget）渠道：服务端创建 Razorpay 订单，
// 前端用 key_id + order_id 拉起 checkout.js，支付完成后回传签名供服务端校验。
package razorpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"storepay/pkg/money"

	razorpay "github.com/razorpay/razorpay-go"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSignature = errors.New("razorpay 签名校验失败")
	ErrInvalidResponse  = errors.New("razorpay 返回数据不完整")
)

// orderAPI razorpay-go 的 Order 资源，测试时替换
type orderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type Client struct {
	orders    orderAPI
	keyID     string
	keySecret string
}

func NewClient(keyID, keySecret string) *Client {
	rc := razorpay.NewClient(keyID, keySecret)
	return &Client{orders: rc.Order, keyID: keyID, keySecret: keySecret}
}

func (c *Client) KeyID() string {
	return c.keyID
}

type Order struct {
	ID       string
	Receipt  string
	Currency string
	Amount   int64 // paise
}

// CreateOrder 创建 Razorpay 订单，receipt 使用本系统订单号
func (c *Client) CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string, notes map[string]interface{}) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data := map[string]interface{}{
		"amount":   money.ToPaise(amount),
		"currency": currency,
		"receipt":  receipt,
	}
	if len(notes) > 0 {
		data["notes"] = notes
	}

	resp, err := c.orders.Create(data, nil)
	if err != nil {
		return nil, fmt.Errorf("创建 razorpay 订单失败: %w", err)
	}

	id, _ := resp["id"].(string)
	if id == "" {
		return nil, ErrInvalidResponse
	}
	order := &Order{ID: id, Receipt: receipt, Currency: currency}
	switch v := resp["amount"].(type) {
	case float64:
		order.Amount = int64(v)
	case int64:
		order.Amount = v
	case int:
		order.Amount = int64(v)
	}
	return order, nil
}

// Signature HMAC-SHA256(order_id|payment_id)
func (c *Client) Signature(orderID, paymentID string) string {
	h := hmac.New(sha256.New, []byte(c.keySecret))
	h.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyPaymentSignature 校验 checkout 回传的 razorpay_signature
func (c *Client) VerifyPaymentSignature(orderID, paymentID, signature string) error {
	expected := c.Signature(orderID, paymentID)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
