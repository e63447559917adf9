package handler

import (
	"errors"
	"fmt"
	"time"

	"storepay/internal/channel"
	"storepay/internal/model"
	"storepay/internal/service"
	"storepay/pkg/money"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

func positiveAmount(value interface{}) error {
	amount, _ := value.(decimal.Decimal)
	if !amount.IsPositive() {
		return errors.New("must be greater than 0")
	}
	return nil
}

// twoDecimals 金额最多两位小数，与唯一金额的精度一致
func twoDecimals(value interface{}) error {
	amount, _ := value.(decimal.Decimal)
	if !money.HasAtMostTwoDecimals(amount) {
		return errors.New("must have at most two decimal places")
	}
	return nil
}

// CreateOrderRequest 创建订单请求，amount 为原价（卢比，最多两位小数）
type CreateOrderRequest struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Amount      decimal.Decimal `json:"amount"`
}

func (r CreateOrderRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ProductID, validation.Required.Error("product_id is required"), validation.Length(1, 64)),
		validation.Field(&r.ProductName, validation.Length(0, 255)),
		validation.Field(&r.Amount, validation.By(positiveAmount), validation.By(twoDecimals)),
	)
}

// InitiatePaymentRequest platform / app 由客户端显式声明
type InitiatePaymentRequest struct {
	Channel  string `json:"channel"`
	Platform string `json:"platform"`
	App      string `json:"app"`
}

func (r InitiatePaymentRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Channel,
			validation.Required.Error("channel is required"),
			validation.In(channel.IDUPIDirect, channel.IDHostedWidget, channel.IDRedirectGateway).Error("unknown channel"),
		),
		validation.Field(&r.Platform, validation.In(channel.PlatformAndroid, channel.PlatformIOS, "desktop")),
		validation.Field(&r.App, validation.Length(0, 32)),
	)
}

// VerifyPaymentRequest 用户提交 UTR 与实付金额
type VerifyPaymentRequest struct {
	OrderID string          `json:"order_id"`
	UTR     string          `json:"utr"`
	Amount  decimal.Decimal `json:"amount"`
}

func (r VerifyPaymentRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.OrderID, validation.Required.Error("order_id is required")),
		validation.Field(&r.UTR, validation.Required.Error("utr is required"), validation.Length(1, 64)),
		validation.Field(&r.Amount, validation.By(positiveAmount), validation.By(twoDecimals)),
	)
}

// RazorpayCallbackRequest checkout 成功后前端回传的三元组
type RazorpayCallbackRequest struct {
	OrderID   string `json:"razorpay_order_id" form:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id" form:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature" form:"razorpay_signature"`
}

func (r RazorpayCallbackRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.OrderID, validation.Required),
		validation.Field(&r.PaymentID, validation.Required),
		validation.Field(&r.Signature, validation.Required),
	)
}

// PhonePeCallbackRequest S2S 回调，response 为 base64 编码的 JSON
type PhonePeCallbackRequest struct {
	Response string `json:"response"`
}

func (r PhonePeCallbackRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Response, validation.Required),
	)
}

// ============================================================
// 响应视图
// ============================================================

type AmountView struct {
	Value  string `json:"value"`
	Rupees int64  `json:"rupees"`
	Paise  string `json:"paise"`
}

type OrderView struct {
	OrderID               string            `json:"order_id"`
	ProductID             string            `json:"product_id"`
	ProductName           string            `json:"product_name,omitempty"`
	BaseAmount            string            `json:"base_amount"`
	UniqueAmount          AmountView        `json:"unique_amount"`
	Status                string            `json:"status"`
	PaymentMethod         string            `json:"payment_method,omitempty"`
	VerificationReference string            `json:"verification_reference,omitempty"`
	PaymentWindowExpires  time.Time         `json:"payment_window_expires"`
	Countdown             service.Countdown `json:"countdown"`
	CreatedAt             time.Time         `json:"created_at"`
	VerifiedAt            *time.Time        `json:"verified_at,omitempty"`
}

func toAmountView(v decimal.Decimal) AmountView {
	u := service.SplitAmount(v)
	return AmountView{
		Value:  u.String(),
		Rupees: u.Rupees,
		Paise:  fmt.Sprintf("%02d", u.Paise),
	}
}

func toOrderView(o *model.Order, countdown service.Countdown) OrderView {
	return OrderView{
		OrderID:               o.OrderID,
		ProductID:             o.ProductID,
		ProductName:           o.ProductName,
		BaseAmount:            o.BaseAmount.StringFixed(2),
		UniqueAmount:          toAmountView(o.UniqueAmount),
		Status:                o.Status,
		PaymentMethod:         o.PaymentMethod,
		VerificationReference: o.VerificationReference,
		PaymentWindowExpires:  o.PaymentWindowExpires,
		Countdown:             countdown,
		CreatedAt:             o.CreatedAt,
		VerifiedAt:            o.VerifiedAt,
	}
}

type AttemptView struct {
	Reference     string    `json:"reference"`
	Source        string    `json:"source"`
	ClaimedAmount string    `json:"claimed_amount,omitempty"`
	Channel       string    `json:"channel,omitempty"`
	Verdict       string    `json:"verdict"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toAttemptView(a *model.PaymentAttempt) AttemptView {
	v := AttemptView{
		Reference: a.Reference,
		Source:    a.Source,
		Channel:   a.Channel,
		Verdict:   a.Verdict,
		Reason:    a.Reason,
		CreatedAt: a.CreatedAt,
	}
	if a.ClaimedAmount.Valid {
		v.ClaimedAmount = a.ClaimedAmount.Decimal.StringFixed(2)
	}
	return v
}
