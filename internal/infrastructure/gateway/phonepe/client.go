// Package phonepe 跳转支付（redirect）渠道，PhonePe PG Pay Page 接口。
//
// 请求：POST {base}/pg/v1/pay，body {"request": base64(payload)}
//       X-VERIFY = sha256(base64 + "/pg/v1/pay" + saltKey) + "###" + saltIndex
// 回调：body {"response": base64(payload)}
//       X-VERIFY = sha256(response + saltKey) + "###" + saltIndex
package phonepe

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"storepay/internal/config"
)

const (
	PayEndpoint = "/pg/v1/pay"

	CodePaymentSuccess = "PAYMENT_SUCCESS"
)

var (
	ErrChecksumMismatch = errors.New("phonepe 校验和不匹配")
	ErrNoRedirectURL    = errors.New("phonepe 未返回跳转地址")
)

// PaymentError 网关返回 success=false
type PaymentError struct {
	Code    string
	Message string
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("phonepe 下单失败: code=%s, message=%s", e.Code, e.Message)
}

type Client struct {
	httpClient  *http.Client
	baseURL     string
	merchantID  string
	saltKey     string
	saltIndex   string
	redirectURL string
	callbackURL string
}

func NewClient(cfg config.PhonePeConfig, timeout time.Duration) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		merchantID:  cfg.MerchantID,
		saltKey:     cfg.SaltKey,
		saltIndex:   cfg.SaltIndex,
		redirectURL: cfg.RedirectURL,
		callbackURL: cfg.CallbackURL,
	}
}

type paymentInstrument struct {
	Type string `json:"type"`
}

type payPayload struct {
	MerchantID            string            `json:"merchantId"`
	MerchantTransactionID string            `json:"merchantTransactionId"`
	MerchantUserID        string            `json:"merchantUserId"`
	Amount                int64             `json:"amount"`
	RedirectURL           string            `json:"redirectUrl"`
	RedirectMode          string            `json:"redirectMode"`
	CallbackURL           string            `json:"callbackUrl"`
	MobileNumber          string            `json:"mobileNumber,omitempty"`
	PaymentInstrument     paymentInstrument `json:"paymentInstrument"`
}

type PayRequest struct {
	MerchantTransactionID string
	MerchantUserID        string
	AmountPaise           int64
	MobileNumber          string
}

type payResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		MerchantTransactionID string `json:"merchantTransactionId"`
		InstrumentResponse    struct {
			RedirectInfo struct {
				URL    string `json:"url"`
				Method string `json:"method"`
			} `json:"redirectInfo"`
		} `json:"instrumentResponse"`
	} `json:"data"`
}

// Checksum sha256(body + suffix + saltKey) + "###" + saltIndex
func (c *Client) Checksum(body, suffix string) string {
	sum := sha256.Sum256([]byte(body + suffix + c.saltKey))
	return hex.EncodeToString(sum[:]) + "###" + c.saltIndex
}

// Pay 创建支付页，返回用户需要跳转的地址
func (c *Client) Pay(ctx context.Context, req PayRequest) (string, error) {
	payload := payPayload{
		MerchantID:            c.merchantID,
		MerchantTransactionID: req.MerchantTransactionID,
		MerchantUserID:        req.MerchantUserID,
		Amount:                req.AmountPaise,
		RedirectURL:           c.redirectURL,
		RedirectMode:          "POST",
		CallbackURL:           c.callbackURL,
		MobileNumber:          req.MobileNumber,
		PaymentInstrument:     paymentInstrument{Type: "PAY_PAGE"},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	encoded := base64.StdEncoding.EncodeToString(raw)

	body, err := json.Marshal(map[string]string{"request": encoded})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+PayEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-VERIFY", c.Checksum(encoded, PayEndpoint))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求 phonepe 失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("读取 phonepe 响应失败: %w", err)
	}

	var result payResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("解析 phonepe 响应失败: status=%d, err=%w", resp.StatusCode, err)
	}
	if !result.Success {
		return "", &PaymentError{Code: result.Code, Message: result.Message}
	}

	redirect := result.Data.InstrumentResponse.RedirectInfo.URL
	if redirect == "" {
		return "", ErrNoRedirectURL
	}
	return redirect, nil
}

// CallbackPayload 回调解码后的内容
type CallbackPayload struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		MerchantID            string `json:"merchantId"`
		MerchantTransactionID string `json:"merchantTransactionId"`
		TransactionID         string `json:"transactionId"`
		Amount                int64  `json:"amount"`
		State                 string `json:"state"`
	} `json:"data"`
}

func (p *CallbackPayload) Succeeded() bool {
	return p.Code == CodePaymentSuccess
}

// VerifyCallback 校验 X-VERIFY 后解码回调
func (c *Client) VerifyCallback(response, xVerify string) (*CallbackPayload, error) {
	expected := c.Checksum(response, "")
	if subtle.ConstantTimeCompare([]byte(expected), []byte(xVerify)) != 1 {
		return nil, ErrChecksumMismatch
	}

	raw, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return nil, fmt.Errorf("回调 base64 解码失败: %w", err)
	}

	var payload CallbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("回调 JSON 解析失败: %w", err)
	}
	return &payload, nil
}
