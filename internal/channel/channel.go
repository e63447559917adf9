// Package channel 支付渠道策略：根据渠道生成客户端需要执行的动作。
//
// 策略只负责“发起”，不修改订单状态；状态流转由 service 层根据返回结果完成。
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"storepay/internal/model"
)

const (
	IDUPIDirect       = "upi_direct"
	IDHostedWidget    = "hosted_widget"
	IDRedirectGateway = "redirect_gateway"
)

type Kind string

const (
	KindExternalURI    Kind = "external_uri"
	KindEmbeddedWidget Kind = "embedded_widget"
	KindRedirect       Kind = "redirect"
)

var (
	ErrChannelUnavailable = errors.New("payment channel unavailable")
	// ErrChannelTimeout 同时满足 errors.Is(err, ErrChannelUnavailable)
	ErrChannelTimeout = fmt.Errorf("%w: provider did not respond in time", ErrChannelUnavailable)
)

// ClientAction 客户端需要执行的动作，字段按 Kind 取用
type ClientAction struct {
	Kind Kind `json:"kind"`

	URI string `json:"uri,omitempty"`

	Token             string `json:"token,omitempty"`
	ProviderSessionID string `json:"provider_session_id,omitempty"`
	MerchantID        string `json:"merchant_id,omitempty"`
	ScriptURL         string `json:"script_url,omitempty"`

	URL string `json:"url,omitempty"`
}

// Context 调用方显式声明的平台与目标 App，不做 UA 推断
type Context struct {
	Platform string `json:"platform"`
	App      string `json:"app"`
}

const (
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
)

type Strategy interface {
	ID() string
	Initiate(ctx context.Context, order *model.Order, cc Context) (*ClientAction, error)
}

// Registry 已配置的渠道
type Registry struct {
	strategies map[string]Strategy
}

func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.ID()] = s
	}
	return r
}

func (r *Registry) Get(id string) (Strategy, error) {
	s, ok := r.strategies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", ErrChannelUnavailable, id)
	}
	return s, nil
}

// IDs 已配置渠道，按字母序
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Descriptor 对外展示的渠道信息，Apps 仅 UPI 直连渠道有值
type Descriptor struct {
	ID   string   `json:"id"`
	Apps []string `json:"apps,omitempty"`
}

// Describe 已配置渠道及其可选的 UPI App，按渠道 ID 字母序
func (r *Registry) Describe() []Descriptor {
	ids := r.IDs()
	out := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		d := Descriptor{ID: id}
		if lister, ok := r.strategies[id].(interface{ Apps() []string }); ok {
			d.Apps = lister.Apps()
		}
		out = append(out, d)
	}
	return out
}

// callWithTimeout 在 timeout 内等待 provider 返回；超时后迟到的结果被丢弃
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{value: v, err: err}
	}()

	var zero T
	select {
	case r := <-ch:
		if r.err == nil {
			return r.value, nil
		}
		if errors.Is(r.err, context.DeadlineExceeded) {
			return zero, ErrChannelTimeout
		}
		if errors.Is(r.err, ErrChannelUnavailable) {
			return zero, r.err
		}
		return zero, fmt.Errorf("%w: %v", ErrChannelUnavailable, r.err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, ErrChannelTimeout
		}
		return zero, fmt.Errorf("%w: %v", ErrChannelUnavailable, ctx.Err())
	}
}
