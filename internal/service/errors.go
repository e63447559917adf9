package service

import (
	"context"
	"errors"
	"fmt"

	"storepay/internal/channel"
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderExpired     = errors.New("order expired")
	ErrInvalidState     = errors.New("invalid order state")
	ErrAmountExhausted  = errors.New("no unique amount available")
	ErrSessionMismatch  = errors.New("provider session does not match order")
	ErrOrderBusy        = errors.New("order is being processed")
	ErrMissingReference = errors.New("missing transaction reference")
	// ErrStoreUnavailable 存储或锁服务不可达，调用方可稍后重试
	ErrStoreUnavailable = errors.New("payment system unavailable")
)

// knownErrors 对外有明确含义的错误，其余一律视为基础设施故障
var knownErrors = []error{
	ErrInvalidAmount,
	ErrOrderNotFound,
	ErrOrderExpired,
	ErrInvalidState,
	ErrAmountExhausted,
	ErrSessionMismatch,
	ErrOrderBusy,
	ErrMissingReference,
	ErrStoreUnavailable,
	channel.ErrChannelUnavailable,
	channel.ErrChannelTimeout,
	context.Canceled,
}

// classify 业务错误原样返回，数据库、Redis 等底层错误包装为 ErrStoreUnavailable
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range knownErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
