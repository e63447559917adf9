package service

import (
	"context"
	"fmt"
	"math/rand"

	"storepay/internal/config"
	"storepay/pkg/money"

	"github.com/shopspring/decimal"
)

// UniqueAmount 唯一支付金额，Rupees / Paise 供前端分开展示
type UniqueAmount struct {
	Value  decimal.Decimal
	Rupees int64
	Paise  int64
}

func (u UniqueAmount) String() string {
	return u.Value.StringFixed(2)
}

// SplitAmount 拆分为整数卢比与两位 paise
func SplitAmount(v decimal.Decimal) UniqueAmount {
	rupees := v.IntPart()
	paise := v.Sub(decimal.NewFromInt(rupees)).Mul(decimal.NewFromInt(100)).IntPart()
	return UniqueAmount{Value: v, Rupees: rupees, Paise: paise}
}

// ReserveFunc 原子占用候选金额；已被占用返回 false, nil
type ReserveFunc func(ctx context.Context, candidate decimal.Decimal) (bool, error)

// Disambiguator 在原价基础上加 [min, max] paise 的随机偏移，得到存活订单间唯一的金额
//
// 同一次调用内偏移不重复抽取，最多尝试 maxAttempts 次，paise 为 00 的候选直接跳过。
type Disambiguator struct {
	minOffset   int
	maxOffset   int
	maxAttempts int
	perm        func(n int) []int
}

func NewDisambiguator(cfg config.BusinessConfig) *Disambiguator {
	d := &Disambiguator{
		minOffset:   cfg.AmountMinOffsetPaise,
		maxOffset:   cfg.AmountMaxOffsetPaise,
		maxAttempts: cfg.AmountMaxAttempts,
		perm:        rand.Perm,
	}
	if d.minOffset < 1 {
		d.minOffset = 1
	}
	if d.maxOffset < d.minOffset || d.maxOffset > 99 {
		d.maxOffset = 99
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 10
	}
	return d
}

func (d *Disambiguator) Disambiguate(ctx context.Context, base decimal.Decimal, reserve ReserveFunc) (UniqueAmount, error) {
	if base.IsNegative() || !money.HasAtMostTwoDecimals(base) {
		return UniqueAmount{}, ErrInvalidAmount
	}

	span := d.maxOffset - d.minOffset + 1
	attempts := d.maxAttempts
	if attempts > span {
		attempts = span
	}

	tried := 0
	for _, idx := range d.perm(span) {
		if tried >= attempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return UniqueAmount{}, err
		}
		candidate := base.Add(money.FromPaise(int64(d.minOffset + idx)))
		// 整卢比金额与未加偏移的原价无法区分，跳过且不计入尝试次数
		if SplitAmount(candidate).Paise == 0 {
			continue
		}
		tried++

		ok, err := reserve(ctx, candidate)
		if err != nil {
			return UniqueAmount{}, fmt.Errorf("占用唯一金额失败: %w", err)
		}
		if ok {
			return SplitAmount(candidate), nil
		}
	}
	return UniqueAmount{}, ErrAmountExhausted
}
