package service

import (
	"context"
	"fmt"
	"strings"

	"storepay/internal/model"

	"github.com/shopspring/decimal"
)

const (
	ReasonInvalidReferenceFormat = "invalid_reference_format"
	ReasonReferenceAlreadyUsed   = "reference_already_used"
	ReasonAmountMismatch         = "amount_mismatch"
	ReasonOrderExpired           = "order_expired"
)

// ReferenceLength UTR 固定 12 位数字
const ReferenceLength = 12

// Verdict 核验结论：Verified / PendingReview / Rejected(reason)
type Verdict struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

func Verified() Verdict      { return Verdict{Kind: model.VerdictVerified} }
func PendingReview() Verdict { return Verdict{Kind: model.VerdictPendingReview} }
func Rejected(reason string) Verdict {
	return Verdict{Kind: model.VerdictRejected, Reason: reason}
}

func (v Verdict) IsRejected() bool { return v.Kind == model.VerdictRejected }

type BindingLookup interface {
	GetBinding(ctx context.Context, reference string) (*model.ReferenceBinding, error)
}

// Verifier 用户提交的 UTR + 金额与订单唯一金额比对
type Verifier struct {
	bindings  BindingLookup
	tolerance decimal.Decimal
}

func NewVerifier(bindings BindingLookup, tolerance decimal.Decimal) *Verifier {
	return &Verifier{bindings: bindings, tolerance: tolerance}
}

// NormalizeReference 去掉用户输入中的空白
func NormalizeReference(reference string) string {
	return strings.Join(strings.Fields(reference), "")
}

// ValidReference 恰好 12 位 ASCII 数字
func ValidReference(reference string) bool {
	if len(reference) != ReferenceLength {
		return false
	}
	for i := 0; i < len(reference); i++ {
		if reference[i] < '0' || reference[i] > '9' {
			return false
		}
	}
	return true
}

// Verify 依次检查：格式、是否被其它订单使用、金额是否在容差内
func (v *Verifier) Verify(ctx context.Context, order *model.Order, reference string, claimed decimal.Decimal) (Verdict, error) {
	reference = NormalizeReference(reference)
	if !ValidReference(reference) {
		return Rejected(ReasonInvalidReferenceFormat), nil
	}

	used, err := v.usedByOther(ctx, order, reference)
	if err != nil {
		return Verdict{}, err
	}
	if used {
		return Rejected(ReasonReferenceAlreadyUsed), nil
	}

	if claimed.Sub(order.UniqueAmount).Abs().GreaterThan(v.tolerance) {
		return Rejected(ReasonAmountMismatch), nil
	}
	return Verified(), nil
}

// VerifyGatewayCompletion 网关回调只检查交易号唯一，结果交给人工审核
func (v *Verifier) VerifyGatewayCompletion(ctx context.Context, order *model.Order, reference string) (Verdict, error) {
	used, err := v.usedByOther(ctx, order, reference)
	if err != nil {
		return Verdict{}, err
	}
	if used {
		return Rejected(ReasonReferenceAlreadyUsed), nil
	}
	return PendingReview(), nil
}

func (v *Verifier) usedByOther(ctx context.Context, order *model.Order, reference string) (bool, error) {
	binding, err := v.bindings.GetBinding(ctx, reference)
	if err != nil {
		return false, fmt.Errorf("查询参考号绑定失败: %w", err)
	}
	return binding != nil && binding.OrderID != order.OrderID, nil
}
