// Package money 卢比金额与 paise（最小货币单位）之间的换算
package money

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// ToPaise 四舍五入到整数 paise
func ToPaise(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

func FromPaise(paise int64) decimal.Decimal {
	return decimal.New(paise, -2)
}

// HasAtMostTwoDecimals 金额是否不超过两位小数
func HasAtMostTwoDecimals(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(2))
}
