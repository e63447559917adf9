package service

import (
	"fmt"
	"time"
)

// CountdownExpired 倒计时结束后的展示值
const CountdownExpired = "expired"

type Countdown struct {
	RemainingSeconds int64  `json:"remaining_seconds"`
	Display          string `json:"display"`
	Expired          bool   `json:"expired"`
}

// ComputeCountdown 由过期时间推导剩余时间，展示为 M:SS；now 严格晚于过期时间才算过期
func ComputeCountdown(expires, now time.Time) Countdown {
	if now.After(expires) {
		return Countdown{Display: CountdownExpired, Expired: true}
	}
	secs := int64(expires.Sub(now) / time.Second)
	return Countdown{
		RemainingSeconds: secs,
		Display:          fmt.Sprintf("%d:%02d", secs/60, secs%60),
	}
}
