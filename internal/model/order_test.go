package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{OrderStatusPendingPayment, OrderStatusAwaitingVerification, true},
		{OrderStatusPendingPayment, OrderStatusExpired, true},
		{OrderStatusPendingPayment, OrderStatusVerified, false},
		{OrderStatusAwaitingVerification, OrderStatusVerified, true},
		{OrderStatusAwaitingVerification, OrderStatusPendingReview, true},
		{OrderStatusAwaitingVerification, OrderStatusFailed, true},
		{OrderStatusAwaitingVerification, OrderStatusExpired, true},
		{OrderStatusAwaitingVerification, OrderStatusPendingPayment, false},
		{OrderStatusPendingReview, OrderStatusVerified, true},
		{OrderStatusPendingReview, OrderStatusFailed, true},
		{OrderStatusPendingReview, OrderStatusExpired, false},
		{OrderStatusVerified, OrderStatusFailed, false},
		{OrderStatusFailed, OrderStatusVerified, false},
		{OrderStatusExpired, OrderStatusPendingPayment, false},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransitionTo(tt.from, tt.to))
		})
	}
}

func TestStatusClassification(t *testing.T) {
	assert.True(t, IsLiveStatus(OrderStatusPendingPayment))
	assert.True(t, IsLiveStatus(OrderStatusAwaitingVerification))
	assert.False(t, IsLiveStatus(OrderStatusPendingReview))

	for _, s := range []string{OrderStatusVerified, OrderStatusFailed, OrderStatusExpired} {
		assert.True(t, IsTerminalStatus(s), s)
		assert.Empty(t, ValidStatusTransitions[s], s)
	}
	assert.False(t, IsTerminalStatus(OrderStatusPendingReview))
}

func TestOrder_WindowElapsed(t *testing.T) {
	expires := time.Date(2024, 1, 1, 10, 10, 0, 0, time.UTC)
	o := &Order{PaymentWindowExpires: expires}

	assert.False(t, o.WindowElapsed(expires.Add(-time.Second)))
	assert.False(t, o.WindowElapsed(expires))
	assert.True(t, o.WindowElapsed(expires.Add(time.Nanosecond)))
}

func TestOrder_Clone(t *testing.T) {
	at := time.Now()
	o := &Order{OrderID: "ORD-1", VerifiedAt: &at}
	c := o.Clone()
	c.OrderID = "ORD-2"
	*c.VerifiedAt = at.Add(time.Hour)

	assert.Equal(t, "ORD-1", o.OrderID)
	assert.Equal(t, at, *o.VerifiedAt)
}

func TestPaymentAttempt_SameClaim(t *testing.T) {
	amount := decimal.NewNullDecimal(decimal.RequireFromString("1999.37"))
	a := &PaymentAttempt{ClaimedAmount: amount}

	assert.True(t, a.SameClaim(decimal.NewNullDecimal(decimal.RequireFromString("1999.370"))))
	assert.False(t, a.SameClaim(decimal.NewNullDecimal(decimal.RequireFromString("1999.38"))))
	assert.False(t, a.SameClaim(decimal.NullDecimal{}))

	gw := &PaymentAttempt{}
	assert.True(t, gw.SameClaim(decimal.NullDecimal{}))
}
