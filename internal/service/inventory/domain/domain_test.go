package domain

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestStockDeltaApply(t *testing.T) {
	tests := []struct {
		name             string
		delta            StockDelta
		onHand, reserved int
		wantOn, wantRes  int
		ok               bool
	}{
		{"reserve", StockDelta{Reserved: 3}, 10, 2, 10, 5, true},
		{"reserve exactly all", StockDelta{Reserved: 8}, 10, 2, 10, 10, true},
		{"oversell", StockDelta{Reserved: 9}, 10, 2, 10, 11, false},
		{"convert", StockDelta{OnHand: -2, Reserved: -2}, 10, 2, 8, 0, true},
		{"release too much", StockDelta{Reserved: -3}, 10, 2, 10, -1, false},
		{"shrink below reserved", StockDelta{OnHand: -9}, 10, 2, 1, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			on, res, ok := tt.delta.Apply(tt.onHand, tt.reserved)
			assert.Equal(t, tt.wantOn, on)
			assert.Equal(t, tt.wantRes, res)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestStockKeyString(t *testing.T) {
	assert.Equal(t, "sku-1", StockKey{ProductID: "sku-1"}.String())
	assert.Equal(t, "sku-1/red", StockKey{ProductID: "sku-1", VariantID: "red"}.String())
}

func TestStockUnitAvailability(t *testing.T) {
	u := &StockUnit{OnHandQuantity: 5, ReservedQuantity: 3}
	assert.Equal(t, 2, u.AvailableQuantity())
	assert.True(t, u.CanReserve(2))
	assert.False(t, u.CanReserve(3))
}

func TestReservationLifecycle(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	key := StockKey{ProductID: "sku-1", VariantID: "red"}
	r := NewReservation("order-1", key, 2, now, 15*time.Minute)

	assert.NotEmpty(t, r.ID)
	assert.NotEqual(t, r.ID, NewReservation("order-1", key, 2, now, time.Minute).ID)
	assert.Equal(t, ReservationActive, r.Status)
	assert.Equal(t, key, r.Key())
	assert.Equal(t, now.Add(15*time.Minute), r.ExpiresAt)

	assert.False(t, r.IsExpired(now.Add(15*time.Minute-time.Nanosecond)))
	assert.True(t, r.IsExpired(now.Add(15*time.Minute)))

	assert.True(t, r.CanTransitionTo(ReservationConverted))
	assert.True(t, r.CanTransitionTo(ReservationExpired))
	assert.False(t, r.CanTransitionTo(ReservationActive))

	r.Status = ReservationConverted
	assert.False(t, r.CanTransitionTo(ReservationExpired))
	assert.False(t, r.IsExpired(now.Add(time.Hour)), "only active reservations expire")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrReservationConflict))
	assert.True(t, IsRetryable(errors.Wrap(ErrReservationConflict, "cas")))
	assert.False(t, IsRetryable(ErrInsufficientStock))
	assert.False(t, IsRetryable(nil))
}

func TestNewStockEvent(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	r := NewReservation("order-1", StockKey{ProductID: "sku-1"}, 4, now, time.Minute)
	e := NewStockEvent(EventReservationReleased, r, "expired", now.Add(time.Minute))

	assert.Equal(t, r.ID, e.ReservationID)
	assert.Equal(t, "order-1", e.OrderID)
	assert.Equal(t, 4, e.Quantity)
	assert.Equal(t, "expired", e.Reason)
	assert.Equal(t, now.Add(time.Minute), e.OccurredAt)
}
