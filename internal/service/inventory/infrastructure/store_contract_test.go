package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-inventory/internal/service/inventory/domain"
)

var (
	t0      = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	keyA    = domain.StockKey{ProductID: "sku-1"}
	keyB    = domain.StockKey{ProductID: "sku-2", VariantID: "red"}
	errStop = errors.New("stop")
)

// storeContract 描述两种存储实现都必须满足的行为
func storeContract(t *testing.T, newStore func(t *testing.T) domain.Store) {
	ctx := context.Background()

	t.Run("missing unit", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetStockUnit(ctx, keyA)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		err = s.RunInTx(ctx, func(tx domain.Tx) error {
			ok, err := tx.CompareAndSwapStock(ctx, keyA, 1, domain.StockDelta{Reserved: 1})
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = tx.AdjustStock(ctx, keyA, domain.StockDelta{Reserved: 1})
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("upsert bumps version", func(t *testing.T) {
		s := newStore(t)
		u, err := s.UpsertStockUnit(ctx, keyB, 10)
		require.NoError(t, err)
		assert.Equal(t, 10, u.OnHandQuantity)
		assert.Equal(t, int64(1), u.Version)

		u, err = s.UpsertStockUnit(ctx, keyB, 7)
		require.NoError(t, err)
		assert.Equal(t, 7, u.OnHandQuantity)
		assert.Equal(t, int64(2), u.Version)

		got, err := s.GetStockUnit(ctx, keyB)
		require.NoError(t, err)
		assert.Equal(t, keyB, got.Key)
		assert.Equal(t, 7, got.OnHandQuantity)
		assert.Equal(t, 0, got.ReservedQuantity)
	})

	t.Run("upsert below reserved", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertStockUnit(ctx, keyA, 5)
		require.NoError(t, err)
		require.NoError(t, s.RunInTx(ctx, func(tx domain.Tx) error {
			ok, err := tx.AdjustStock(ctx, keyA, domain.StockDelta{Reserved: 4})
			require.True(t, ok)
			return err
		}))

		_, err = s.UpsertStockUnit(ctx, keyA, 3)
		assert.ErrorIs(t, err, domain.ErrStockInvariant)

		u, err := s.GetStockUnit(ctx, keyA)
		require.NoError(t, err)
		assert.Equal(t, 5, u.OnHandQuantity)
	})

	t.Run("compare and swap", func(t *testing.T) {
		s := newStore(t)
		u, err := s.UpsertStockUnit(ctx, keyA, 5)
		require.NoError(t, err)

		err = s.RunInTx(ctx, func(tx domain.Tx) error {
			ok, err := tx.CompareAndSwapStock(ctx, keyA, u.Version, domain.StockDelta{Reserved: 3})
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = tx.CompareAndSwapStock(ctx, keyA, u.Version, domain.StockDelta{Reserved: 1})
			require.NoError(t, err)
			assert.False(t, ok, "stale version must not match")

			ok, err = tx.CompareAndSwapStock(ctx, keyA, u.Version+1, domain.StockDelta{Reserved: 3})
			require.NoError(t, err)
			assert.False(t, ok, "reserved may not exceed on hand")
			return nil
		})
		require.NoError(t, err)

		got, err := s.GetStockUnit(ctx, keyA)
		require.NoError(t, err)
		assert.Equal(t, 3, got.ReservedQuantity)
		assert.Equal(t, 5, got.OnHandQuantity)
		assert.Equal(t, u.Version+1, got.Version)
	})

	t.Run("adjust stock guards invariants", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertStockUnit(ctx, keyA, 4)
		require.NoError(t, err)

		err = s.RunInTx(ctx, func(tx domain.Tx) error {
			ok, err := tx.AdjustStock(ctx, keyA, domain.StockDelta{Reserved: 2})
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = tx.AdjustStock(ctx, keyA, domain.StockDelta{Reserved: -3})
			require.NoError(t, err)
			assert.False(t, ok, "reserved may not go negative")

			ok, err = tx.AdjustStock(ctx, keyA, domain.StockDelta{OnHand: -3})
			require.NoError(t, err)
			assert.False(t, ok, "on hand may not drop below reserved")

			ok, err = tx.AdjustStock(ctx, keyA, domain.StockDelta{OnHand: -2, Reserved: -2})
			require.NoError(t, err)
			assert.True(t, ok)
			return nil
		})
		require.NoError(t, err)

		got, err := s.GetStockUnit(ctx, keyA)
		require.NoError(t, err)
		assert.Equal(t, 2, got.OnHandQuantity)
		assert.Equal(t, 0, got.ReservedQuantity)
	})

	t.Run("rollback on error", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertStockUnit(ctx, keyA, 5)
		require.NoError(t, err)

		err = s.RunInTx(ctx, func(tx domain.Tx) error {
			ok, err := tx.AdjustStock(ctx, keyA, domain.StockDelta{Reserved: 5})
			require.NoError(t, err)
			require.True(t, ok)
			r := domain.NewReservation("order-rb", keyA, 5, t0, time.Minute)
			require.NoError(t, tx.InsertReservation(ctx, r))
			return errStop
		})
		assert.ErrorIs(t, err, errStop)

		got, err := s.GetStockUnit(ctx, keyA)
		require.NoError(t, err)
		assert.Equal(t, 0, got.ReservedQuantity)
		list, err := s.ListReservationsByOrder(ctx, "order-rb")
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("reservation lifecycle", func(t *testing.T) {
		s := newStore(t)
		r1 := domain.NewReservation("order-1", keyA, 2, t0, time.Minute)
		r2 := domain.NewReservation("order-1", keyB, 1, t0.Add(time.Second), 2*time.Minute)
		r3 := domain.NewReservation("order-2", keyA, 1, t0, 10*time.Minute)

		require.NoError(t, s.RunInTx(ctx, func(tx domain.Tx) error {
			for _, r := range []*domain.Reservation{r1, r2, r3} {
				if err := tx.InsertReservation(ctx, r); err != nil {
					return err
				}
			}
			return nil
		}))

		expired, err := s.ListExpiredReservations(ctx, t0.Add(5*time.Minute), 0)
		require.NoError(t, err)
		require.Len(t, expired, 2)
		assert.Equal(t, r1.ID, expired[0].ID)
		assert.Equal(t, r2.ID, expired[1].ID)

		limited, err := s.ListExpiredReservations(ctx, t0.Add(5*time.Minute), 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, r1.ID, limited[0].ID)

		boundary, err := s.ListExpiredReservations(ctx, r1.ExpiresAt, 0)
		require.NoError(t, err)
		require.Len(t, boundary, 1, "expiresAt == now counts as expired")

		at := t0.Add(6 * time.Minute)
		require.NoError(t, s.RunInTx(ctx, func(tx domain.Tx) error {
			active, err := tx.ListActiveReservations(ctx, "order-1")
			require.NoError(t, err)
			require.Len(t, active, 2)
			assert.Equal(t, r1.ID, active[0].ID)

			ok, err := tx.TransitionReservation(ctx, r1.ID, domain.ReservationActive, domain.ReservationExpired, at)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = tx.TransitionReservation(ctx, r1.ID, domain.ReservationActive, domain.ReservationConverted, at)
			require.NoError(t, err)
			assert.False(t, ok, "terminal reservations do not move again")

			active, err = tx.ListActiveReservations(ctx, "order-1")
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, r2.ID, active[0].ID)
			return nil
		}))

		expired, err = s.ListExpiredReservations(ctx, t0.Add(5*time.Minute), 0)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, r2.ID, expired[0].ID)

		all, err := s.ListReservationsByOrder(ctx, "order-1")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, domain.ReservationExpired, all[0].Status)
		assert.True(t, all[0].UpdatedAt.Equal(at))
		assert.Equal(t, domain.ReservationActive, all[1].Status)
		assert.Equal(t, keyB, all[1].Key())
		assert.True(t, all[1].ExpiresAt.Equal(r2.ExpiresAt))
	})
	t.Run("pre-epoch expiry", func(t *testing.T) {
		s := newStore(t)
		old := time.Date(1969, 12, 31, 23, 0, 0, 0, time.UTC)
		r := domain.NewReservation("order-old", keyA, 3, old, 15*time.Minute)
		require.NoError(t, s.RunInTx(ctx, func(tx domain.Tx) error {
			return tx.InsertReservation(ctx, r)
		}))

		none, err := s.ListExpiredReservations(ctx, old.Add(time.Minute), 0)
		require.NoError(t, err)
		assert.Empty(t, none)

		expired, err := s.ListExpiredReservations(ctx, t0, 0)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, r.ID, expired[0].ID)
	})
}
