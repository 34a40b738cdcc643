// Package infrastructure 实现了库存预占引擎依赖的事务性存储。
//
// BoltStore 是嵌入式的单机实现: 所有数据保存在一个文件中, 写事务天然串行,
// 适合开发环境和单副本部署。GormStore 面向 MySQL, 用于多副本生产部署。
package infrastructure

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"nexus-inventory/internal/service/inventory/domain"
)

var (
	bucketStockUnits    = []byte("stock_units")
	bucketReservations  = []byte("reservations")
	bucketByOrder       = []byte("reservations_by_order")
	bucketActiveExpiry  = []byte("active_by_expiry")
	allBuckets          = [][]byte{bucketStockUnits, bucketReservations, bucketByOrder, bucketActiveExpiry}
	indexMarker         = []byte{1}
	errDuplicateReserve = errors.New("reservation already exists")
)

// BoltStore 实现 domain.Store
type BoltStore struct {
	db *bolt.DB
}

var _ domain.Store = (*BoltStore)(nil)

// NewBoltStore 打开 (或创建) 数据库文件并确保所有 bucket 存在
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt database %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create bolt buckets")
	}
	return &BoltStore{db: db}, nil
}

// Close 关闭底层数据库
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// RunInTx bolt 的写事务是串行的, fn 返回错误时整体回滚
func (s *BoltStore) RunInTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *BoltStore) GetStockUnit(_ context.Context, key domain.StockKey) (*domain.StockUnit, error) {
	var unit *domain.StockUnit
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		unit, err = (&boltTx{tx: tx}).getStock(key)
		return err
	})
	return unit, err
}

func (s *BoltStore) UpsertStockUnit(_ context.Context, key domain.StockKey, onHand int) (*domain.StockUnit, error) {
	var unit *domain.StockUnit
	err := s.db.Update(func(tx *bolt.Tx) error {
		btx := &boltTx{tx: tx}
		rec, err := btx.getStockRecord(key)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if rec == nil {
			rec = &StockUnitModel{ProductID: key.ProductID, VariantID: key.VariantID, CreatedAt: time.Now().UTC()}
		}
		if onHand < rec.ReservedQuantity {
			return errors.Wrapf(domain.ErrStockInvariant,
				"%s: on hand %d below reserved %d", key, onHand, rec.ReservedQuantity)
		}
		rec.OnHandQuantity = onHand
		rec.Version++
		rec.UpdatedAt = time.Now().UTC()
		if err := btx.putStock(rec); err != nil {
			return err
		}
		unit = rec.toDomain()
		return nil
	})
	return unit, err
}

func (s *BoltStore) ListExpiredReservations(_ context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	var out []*domain.Reservation
	err := s.db.View(func(tx *bolt.Tx) error {
		btx := &boltTx{tx: tx}
		c := tx.Bucket(bucketActiveExpiry).Cursor()
		deadline := expiryPrefix(now)
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			if bytes.Compare(k[:expiryPrefixLen], deadline) > 0 {
				break
			}
			r, err := btx.getReservation(string(k[expiryPrefixLen:]))
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListReservationsByOrder(_ context.Context, orderID string) ([]*domain.Reservation, error) {
	var out []*domain.Reservation
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = (&boltTx{tx: tx}).reservationsByOrder(orderID, false)
		return err
	})
	return out, err
}

// boltTx 实现 domain.Tx, 所有操作都在同一个 bolt 事务中
type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) GetStockUnit(_ context.Context, key domain.StockKey) (*domain.StockUnit, error) {
	return t.getStock(key)
}

func (t *boltTx) CompareAndSwapStock(_ context.Context, key domain.StockKey, expectedVersion int64, delta domain.StockDelta) (bool, error) {
	rec, err := t.getStockRecord(key)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Version != expectedVersion {
		return false, nil
	}
	return t.applyDelta(rec, delta)
}

func (t *boltTx) AdjustStock(_ context.Context, key domain.StockKey, delta domain.StockDelta) (bool, error) {
	rec, err := t.getStockRecord(key)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.applyDelta(rec, delta)
}

func (t *boltTx) applyDelta(rec *StockUnitModel, delta domain.StockDelta) (bool, error) {
	onHand, reserved, ok := delta.Apply(rec.OnHandQuantity, rec.ReservedQuantity)
	if !ok {
		return false, nil
	}
	rec.OnHandQuantity = onHand
	rec.ReservedQuantity = reserved
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	return true, t.putStock(rec)
}

func (t *boltTx) InsertReservation(_ context.Context, r *domain.Reservation) error {
	b := t.tx.Bucket(bucketReservations)
	if b.Get([]byte(r.ID)) != nil {
		return errors.Wrapf(errDuplicateReserve, "id %s", r.ID)
	}
	if err := t.putReservation(r); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketByOrder).Put(orderIndexKey(r.OrderID, r.ID), indexMarker); err != nil {
		return err
	}
	if r.Status == domain.ReservationActive {
		return t.tx.Bucket(bucketActiveExpiry).Put(expiryIndexKey(r.ExpiresAt, r.ID), indexMarker)
	}
	return nil
}

func (t *boltTx) ListActiveReservations(_ context.Context, orderID string) ([]*domain.Reservation, error) {
	return t.reservationsByOrder(orderID, true)
}

func (t *boltTx) TransitionReservation(_ context.Context, id string, from, to domain.ReservationStatus, at time.Time) (bool, error) {
	r, err := t.getReservation(id)
	if err != nil {
		return false, err
	}
	if r.Status != from {
		return false, nil
	}
	if from == domain.ReservationActive {
		if err := t.tx.Bucket(bucketActiveExpiry).Delete(expiryIndexKey(r.ExpiresAt, r.ID)); err != nil {
			return false, err
		}
	}
	r.Status = to
	r.UpdatedAt = at
	return true, t.putReservation(r)
}

func (t *boltTx) reservationsByOrder(orderID string, activeOnly bool) ([]*domain.Reservation, error) {
	var out []*domain.Reservation
	prefix := orderIndexKey(orderID, "")
	c := t.tx.Bucket(bucketByOrder).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		r, err := t.getReservation(string(k[len(prefix):]))
		if err != nil {
			return nil, err
		}
		if activeOnly && r.Status != domain.ReservationActive {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *boltTx) getStock(key domain.StockKey) (*domain.StockUnit, error) {
	rec, err := t.getStockRecord(key)
	if err != nil {
		return nil, err
	}
	return rec.toDomain(), nil
}

func (t *boltTx) getStockRecord(key domain.StockKey) (*StockUnitModel, error) {
	raw := t.tx.Bucket(bucketStockUnits).Get(stockKeyBytes(key))
	if raw == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "%s", key)
	}
	var rec StockUnitModel
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrapf(err, "decode stock unit %s", key)
	}
	return &rec, nil
}

func (t *boltTx) putStock(rec *StockUnitModel) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := domain.StockKey{ProductID: rec.ProductID, VariantID: rec.VariantID}
	return t.tx.Bucket(bucketStockUnits).Put(stockKeyBytes(key), raw)
}

func (t *boltTx) getReservation(id string) (*domain.Reservation, error) {
	raw := t.tx.Bucket(bucketReservations).Get([]byte(id))
	if raw == nil {
		return nil, errors.Errorf("reservation %s not found", id)
	}
	var rec ReservationModel
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrapf(err, "decode reservation %s", id)
	}
	return rec.toDomain(), nil
}

func (t *boltTx) putReservation(r *domain.Reservation) error {
	raw, err := json.Marshal(fromDomainReservation(r))
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketReservations).Put([]byte(r.ID), raw)
}

func stockKeyBytes(key domain.StockKey) []byte {
	return []byte(key.ProductID + "\x00" + key.VariantID)
}

func orderIndexKey(orderID, reservationID string) []byte {
	return []byte(orderID + "\x00" + reservationID)
}

const expiryPrefixLen = 12

// expiryPrefix 8 字节秒 (翻转符号位) + 4 字节纳秒, 均为大端。
// 字节序与时间先后一致, 1970 年之前的时间和零值同样适用。
func expiryPrefix(t time.Time) []byte {
	k := make([]byte, expiryPrefixLen)
	binary.BigEndian.PutUint64(k, uint64(t.Unix())^(1<<63))
	binary.BigEndian.PutUint32(k[8:], uint32(t.Nanosecond()))
	return k
}

// expiryIndexKey 过期时间前缀 + id, 游标顺序即过期时间顺序
func expiryIndexKey(expiresAt time.Time, id string) []byte {
	return append(expiryPrefix(expiresAt), id...)
}
