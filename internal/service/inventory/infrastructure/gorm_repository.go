package infrastructure

import (
	"context"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"nexus-inventory/internal/service/inventory/domain"
)

// MySQL 死锁牺牲者, 语义上等同于一次乐观锁冲突
const mysqlErrDeadlock = 1213

// GormStore 是 domain.Store 的 GORM 实现
type GormStore struct {
	db *gorm.DB
}

var _ domain.Store = (*GormStore)(nil)

// NewGormStore 创建一个新的 GORM 仓储实例
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 创建或更新 stock_units / stock_reservations 表结构
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&StockUnitModel{}, &ReservationModel{})
}

func (s *GormStore) RunInTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
	return classifyError(err)
}

func (s *GormStore) GetStockUnit(ctx context.Context, key domain.StockKey) (*domain.StockUnit, error) {
	return (&gormTx{db: s.db.WithContext(ctx)}).GetStockUnit(ctx, key)
}

// UpsertStockUnit 不存在时创建, 存在时以 version 为条件更新在库数量
func (s *GormStore) UpsertStockUnit(ctx context.Context, key domain.StockKey, onHand int) (*domain.StockUnit, error) {
	var unit *domain.StockUnit
	err := s.RunInTx(ctx, func(dtx domain.Tx) error {
		tx := dtx.(*gormTx)
		model, err := tx.findStock(key)
		if errors.Is(err, domain.ErrNotFound) {
			model = &StockUnitModel{
				ProductID:      key.ProductID,
				VariantID:      key.VariantID,
				OnHandQuantity: onHand,
				Version:        1,
			}
			if err := tx.db.Create(model).Error; err != nil {
				return errors.Wrapf(err, "create stock unit %s", key)
			}
			unit = model.toDomain()
			return nil
		}
		if err != nil {
			return err
		}

		if onHand < model.ReservedQuantity {
			return errors.Wrapf(domain.ErrStockInvariant,
				"%s: on hand %d below reserved %d", key, onHand, model.ReservedQuantity)
		}
		result := tx.db.Model(&StockUnitModel{}).
			Where("id = ? AND version = ? AND reserved_quantity <= ?", model.ID, model.Version, onHand).
			Updates(map[string]interface{}{
				"on_hand_quantity": onHand,
				"version":          gorm.Expr("version + 1"),
				"updated_at":       time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errors.Wrapf(domain.ErrReservationConflict, "%s: version %d is stale", key, model.Version)
		}
		unit, err = tx.GetStockUnit(ctx, key)
		return err
	})
	return unit, err
}

func (s *GormStore) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	var models []*ReservationModel
	q := s.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", domain.ReservationActive, now).
		Order("expires_at, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	return toDomainReservations(models), nil
}

func (s *GormStore) ListReservationsByOrder(ctx context.Context, orderID string) ([]*domain.Reservation, error) {
	var models []*ReservationModel
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at, id").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toDomainReservations(models), nil
}

// gormTx 实现 domain.Tx, db 已经绑定到事务
type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) GetStockUnit(_ context.Context, key domain.StockKey) (*domain.StockUnit, error) {
	model, err := t.findStock(key)
	if err != nil {
		return nil, err
	}
	return model.toDomain(), nil
}

func (t *gormTx) findStock(key domain.StockKey) (*StockUnitModel, error) {
	var model StockUnitModel
	err := t.db.Where("product_id = ? AND variant_id = ?", key.ProductID, key.VariantID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(domain.ErrNotFound, "%s", key)
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// CompareAndSwapStock 对应 UPDATE ... WHERE version = :expected, 单条语句完成
func (t *gormTx) CompareAndSwapStock(_ context.Context, key domain.StockKey, expectedVersion int64, delta domain.StockDelta) (bool, error) {
	result := t.stockUpdate(key, delta).
		Where("version = ?", expectedVersion).
		Updates(deltaAssignments(delta))
	return result.RowsAffected == 1, result.Error
}

// AdjustStock 增量更新, 由 WHERE 条件保证不变量
func (t *gormTx) AdjustStock(_ context.Context, key domain.StockKey, delta domain.StockDelta) (bool, error) {
	result := t.stockUpdate(key, delta).Updates(deltaAssignments(delta))
	return result.RowsAffected == 1, result.Error
}

func (t *gormTx) stockUpdate(key domain.StockKey, delta domain.StockDelta) *gorm.DB {
	return t.db.Model(&StockUnitModel{}).
		Where("product_id = ? AND variant_id = ?", key.ProductID, key.VariantID).
		Where("on_hand_quantity + ? >= 0 AND reserved_quantity + ? >= 0", delta.OnHand, delta.Reserved).
		Where("reserved_quantity + ? <= on_hand_quantity + ?", delta.Reserved, delta.OnHand)
}

func deltaAssignments(delta domain.StockDelta) map[string]interface{} {
	return map[string]interface{}{
		"on_hand_quantity":  gorm.Expr("on_hand_quantity + ?", delta.OnHand),
		"reserved_quantity": gorm.Expr("reserved_quantity + ?", delta.Reserved),
		"version":           gorm.Expr("version + 1"),
		"updated_at":        time.Now().UTC(),
	}
}

func (t *gormTx) InsertReservation(_ context.Context, r *domain.Reservation) error {
	return t.db.Create(fromDomainReservation(r)).Error
}

func (t *gormTx) ListActiveReservations(_ context.Context, orderID string) ([]*domain.Reservation, error) {
	var models []*ReservationModel
	err := t.db.
		Where("order_id = ? AND status = ?", orderID, domain.ReservationActive).
		Order("created_at, id").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toDomainReservations(models), nil
}

// TransitionReservation 对应 UPDATE ... WHERE id = ? AND status = :from
func (t *gormTx) TransitionReservation(_ context.Context, id string, from, to domain.ReservationStatus, at time.Time) (bool, error) {
	result := t.db.Model(&ReservationModel{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": at,
		})
	return result.RowsAffected == 1, result.Error
}

func toDomainReservations(models []*ReservationModel) []*domain.Reservation {
	out := make([]*domain.Reservation, len(models))
	for i, m := range models {
		out[i] = m.toDomain()
	}
	return out
}

// classifyError 把死锁转换为可重试的冲突, 其余错误原样返回
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlErrDeadlock {
		return errors.Wrapf(domain.ErrReservationConflict, "deadlock: %s", myErr.Message)
	}
	return err
}
