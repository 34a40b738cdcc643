package infrastructure

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"nexus-inventory/internal/pkg/bootstrap"
	"nexus-inventory/internal/service/inventory/domain"
)

// OpenStore 按 reservation.store 选择存储实现, 返回的 closer 在关停时调用
func OpenStore(ctx context.Context, cfg *bootstrap.Config) (domain.Store, func(context.Context) error, error) {
	switch cfg.Reservation.Store {
	case bootstrap.StoreBolt:
		s, err := NewBoltStore(cfg.Infra.Bolt.Path)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", cfg.Infra.Bolt.Path).Msg("✅ Using embedded bolt store")
		return s, func(context.Context) error { return s.Close() }, nil

	case bootstrap.StoreMySQL:
		db, err := OpenMySQL(cfg.Infra.MySQL)
		if err != nil {
			return nil, nil, err
		}
		s := NewGormStore(db)
		if cfg.Infra.MySQL.AutoMigrate {
			if err := s.AutoMigrate(ctx); err != nil {
				return nil, nil, err
			}
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, errors.Wrap(err, "get sql.DB from gorm")
		}
		log.Info().Str("addr", cfg.Infra.MySQL.Addr).Str("database", cfg.Infra.MySQL.Database).Msg("✅ Using mysql store")
		return s, func(context.Context) error { return sqlDB.Close() }, nil

	default:
		return nil, nil, errors.Errorf("unknown reservation store %q", cfg.Reservation.Store)
	}
}
