package application_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"nexus-inventory/internal/service/inventory/application"
	"nexus-inventory/internal/service/inventory/domain"
	"nexus-inventory/internal/service/inventory/infrastructure"
)

var (
	errFlaky = errors.New("flaky store")

	t0   = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	sku1 = domain.StockKey{ProductID: "sku-1"}
	sku2 = domain.StockKey{ProductID: "sku-2", VariantID: "blue"}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBoltStore(t *testing.T) domain.Store {
	t.Helper()
	s, err := infrastructure.NewBoltStore(filepath.Join(t.TempDir(), "inventory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newGormStore sqlite 文件库, 单连接保证事务串行
func newGormStore(t *testing.T) domain.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "inventory.db")), &gorm.Config{
		Logger:  gormlogger.Discard,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := infrastructure.NewGormStore(db)
	require.NoError(t, s.AutoMigrate(context.Background()))
	return s
}

// forEachStore 在每种存储实现上各跑一遍 fn, 每个子测试使用全新的存储
func forEachStore(t *testing.T, fn func(t *testing.T, store domain.Store)) {
	stores := []struct {
		name string
		open func(t *testing.T) domain.Store
	}{
		{"bolt", newBoltStore},
		{"gorm", newGormStore},
	}
	for _, s := range stores {
		t.Run(s.name, func(t *testing.T) {
			fn(t, s.open(t))
		})
	}
}

// engineFixture 组装引擎及其可观测的依赖
type engineFixture struct {
	store     domain.Store
	clock     *fakeClock
	metrics   *application.Metrics
	publisher *recordingPublisher
	cache     *mapCache
	sleeps    []time.Duration
	engine    *application.StockReservationEngine
}

func newFixture(t *testing.T, store domain.Store) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:     store,
		clock:     &fakeClock{now: t0},
		metrics:   application.NewMetrics(nil),
		publisher: &recordingPublisher{},
		cache:     newMapCache(),
	}
	cfg := application.DefaultEngineConfig()
	cfg.Retry.Sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	f.engine = application.NewStockReservationEngine(store, cfg,
		application.WithClock(f.clock.Now),
		application.WithMetrics(f.metrics),
		application.WithPublisher(f.publisher),
		application.WithCache(f.cache),
	)
	return f
}

func (f *engineFixture) seed(t *testing.T, key domain.StockKey, onHand int) {
	t.Helper()
	_, err := f.store.UpsertStockUnit(context.Background(), key, onHand)
	require.NoError(t, err)
}

func (f *engineFixture) unit(t *testing.T, key domain.StockKey) *domain.StockUnit {
	t.Helper()
	u, err := f.store.GetStockUnit(context.Background(), key)
	require.NoError(t, err)
	return u
}

func request(orderID string, key domain.StockKey, qty int) application.ReserveRequest {
	return application.ReserveRequest{OrderID: orderID, ProductID: key.ProductID, VariantID: key.VariantID, Quantity: qty}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.StockEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, events ...domain.StockEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) types() []domain.StockEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.StockEventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type mapCache struct {
	mu          sync.Mutex
	values      map[domain.StockKey]int
	invalidated []domain.StockKey
}

func newMapCache() *mapCache {
	return &mapCache{values: map[domain.StockKey]int{}}
}

func (c *mapCache) Get(_ context.Context, key domain.StockKey) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key domain.StockKey, available int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = available
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, keys ...domain.StockKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.values, k)
		c.invalidated = append(c.invalidated, k)
	}
	return nil
}

// flakyStore 包装真实存储, 注入版本冲突与查询失败
type flakyStore struct {
	domain.Store
	casFailures    atomic.Int32
	casCalls       atomic.Int32
	failOrder      string
	listExpiredErr error
}

func (s *flakyStore) RunInTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	return s.Store.RunInTx(ctx, func(tx domain.Tx) error {
		return fn(&flakyTx{Tx: tx, store: s})
	})
}

func (s *flakyStore) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	if s.listExpiredErr != nil {
		return nil, s.listExpiredErr
	}
	return s.Store.ListExpiredReservations(ctx, now, limit)
}

type flakyTx struct {
	domain.Tx
	store *flakyStore
}

func (t *flakyTx) CompareAndSwapStock(ctx context.Context, key domain.StockKey, expectedVersion int64, delta domain.StockDelta) (bool, error) {
	t.store.casCalls.Add(1)
	if t.store.casFailures.Load() > 0 {
		t.store.casFailures.Add(-1)
		return false, nil
	}
	return t.Tx.CompareAndSwapStock(ctx, key, expectedVersion, delta)
}

func (t *flakyTx) ListActiveReservations(ctx context.Context, orderID string) ([]*domain.Reservation, error) {
	if orderID == t.store.failOrder {
		return nil, errFlaky
	}
	return t.Tx.ListActiveReservations(ctx, orderID)
}
