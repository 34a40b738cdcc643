// internal/service/inventory/application/scheduler.go
package application

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"nexus-inventory/internal/pkg/logger"
	"nexus-inventory/internal/service/inventory/port"
)

const DefaultCleanupInterval = 5 * time.Minute

// Cleaner 是调度器驱动的清理入口
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// ReservationExpiryScheduler 按固定间隔触发过期清理。
// 同一时刻最多只有一次清理在执行, 单次失败不会影响后续调度。
type ReservationExpiryScheduler struct {
	cleaner  Cleaner
	interval time.Duration
	lease    port.CleanupLease
	leaseTTL time.Duration

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewReservationExpiryScheduler lease 可为 nil, 此时只保证进程内单次执行
func NewReservationExpiryScheduler(cleaner Cleaner, interval time.Duration, lease port.CleanupLease) *ReservationExpiryScheduler {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &ReservationExpiryScheduler{
		cleaner:  cleaner,
		interval: interval,
		lease:    lease,
		leaseTTL: interval,
	}
}

// Start 启动时立即执行一次, 之后每个间隔执行一次, 阻塞直到 ctx 结束并等待进行中的清理退出
func (s *ReservationExpiryScheduler) Start(ctx context.Context) {
	logger.Ctx(ctx).Info().Dur("interval", s.interval).Msg("✅ Reservation expiry scheduler started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.trigger(ctx)
	for {
		select {
		case <-ticker.C:
			s.trigger(ctx)
		case <-ctx.Done():
			s.wg.Wait()
			logger.Ctx(ctx).Info().Msg("🛑 Reservation expiry scheduler stopped")
			return
		}
	}
}

// RunOnce 同步执行一次清理; 已有清理在执行时 started 为 false
func (s *ReservationExpiryScheduler) RunOnce(ctx context.Context) (released int, started bool, err error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, false, nil
	}
	defer s.running.Store(false)
	released, err = s.run(ctx)
	return released, true, err
}

// trigger 在后台执行一次清理, 上一次尚未结束时跳过本次 tick
func (s *ReservationExpiryScheduler) trigger(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		logger.Ctx(ctx).Debug().Msg("Previous cleanup still running, skipping tick")
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		_, _ = s.run(ctx)
	}()
	return true
}

func (s *ReservationExpiryScheduler) run(ctx context.Context) (released int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("cleanup panicked: %v", r)
			logger.Ctx(ctx).Error().Err(err).Msg("Expired reservation cleanup panicked")
		}
	}()

	runCtx := ctx
	if s.lease != nil {
		held, ok, acquireErr := s.lease.TryAcquire(ctx, s.leaseTTL)
		if acquireErr != nil {
			logger.Ctx(ctx).Error().Err(acquireErr).Msg("Failed to acquire cleanup lease")
			return 0, acquireErr
		}
		if !ok {
			logger.Ctx(ctx).Debug().Msg("Cleanup lease held by another instance, skipping")
			return 0, nil
		}

		var stopRenew func() error
		runCtx, stopRenew = s.keepAlive(ctx, held)
		defer func() {
			renewErr := stopRenew()
			if renewErr != nil {
				err = errors.Wrap(renewErr, "cleanup aborted")
				return
			}
			if releaseErr := held.Release(context.WithoutCancel(ctx)); releaseErr != nil {
				logger.Ctx(ctx).Warn().Err(releaseErr).Msg("Failed to release cleanup lease")
			}
		}()
	}

	released, err = s.cleaner.CleanupExpired(runCtx)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Expired reservation cleanup failed")
		return released, err
	}
	return released, nil
}

// keepAlive 每 leaseTTL/3 续期一次, 续期失败时取消返回的 ctx 让清理尽快停下。
// stop 结束续期并返回导致取消的续期错误。
func (s *ReservationExpiryScheduler) keepAlive(ctx context.Context, lease port.Lease) (context.Context, func() error) {
	runCtx, cancel := context.WithCancel(ctx)
	every := s.leaseTTL / 3
	if every <= 0 {
		every = time.Millisecond
	}

	var renewErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := lease.Renew(runCtx, s.leaseTTL); err != nil {
					if runCtx.Err() != nil {
						return
					}
					renewErr = err
					logger.Ctx(ctx).Error().Err(err).Msg("Cleanup lease lost, stopping the run")
					cancel()
					return
				}
			}
		}
	}()

	return runCtx, func() error {
		cancel()
		<-done
		return renewErr
	}
}
