package domain

import "github.com/pkg/errors"

var (
	// ErrNotFound 库存单元不存在, 不重试
	ErrNotFound = errors.New("stock unit not found")

	// ErrInsufficientStock 可用库存不足, 属于正常业务拒绝, 不重试
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrReservationConflict 乐观锁冲突, 调用方可稍后重试
	ErrReservationConflict = errors.New("reservation conflict")

	// ErrInvalidQuantity 预占数量必须为正数
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrInvalidOrder 预占必须归属于一个订单
	ErrInvalidOrder = errors.New("order id is required")

	// ErrStockInvariant 增量修改会导致 reserved > onHand 或出现负数
	ErrStockInvariant = errors.New("stock invariant violated")
)

// IsRetryable 判断错误是否属于瞬时冲突
func IsRetryable(err error) bool {
	return errors.Is(err, ErrReservationConflict)
}
