package domain

import "time"

// Clock 返回当前时间, 用于计算预占的过期时间
type Clock func() time.Time

// SystemClock 默认的 UTC 系统时钟
func SystemClock() time.Time {
	return time.Now().UTC()
}
