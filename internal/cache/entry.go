package cache

import "time"

// Entry 是缓存表中的单个条目，只由 Proxy 内部持有和修改。
type Entry struct {
	Key         string
	Value       any
	CreatedAt   time.Time
	ExpiresAt   time.Time // 零值表示永不过期
	ETag        string
	ContentType string
	Hits        uint64
	LastAccess  time.Time
}

// Expired 判断条目在 now 时刻是否已过期。
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Age 返回条目自写入以来经过的时长。
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

func (e *Entry) touch(now time.Time) {
	e.Hits++
	e.LastAccess = now
}

// SetOptions 控制写入时的可选属性。TTL 为 0 时使用默认 TTL，小于 0 表示永不过期。
type SetOptions struct {
	TTL         time.Duration
	ETag        string
	ContentType string
}

// KeyCount 描述一个 key 的累计访问次数。
type KeyCount struct {
	Key   string `json:"key"`
	Count uint64 `json:"count"`
}

// Stats 是 Proxy 的运行时统计快照。
type Stats struct {
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	InFlight    int64   `json:"in_flight"`
	TrackedKeys int     `json:"tracked_keys"`
}
